// Package postgres implements store.Store on PostgreSQL via the pgx stdlib
// driver. Meant for deployments where snapshots must survive the host or be
// shared between replicas; the sqlite backend is the local default.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/store"
)

//go:embed migrations
var migrationsFS embed.FS

// Config holds connection pool settings.
type Config struct {
	DSN string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store is a snapshot store backed by PostgreSQL.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects, configures the pool, and applies pending migrations.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s := &Store{db: db, log: slog.With("component", "store.postgres")}
	s.log.Debug("Snapshot store opened")
	return s, nil
}

func runMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres migrate driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the database
	// driver, taking the shared *sql.DB down with it.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

// Save inserts or replaces the snapshot.
func (s *Store) Save(ctx context.Context, snap *models.TaskSnapshot) error {
	subtasksJSON, err := json.Marshal(snap.Subtasks)
	if err != nil {
		return fmt.Errorf("failed to marshal subtasks: %w", err)
	}

	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO task_snapshots (task_id, user_request, status, memory_plan, subtasks, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (task_id) DO UPDATE SET
		   user_request = EXCLUDED.user_request,
		   status = EXCLUDED.status,
		   memory_plan = EXCLUDED.memory_plan,
		   subtasks = EXCLUDED.subtasks,
		   updated_at = EXCLUDED.updated_at`,
		snap.TaskID, snap.UserRequest, string(snap.Status), snap.MemoryPlan,
		string(subtasksJSON), createdAt.UnixMilli(), updatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot '%s': %w", snap.TaskID, err)
	}
	s.log.Debug("Snapshot saved", "task_id", snap.TaskID, "status", snap.Status)
	return nil
}

// Get returns one snapshot by task id.
func (s *Store) Get(ctx context.Context, taskID string) (*models.TaskSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, user_request, status, memory_plan, subtasks, created_at, updated_at
		 FROM task_snapshots WHERE task_id = $1`, taskID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot '%s': %w", taskID, err)
	}
	return snap, nil
}

// List returns snapshots, most recently updated first.
func (s *Store) List(ctx context.Context, limit int) ([]*models.TaskSnapshot, error) {
	query := `SELECT task_id, user_request, status, memory_plan, subtasks, created_at, updated_at
		 FROM task_snapshots ORDER BY updated_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []*models.TaskSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// LatestIncomplete returns the most recently updated running snapshot.
func (s *Store) LatestIncomplete(ctx context.Context) (*models.TaskSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT task_id, user_request, status, memory_plan, subtasks, created_at, updated_at
		 FROM task_snapshots WHERE status = $1
		 ORDER BY updated_at DESC LIMIT 1`, string(models.TaskRunning))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no incomplete task", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest incomplete snapshot: %w", err)
	}
	return snap, nil
}

// DeleteOlderThan removes finished snapshots last updated before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_snapshots WHERE status != $1 AND updated_at < $2`,
		string(models.TaskRunning), cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old snapshots: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted snapshots: %w", err)
	}
	return count, nil
}

// Ping reports connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*models.TaskSnapshot, error) {
	var snap models.TaskSnapshot
	var status, subtasksJSON string
	var createdAt, updatedAt int64
	if err := row.Scan(&snap.TaskID, &snap.UserRequest, &status, &snap.MemoryPlan,
		&subtasksJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	snap.Status = models.TaskStatus(status)
	if err := json.Unmarshal([]byte(subtasksJSON), &snap.Subtasks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal subtasks: %w", err)
	}
	snap.CreatedAt = time.UnixMilli(createdAt)
	snap.UpdatedAt = time.UnixMilli(updatedAt)
	return &snap, nil
}
