// Package store defines the snapshot persistence interface. Snapshots are
// written whole on every mutation (last-writer-wins); backends live in the
// sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/openloom/loom/pkg/models"
)

// ErrNotFound is returned by Get when no snapshot exists for the task id.
var ErrNotFound = errors.New("store: snapshot not found")

// Store persists task snapshots.
type Store interface {
	// Save inserts or replaces the snapshot keyed by TaskID.
	Save(ctx context.Context, snap *models.TaskSnapshot) error

	// Get returns one snapshot, ErrNotFound when absent.
	Get(ctx context.Context, taskID string) (*models.TaskSnapshot, error)

	// List returns snapshots ordered most recently updated first. limit <= 0
	// means no limit.
	List(ctx context.Context, limit int) ([]*models.TaskSnapshot, error)

	// LatestIncomplete returns the most recently updated running snapshot,
	// ErrNotFound when none qualifies.
	LatestIncomplete(ctx context.Context) (*models.TaskSnapshot, error)

	// DeleteOlderThan removes finished snapshots (any non-running status)
	// last updated before cutoff, returning the number removed. Running
	// snapshots are never touched.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// Ping reports backend health.
	Ping(ctx context.Context) error

	Close() error
}
