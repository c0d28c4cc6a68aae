package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/store"
)

// newTestStore connects to an external PostgreSQL when CI_DATABASE_URL is
// set; otherwise it spins up a testcontainer.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}
	ctx := context.Background()

	dsn := os.Getenv("CI_DATABASE_URL")
	if dsn == "" {
		t.Log("Using testcontainers for PostgreSQL")
		pgContainer, err := tcpostgres.Run(ctx,
			"postgres:16-alpine",
			tcpostgres.WithDatabase("test"),
			tcpostgres.WithUsername("test"),
			tcpostgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	s, err := Open(ctx, Config{DSN: dsn, MaxOpenConns: 5, MaxIdleConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPostgresStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	snap := &models.TaskSnapshot{
		TaskID:      "pg-1",
		UserRequest: "do the thing",
		Status:      models.TaskRunning,
		MemoryPlan:  "workflow notes",
		Subtasks: []*models.Subtask{
			{ID: "1", Content: "first step", AgentType: models.AgentTypeBrowser,
				State: models.SubtaskDone, Result: "ok", MemoryLevel: models.MemoryLevelL3},
			{ID: "2", Content: "second step", AgentType: models.AgentTypeCode,
				DependsOn: []string{"1"}, State: models.SubtaskPending, MemoryLevel: models.MemoryLevelL3},
		},
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now,
	}
	require.NoError(t, s.Save(ctx, snap))

	got, err := s.Get(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, snap.UserRequest, got.UserRequest)
	assert.Equal(t, models.TaskRunning, got.Status)
	require.Len(t, got.Subtasks, 2)
	assert.Equal(t, []string{"1"}, got.Subtasks[1].DependsOn)

	_, err = s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// Upsert replaces the row.
	snap.Status = models.TaskCompleted
	snap.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.Save(ctx, snap))
	got, err = s.Get(ctx, "pg-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)

	// With pg-1 completed, only a running snapshot qualifies as resumable.
	_, err = s.LatestIncomplete(ctx)
	assert.True(t, errors.Is(err, store.ErrNotFound))

	running := *snap
	running.TaskID = "pg-2"
	running.Status = models.TaskRunning
	running.UpdatedAt = now.Add(2 * time.Minute)
	require.NoError(t, s.Save(ctx, &running))

	latest, err := s.LatestIncomplete(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pg-2", latest.TaskID)

	snaps, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "pg-2", snaps[0].TaskID)

	require.NoError(t, s.Ping(ctx))

	// Retention deletes the finished snapshot but keeps the running one.
	count, err := s.DeleteOlderThan(ctx, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
	_, err = s.Get(ctx, "pg-1")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	_, err = s.Get(ctx, "pg-2")
	assert.NoError(t, err)
}
