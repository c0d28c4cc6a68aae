package api

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/driver"
	"github.com/openloom/loom/pkg/models"
	"github.com/openloom/loom/pkg/orchestrator"
	"github.com/openloom/loom/pkg/session"
	"github.com/openloom/loom/pkg/store"
)

// fakeStore is an in-memory store.Store for handler tests.
type fakeStore struct {
	mu      sync.Mutex
	snaps   map[string]*models.TaskSnapshot
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{snaps: make(map[string]*models.TaskSnapshot)}
}

func (f *fakeStore) Save(ctx context.Context, snap *models.TaskSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *snap
	f.snaps[snap.TaskID] = &clone
	return nil
}

func (f *fakeStore) Get(ctx context.Context, taskID string) (*models.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, taskID)
	}
	clone := *snap
	return &clone, nil
}

func (f *fakeStore) List(ctx context.Context, limit int) ([]*models.TaskSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*models.TaskSnapshot, 0, len(f.snaps))
	for _, snap := range f.snaps {
		clone := *snap
		out = append(out, &clone)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) LatestIncomplete(ctx context.Context) (*models.TaskSnapshot, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) Close() error { return nil }

// testServer builds a Server over a scripted session manager and a fake
// store. The scripted agent answers every prompt inline with "done".
func testServer(t *testing.T, idle time.Duration) (*Server, *session.Manager, *fakeStore) {
	t.Helper()

	factory := &driver.ScriptedFactory{
		Script: func(opts driver.Options) driver.PromptFunc {
			return func(ctx context.Context, a *driver.ScriptedAgent, prompt string) error {
				a.RespondText("done")
				return nil
			}
		},
	}
	mgr := session.NewManager(orchestrator.Config{
		Factory:     factory,
		Workspace:   t.TempDir(),
		Platform:    "linux",
		IdleTimeout: idle,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})

	st := newFakeStore()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0

	return NewServer(cfg, mgr, st), mgr, st
}
