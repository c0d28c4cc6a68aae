// Package cleanup enforces the snapshot retention policy: finished task
// snapshots older than the configured age are deleted from the store on a
// periodic background loop.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/openloom/loom/pkg/config"
	"github.com/openloom/loom/pkg/store"
)

// Service periodically deletes finished snapshots past their retention age.
// Running snapshots are never touched, so an interrupted task stays
// resumable regardless of age.
type Service struct {
	cfg   config.RetentionConfig
	store store.Store
	log   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	// now is test-overridable.
	now func() time.Time
}

// NewService creates a retention service over the given store.
func NewService(cfg config.RetentionConfig, st store.Store) *Service {
	return &Service{
		cfg:   cfg,
		store: st,
		log:   slog.With("component", "cleanup"),
		now:   time.Now,
	}
}

// Start launches the background retention loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.log.Info("Retention service started",
		"snapshot_retention_days", s.cfg.SnapshotRetentionDays,
		"interval", s.cfg.CleanupInterval)
}

// Stop signals the loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.log.Info("Retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweep(ctx)

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep runs one retention pass. Failures are logged and retried on the
// next tick.
func (s *Service) sweep(ctx context.Context) {
	cutoff := s.now().AddDate(0, 0, -s.cfg.SnapshotRetentionDays)
	count, err := s.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.log.Error("Retention sweep failed", "error", err)
		return
	}
	if count > 0 {
		s.log.Info("Retention: deleted old snapshots", "count", count)
	}
}
