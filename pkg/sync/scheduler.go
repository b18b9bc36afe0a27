package sync

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/gorm"

	"github.com/dydact/omni/pkg/models"
)

// Scheduler periodically triggers incremental syncs for sources whose
// interval has elapsed and fails stale runs left behind by a dead process.
type Scheduler struct {
	db      *gorm.DB
	manager *Manager
	// Interval between scheduler ticks.
	Interval time.Duration
	// StaleAfter fails running syncs older than this; a run that old lost
	// its process.
	StaleAfter time.Duration
	logger     hclog.Logger
	now        func() time.Time
}

// NewScheduler creates a scheduler.
func NewScheduler(db *gorm.DB, manager *Manager, interval, staleAfter time.Duration, logger hclog.Logger) *Scheduler {
	if interval == 0 {
		interval = time.Minute
	}
	if staleAfter == 0 {
		staleAfter = 6 * time.Hour
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Scheduler{
		db:         db,
		manager:    manager,
		Interval:   interval,
		StaleAfter: staleAfter,
		logger:     logger.Named("scheduler"),
		now:        time.Now,
	}
}

// Run ticks until the context is cancelled. Errors are logged and the loop
// keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case <-ticker.C:
			if err := s.tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("scheduler tick failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) error {
	now := s.now()

	if err := s.failStaleRuns(now); err != nil {
		return err
	}

	var due models.Sources
	if err := due.FindDueForSync(s.db, now); err != nil {
		return err
	}
	for _, source := range due {
		_, err := s.manager.TriggerSync(ctx, source.ID, models.SyncTypeIncremental)
		switch {
		case err == nil:
			s.logger.Info("scheduled sync", "source", source.Name)
		case errors.Is(err, ErrSyncAlreadyRunning):
			// Still going from last time; skip.
		default:
			s.logger.Error("failed to schedule sync", "source", source.Name, "error", err)
		}
	}
	return nil
}

// failStaleRuns marks long-running "running" rows failed. Only rows with no
// live runtime are stale; a legitimately slow sync in this process is left
// alone.
func (s *Scheduler) failStaleRuns(now time.Time) error {
	var stale models.SyncRuns
	if err := stale.FindStale(s.db, now.Add(-s.StaleAfter)); err != nil {
		return err
	}
	for i := range stale {
		run := &stale[i]
		if _, live := s.manager.Runtime(run.ID); live {
			continue
		}
		s.logger.Warn("failing stale sync run", "sync_run_id", run.ID)
		if err := run.Finish(s.db, models.SyncRunStatusFailed, "sync run abandoned"); err != nil {
			return err
		}
	}
	return nil
}
