package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"feedsync/config"
	"feedsync/internal/operation"
	"feedsync/internal/service"
)

// FeedUpdater runs an update pass over every feed.
type FeedUpdater interface {
	UpdateFeeds(ctx context.Context, progress service.Progress) ([]service.UpdateResult, error)
}

// Syncer runs a read-state sync pass.
type Syncer interface {
	Sync(ctx context.Context, cb service.SyncCallback) (*operation.Operation, error)
}

type Scheduler struct {
	cron        *cron.Cron
	feeds       FeedUpdater
	sync        Syncer
	config      config.CronConfig
	logger      *slog.Logger
	updateEntry cron.EntryID
	syncEntry   cron.EntryID
}

func NewScheduler(feeds FeedUpdater, sync Syncer, cfg config.CronConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	return &Scheduler{
		// A pass still running when its next tick fires is skipped.
		cron: cron.New(cron.WithChain(
			cron.Recover(cron.DiscardLogger),
			cron.SkipIfStillRunning(cron.DiscardLogger),
		)),
		feeds:  feeds,
		sync:   sync,
		config: cfg,
		logger: logger,
	}
}

// Start registers both passes and starts the cron loop.
func (s *Scheduler) Start() error {
	var err error
	if s.updateEntry, err = s.cron.AddFunc(s.config.UpdateInterval, func() { s.RunUpdate(context.Background()) }); err != nil {
		return fmt.Errorf("update schedule %q: %w", s.config.UpdateInterval, err)
	}
	if s.syncEntry, err = s.cron.AddFunc(s.config.SyncInterval, func() { s.RunSync(context.Background()) }); err != nil {
		return fmt.Errorf("sync schedule %q: %w", s.config.SyncInterval, err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "update", s.config.UpdateInterval, "sync", s.config.SyncInterval)
	return nil
}

// RunUpdate performs one update pass.
func (s *Scheduler) RunUpdate(ctx context.Context) {
	s.logger.Info("updating feeds")
	results, err := s.feeds.UpdateFeeds(ctx, nil)
	if err != nil {
		s.logger.Error("update pass failed", "error", err)
		return
	}
	s.logger.Debug("update pass done", "feeds", len(results))
}

// RunSync performs one sync pass and waits for it to persist.
func (s *Scheduler) RunSync(ctx context.Context) {
	op, err := s.sync.Sync(ctx, nil)
	if err != nil {
		s.logger.Error("sync pass failed", "error", err)
		return
	}
	if err := op.Wait(ctx); err != nil {
		s.logger.Warn("sync pass incomplete", "error", err)
	}
}

// GetNextUpdateTime returns when the next update pass fires, or the zero
// time before Start.
func (s *Scheduler) GetNextUpdateTime() time.Time {
	return s.cron.Entry(s.updateEntry).Next
}

func (s *Scheduler) GetNextSyncTime() time.Time {
	return s.cron.Entry(s.syncEntry).Next
}

// Stop halts the cron loop and waits for running passes.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
