package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedsync/internal/apperrors"
	"feedsync/internal/backend"
	"feedsync/internal/metrics"
	"feedsync/internal/model"
	"feedsync/internal/operation"
	"feedsync/internal/store"
)

// SyncResult is delivered to sync callbacks.
type SyncResult struct {
	Pushed int
	Err    error
}

// SyncCallback receives a sync outcome on the main queue.
type SyncCallback func(SyncResult)

// SyncService pushes local read-state changes to the backend.
//
// Each pass marks its articles synced, pushes them, and then persists the
// synced flags in a separate operation that depends on the push. A failed
// push reverts the flags first, so the articles stay queued for the next pass.
type SyncService struct {
	store   *store.Store
	backend backend.Repository
	work    *operation.Queue
	main    *operation.Queue
	logger  *slog.Logger
}

// NewSyncService builds the sync manager. repo may be nil, in which case
// every pass is a no-op.
func NewSyncService(st *store.Store, repo backend.Repository, work, main *operation.Queue, logger *slog.Logger) *SyncService {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncService{
		store:   st,
		backend: repo,
		work:    work,
		main:    main,
		logger:  logger.With("component", "sync"),
	}
}

// Configured reports whether a backend is set.
func (s *SyncService) Configured() bool { return s.backend != nil }

// Sync pushes every unsynced article. The returned operation finishes once
// the synced flags are persisted. Without a stored backend account the pass
// ends without error and leaves every article unsynced.
func (s *SyncService) Sync(ctx context.Context, cb SyncCallback) (*operation.Operation, error) {
	if !s.Configured() {
		return s.finished(ctx, "sync", SyncResult{}, cb), nil
	}

	h := s.store.Acquire(ctx)
	pending, err := h.ArticlesMatching("synced = ?", false).All()
	h.Release()
	if err != nil {
		return nil, err
	}
	if len(pending) == 0 {
		return s.finished(ctx, "sync", SyncResult{}, cb), nil
	}

	articles := make([]*model.Article, len(pending))
	for i := range pending {
		articles[i] = &pending[i]
	}
	return s.push(ctx, articles, cb)
}

// Update pushes a single article right away.
func (s *SyncService) Update(ctx context.Context, article *model.Article, cb SyncCallback) (*operation.Operation, error) {
	if !s.Configured() || article.Synced {
		return s.finished(ctx, "sync article", SyncResult{}, cb), nil
	}
	return s.push(ctx, []*model.Article{article}, cb)
}

// SetRead records a local read-state change and pushes it. The article stays
// unsynced until the push succeeds.
func (s *SyncService) SetRead(ctx context.Context, articleID string, read bool, cb SyncCallback) (*model.Article, *operation.Operation, error) {
	h := s.store.Acquire(ctx)
	var article *model.Article
	err := h.Write(func(tx *store.Tx) error {
		var err error
		if article, err = tx.ArticleByID(articleID); err != nil {
			return err
		}
		if article.Read == read {
			return nil
		}
		article.SetRead(read)
		article.SetSynced(false)
		return tx.BatchSave(nil, []*model.Article{article})
	})
	h.Release()
	if err != nil {
		return nil, nil, err
	}

	pushed := *article
	op, err := s.Update(ctx, &pushed, cb)
	return article, op, err
}

func (s *SyncService) push(ctx context.Context, articles []*model.Article, cb SyncCallback) (*operation.Operation, error) {
	// Once submitted a pass runs to completion.
	ctx = context.WithoutCancel(ctx)

	var (
		pushErr   error
		noAccount bool
	)
	push := operation.New("sync push", func(ctx context.Context) error {
		states := make(map[string]bool, len(articles))
		for _, a := range articles {
			a.SetSynced(true)
			states[a.Link] = a.Read
		}
		pushErr = s.backend.MarkRead(ctx, states)
		if errors.Is(pushErr, apperrors.ErrNotConfigured) {
			// Nothing was pushed and nothing needs persisting.
			noAccount = true
			for _, a := range articles {
				a.SetSynced(false)
				a.MarkClean()
			}
			s.logger.Debug("no backend account, read state stays local", "articles", len(articles))
			return nil
		}
		metrics.RecordPush(len(articles), pushErr)
		if pushErr != nil {
			for _, a := range articles {
				a.SetSynced(false)
			}
			s.logger.Warn("read state push failed, will retry next pass", "articles", len(articles), "error", pushErr)
		}
		return pushErr
	})

	persist := operation.New("sync persist", func(ctx context.Context) error {
		if noAccount {
			return nil
		}
		h := s.store.Acquire(ctx)
		defer h.Release()
		err := h.Write(func(tx *store.Tx) error {
			if err := tx.SaveSyncState(articles); err != nil {
				return err
			}
			if pushErr != nil {
				return nil
			}
			return tx.SetSetting(model.SettingLastSyncAt, time.Now().UTC().Format(time.RFC3339))
		})
		if err != nil {
			metrics.RecordError("sync_persist", err)
			s.logger.Error("persist sync state", "articles", len(articles), "error", err)
			return err
		}
		if pushErr != nil {
			return pushErr
		}
		s.logger.Info("read state pushed", "articles", len(articles))
		return nil
	})
	if err := persist.AddDependency(push); err != nil {
		return nil, err
	}

	if err := s.work.Add(ctx, push); err != nil {
		return nil, fmt.Errorf("submit push: %w", err)
	}
	if err := s.work.Add(ctx, persist); err != nil {
		return nil, fmt.Errorf("submit persist: %w", err)
	}

	if cb != nil {
		notify := operation.New("sync callback", func(context.Context) error {
			n := len(articles)
			if pushErr != nil {
				n = 0
			}
			cb(SyncResult{Pushed: n, Err: persist.Err()})
			return nil
		})
		if err := notify.AddDependency(persist); err != nil {
			return nil, err
		}
		if err := s.main.Add(ctx, notify); err != nil {
			return nil, fmt.Errorf("submit callback: %w", err)
		}
	}
	return persist, nil
}

// finished reports an empty pass, still delivering cb on the main queue.
func (s *SyncService) finished(ctx context.Context, name string, res SyncResult, cb SyncCallback) *operation.Operation {
	if cb != nil {
		s.main.Go(ctx, name+" callback", func(context.Context) error {
			cb(res)
			return nil
		})
	}
	return operation.Completed(name, res.Err)
}
