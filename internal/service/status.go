package service

import (
	"context"
	"time"

	"feedsync/internal/model"
	"feedsync/internal/store"
)

type StatusService struct {
	store *store.Store
}

type SystemStatus struct {
	// Articles
	TotalArticles    int64 `json:"total_articles"`
	UnreadArticles   int64 `json:"unread_articles"`
	UnsyncedArticles int64 `json:"unsynced_articles"`

	// Feeds
	TotalFeeds   int64 `json:"total_feeds"`
	LimitedFeeds int64 `json:"limited_feeds"`

	LastUpdateAt string `json:"last_update_at,omitempty"`
	LastSyncAt   string `json:"last_sync_at,omitempty"`

	BackendConfigured bool `json:"backend_configured"`

	// Scheduler, filled in by the handler.
	NextUpdateTime time.Time `json:"next_update_time"`
	NextSyncTime   time.Time `json:"next_sync_time"`
}

func NewStatusService(st *store.Store) *StatusService {
	return &StatusService{store: st}
}

// GetSystemStatus collects store counters and bookkeeping timestamps.
func (s *StatusService) GetSystemStatus(ctx context.Context) (*SystemStatus, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()

	status := &SystemStatus{}
	counts := []struct {
		dst *int64
		c   interface{ Count() (int64, error) }
	}{
		{&status.TotalArticles, h.AllArticles()},
		{&status.UnreadArticles, h.ArticlesMatching("read = ?", false)},
		{&status.UnsyncedArticles, h.ArticlesMatching("synced = ?", false)},
		{&status.TotalFeeds, h.AllFeeds()},
		{&status.LimitedFeeds, h.FeedsMatching("settings_max_articles > 0")},
	}
	for _, c := range counts {
		n, err := c.c.Count()
		if err != nil {
			return nil, err
		}
		*c.dst = n
	}

	var err error
	if status.LastUpdateAt, _, err = h.Setting(model.SettingLastUpdateAt); err != nil {
		return nil, err
	}
	if status.LastSyncAt, _, err = h.Setting(model.SettingLastSyncAt); err != nil {
		return nil, err
	}
	return status, nil
}
