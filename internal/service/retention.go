package service

import (
	"log/slog"
	"sort"

	"feedsync/internal/metrics"
	"feedsync/internal/model"
	"feedsync/internal/store"
)

// Retention trims feeds to their configured article cap.
type Retention struct {
	logger *slog.Logger
}

func NewRetention(logger *slog.Logger) *Retention {
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{logger: logger.With("component", "retention")}
}

// Enforce deletes the feed's articles beyond Settings.MaxArticles, keeping
// the newest by SortDate. A zero cap disables it. Trimmed links are
// remembered so the reconciler does not import them again. It returns the
// number of articles deleted.
func (r *Retention) Enforce(tx *store.Tx, feed *model.Feed) (int, error) {
	limit := feed.Settings.MaxArticles
	if limit <= 0 {
		return 0, nil
	}
	articles, err := tx.ArticleDates(feed.ID)
	if err != nil {
		return 0, err
	}
	if len(articles) <= limit {
		return 0, nil
	}

	sort.Slice(articles, func(i, j int) bool {
		di, dj := articles[i].SortDate(), articles[j].SortDate()
		if !di.Equal(dj) {
			return di.After(dj)
		}
		return articles[i].ID < articles[j].ID
	})
	excess := articles[limit:]
	if err := tx.TrimArticles(feed, excess); err != nil {
		return 0, err
	}

	metrics.RetentionDeletedTotal.Add(float64(len(excess)))
	r.logger.Info("trimmed feed", "feed_url", feed.URL, "max_articles", limit, "deleted", len(excess))
	return len(excess), nil
}
