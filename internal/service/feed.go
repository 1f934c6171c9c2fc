package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feedsync/internal/apperrors"
	"feedsync/internal/backend"
	"feedsync/internal/feedsource"
	"feedsync/internal/httpclient"
	"feedsync/internal/metrics"
	"feedsync/internal/model"
	"feedsync/internal/store"
)

const (
	modeDirect  = "direct"
	modeBackend = "backend"
)

// ErrInvalidFeedURL is returned by AddFeed for a URL that is not absolute
// http or https.
var ErrInvalidFeedURL = errors.New("invalid feed url")

// Downloader fetches a URL.
type Downloader interface {
	Get(ctx context.Context, url string) (*httpclient.Response, error)
}

// Progress is called once per finished feed, in completion order.
type Progress func(completed, total int)

// UpdateResult is the outcome for one feed of a batch update.
type UpdateResult struct {
	URL  string      `json:"url"`
	Feed *model.Feed `json:"feed,omitempty"`
	Err  error       `json:"-"`
}

// FeedService downloads feeds, or asks the backend for their changes, and
// hands the result to the reconciler.
type FeedService struct {
	store      *store.Store
	http       Downloader
	backend    backend.Repository
	reconciler *Reconciler
	retention  *Retention
	workers    int
	logger     *slog.Logger
}

// NewFeedService builds the update orchestrator. repo may be nil when no
// backend is configured; feeds are then downloaded directly.
func NewFeedService(st *store.Store, http Downloader, repo backend.Repository, workers int, logger *slog.Logger) *FeedService {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &FeedService{
		store:      st,
		http:       http,
		backend:    repo,
		reconciler: NewReconciler(logger),
		retention:  NewRetention(logger),
		workers:    workers,
		logger:     logger.With("component", "feeds"),
	}
}

// UpdateFeed downloads and reconciles a single feed.
func (s *FeedService) UpdateFeed(ctx context.Context, feed *model.Feed) (*model.Feed, error) {
	resp, err := s.http.Get(ctx, feed.URL)
	if err != nil {
		return nil, err
	}
	remote, err := feedsource.Parse(feed.URL, resp.Body)
	if err != nil {
		return nil, apperrors.Classify(err)
	}
	return s.apply(ctx, remote)
}

// UpdateFeeds refreshes every stored feed. With a backend configured one
// batched fetch replaces the individual downloads. The returned error is set
// only when the batch itself failed; per-feed failures are in the results.
func (s *FeedService) UpdateFeeds(ctx context.Context, progress Progress) ([]UpdateResult, error) {
	h := s.store.Acquire(ctx)
	feeds, err := h.AllFeeds().All()
	h.Release()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	var results []UpdateResult
	mode := modeDirect
	if s.backend != nil {
		results, err = s.updateViaBackend(ctx, feeds, progress)
		if errors.Is(err, apperrors.ErrNotConfigured) {
			s.logger.Info("backend account missing, downloading feeds directly")
			err = nil
		} else {
			mode = modeBackend
			if err != nil {
				metrics.RecordError("update_feeds", err)
				return nil, err
			}
		}
	}
	if mode == modeDirect {
		results = s.updateDirect(ctx, feeds, progress)
	}

	failed := 0
	for _, r := range results {
		metrics.RecordFeedUpdate(mode, r.Err)
		if r.Err != nil {
			failed++
			s.logger.Warn("feed update failed", "feed_url", r.URL, "error", r.Err)
		}
	}
	metrics.FeedUpdateDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	s.recordSetting(ctx, model.SettingLastUpdateAt, time.Now().UTC().Format(time.RFC3339))
	s.logger.Info("update pass finished", "mode", mode, "feeds", len(results), "failed", failed, "duration", time.Since(start))
	return results, nil
}

func (s *FeedService) updateDirect(ctx context.Context, feeds []model.Feed, progress Progress) []UpdateResult {
	return s.fanOut(len(feeds), progress, func(i int) UpdateResult {
		updated, err := s.UpdateFeed(ctx, &feeds[i])
		return UpdateResult{URL: feeds[i].URL, Feed: updated, Err: err}
	})
}

func (s *FeedService) updateViaBackend(ctx context.Context, feeds []model.Feed, progress Progress) ([]UpdateResult, error) {
	reqs := make([]backend.FeedRequest, len(feeds))
	for i := range feeds {
		reqs[i] = backend.FeedRequest{URL: feeds[i].URL}
		if !feeds[i].LastUpdated.IsZero() {
			since := feeds[i].LastUpdated
			reqs[i].Since = &since
		}
	}
	remote, err := s.backend.Fetch(ctx, reqs)
	if err != nil {
		return nil, err
	}

	// One job per stored feed, in store order. A feed the backend left out
	// has no changes and keeps its stored state.
	byURL := make(map[string]int, len(remote))
	for i := range remote {
		byURL[remote[i].URL] = i
	}
	type job struct {
		url    string
		stored *model.Feed
		remote *backend.RemoteFeed
	}
	jobs := make([]job, 0, len(feeds))
	for i := range feeds {
		j := job{url: feeds[i].URL, stored: &feeds[i]}
		for _, u := range store.SchemeVariants(feeds[i].URL) {
			if k, ok := byURL[u]; ok {
				j.remote = &remote[k]
				delete(byURL, u)
				break
			}
		}
		jobs = append(jobs, j)
	}
	for i := range remote {
		if _, ok := byURL[remote[i].URL]; ok {
			jobs = append(jobs, job{url: remote[i].URL, remote: &remote[i]})
		}
	}

	return s.fanOut(len(jobs), progress, func(i int) UpdateResult {
		j := jobs[i]
		if j.remote == nil {
			return UpdateResult{URL: j.url, Feed: j.stored}
		}
		updated, err := s.apply(ctx, feedsource.FromRemote(*j.remote))
		return UpdateResult{URL: j.url, Feed: updated, Err: err}
	}), nil
}

// fanOut runs fn for 0..n-1 on at most s.workers goroutines. Results keep
// input order; progress sees completion order.
func (s *FeedService) fanOut(n int, progress Progress, fn func(i int) UpdateResult) []UpdateResult {
	results := make([]UpdateResult, n)
	var (
		mu        sync.Mutex
		completed int
	)
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i := range n {
		g.Go(func() error {
			results[i] = fn(i)
			mu.Lock()
			completed++
			if progress != nil {
				progress(completed, n)
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// apply reconciles remote in one transaction, enforces retention and fetches
// a missing feed image afterwards.
func (s *FeedService) apply(ctx context.Context, remote *model.ImportableFeed) (*model.Feed, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()

	var res *ImportResult
	err := h.Write(func(tx *store.Tx) error {
		var err error
		if res, err = s.reconciler.Import(tx, remote); err != nil {
			return err
		}
		_, err = s.retention.Enforce(tx, res.Feed)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("feed reconciled", "feed_url", remote.URL,
		"created", res.Created, "changed", res.Changed, "skipped", res.Skipped)

	if res.Feed.ImageURL != "" && !res.Feed.HasImage() {
		s.fetchImage(ctx, h, res.Feed)
	}
	return res.Feed, nil
}

// fetchImage attaches the feed's image. Failures are logged only.
func (s *FeedService) fetchImage(ctx context.Context, h *store.Handle, feed *model.Feed) {
	resp, err := s.http.Get(ctx, feed.ImageURL)
	if err != nil {
		s.logger.Warn("feed image download failed", "feed_url", feed.URL, "image_url", feed.ImageURL, "error", err)
		return
	}
	if len(resp.Body) == 0 {
		return
	}
	feed.SetImage(resp.Body)
	if err := h.BatchSave([]*model.Feed{feed}, nil); err != nil {
		s.logger.Warn("store feed image", "feed_url", feed.URL, "error", err)
	}
}

// AddFeed subscribes to rawURL and runs a first update. The feed is kept
// even when that update fails.
func (s *FeedService) AddFeed(ctx context.Context, rawURL string) (*model.Feed, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeedURL, rawURL)
	}

	h := s.store.Acquire(ctx)
	var feed *model.Feed
	err = h.Write(func(tx *store.Tx) error {
		feed, err = tx.FindOrCreateFeed(u.String())
		return err
	})
	h.Release()
	if err != nil {
		return nil, err
	}

	updated, err := s.UpdateFeed(ctx, feed)
	metrics.RecordFeedUpdate(modeDirect, err)
	if err != nil {
		return feed, err
	}
	return updated, nil
}

func (s *FeedService) DeleteFeed(ctx context.Context, id string) error {
	h := s.store.Acquire(ctx)
	defer h.Release()
	feed, err := h.FeedByID(id)
	if err != nil {
		return err
	}
	return h.DeleteFeed(feed)
}

func (s *FeedService) DeleteArticle(ctx context.Context, id string) error {
	h := s.store.Acquire(ctx)
	defer h.Release()
	article, err := h.ArticleByID(id)
	if err != nil {
		return err
	}
	return h.DeleteArticle(article)
}

// SetMaxArticles changes a feed's retention cap and applies it at once.
func (s *FeedService) SetMaxArticles(ctx context.Context, id string, n int) (*model.Feed, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()
	var feed *model.Feed
	err := h.Write(func(tx *store.Tx) error {
		var err error
		if feed, err = tx.FeedByID(id); err != nil {
			return err
		}
		feed.SetMaxArticles(n)
		if err := tx.BatchSave([]*model.Feed{feed}, nil); err != nil {
			return err
		}
		_, err = s.retention.Enforce(tx, feed)
		return err
	})
	if err != nil {
		return nil, err
	}
	return feed, nil
}

// Feed looks a feed up by ID.
func (s *FeedService) Feed(ctx context.Context, id string) (*model.Feed, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()
	return h.FeedByID(id)
}

func (s *FeedService) ListFeeds(ctx context.Context) ([]model.Feed, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()
	return h.AllFeeds().Order("title, url").All()
}

// ArticleQuery filters ListArticles.
type ArticleQuery struct {
	FeedID     string
	UnreadOnly bool
	Limit      int
	Offset     int
}

func (s *FeedService) ListArticles(ctx context.Context, q ArticleQuery) ([]model.Article, int64, error) {
	h := s.store.Acquire(ctx)
	defer h.Release()

	articles := h.AllArticles()
	if q.FeedID != "" {
		articles = h.ArticlesForFeed(q.FeedID)
	}
	if q.UnreadOnly {
		articles = articles.Where("read = ?", false)
	}
	total, err := articles.Count()
	if err != nil {
		return nil, 0, err
	}
	if q.Limit <= 0 {
		q.Limit = 50
	}
	out, err := articles.Slice(q.Offset, q.Limit)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *FeedService) recordSetting(ctx context.Context, key, value string) {
	h := s.store.Acquire(ctx)
	defer h.Release()
	if err := h.Write(func(tx *store.Tx) error { return tx.SetSetting(key, value) }); err != nil {
		s.logger.Warn("record setting", "key", key, "error", err)
	}
}
