// Package search declares the full-text index the store keeps informed.
package search

import (
	"context"
	"log/slog"
	"sync"

	"feedsync/internal/model"
)

//go:generate mockgen -source=search.go -destination=../mocks/search_mock.go -package=mocks Index

// Index is notified after articles change or disappear. Implementations must
// tolerate being called for articles they never saw.
type Index interface {
	Index(ctx context.Context, article model.Article) error
	Remove(ctx context.Context, articleIDs []string) error
}

// Noop ignores every notification.
type Noop struct{}

func (Noop) Index(context.Context, model.Article) error { return nil }
func (Noop) Remove(context.Context, []string) error     { return nil }

// Async forwards notifications to next on a single background worker, in
// the order they were made, so callers never wait on the index.
type Async struct {
	next   Index
	logger *slog.Logger

	mu      sync.Mutex
	pending []notification
	closed  bool
	wake    chan struct{}
	done    chan struct{}
}

type notification struct {
	article *model.Article
	removed []string
}

func NewAsync(next Index, logger *slog.Logger) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Async{
		next:   next,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Async) Index(_ context.Context, article model.Article) error {
	a.enqueue(notification{article: &article})
	return nil
}

func (a *Async) Remove(_ context.Context, ids []string) error {
	a.enqueue(notification{removed: append([]string(nil), ids...)})
	return nil
}

// Close forwards what is already queued and stops the worker. Later
// notifications are dropped.
func (a *Async) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.signal()
	<-a.done
}

func (a *Async) enqueue(n notification) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.pending = append(a.pending, n)
	a.mu.Unlock()
	a.signal()
}

func (a *Async) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Async) run() {
	defer close(a.done)
	for range a.wake {
		for {
			a.mu.Lock()
			batch, closed := a.pending, a.closed
			a.pending = nil
			a.mu.Unlock()

			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
			for _, n := range batch {
				a.forward(n)
			}
		}
	}
}

func (a *Async) forward(n notification) {
	ctx := context.Background()
	if n.article != nil {
		if err := a.next.Index(ctx, *n.article); err != nil {
			a.logger.Warn("index article", "article_id", n.article.ID, "error", err)
		}
		return
	}
	if err := a.next.Remove(ctx, n.removed); err != nil {
		a.logger.Warn("remove articles from index", "count", len(n.removed), "error", err)
	}
}

// Logging records notifications in the log. It stands in for a real index
// when none is configured.
type Logging struct {
	logger *slog.Logger
}

func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

func (l *Logging) Index(_ context.Context, article model.Article) error {
	l.logger.Debug("index article", "article_id", article.ID, "link", article.Link)
	return nil
}

func (l *Logging) Remove(_ context.Context, ids []string) error {
	l.logger.Debug("remove articles from index", "ids", ids)
	return nil
}
