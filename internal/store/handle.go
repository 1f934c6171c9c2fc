package store

import (
	"errors"
	"sync"

	"gorm.io/gorm"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

var (
	// ErrWriteInProgress is returned by Write when the handle already has an
	// open transaction.
	ErrWriteInProgress = errors.New("store: write already in progress on this handle")

	ErrHandleReleased = errors.New("store: handle released")
)

// Handle is one task's view of the store. It must not be shared between
// goroutines that write concurrently.
type Handle struct {
	reader

	store *Store
	root  *gorm.DB

	mu       sync.Mutex
	writing  bool
	released bool
}

// Release ends the handle's lifecycle. Further writes fail.
func (h *Handle) Release() {
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// Write runs fn inside a single transaction and commits it. Search index
// notifications for the transaction are sent after a successful commit.
//
// Reads inside fn must go through tx; the handle's own read methods would
// wait on the connection held by the transaction.
func (h *Handle) Write(fn func(tx *Tx) error) error {
	h.mu.Lock()
	switch {
	case h.released:
		h.mu.Unlock()
		return ErrHandleReleased
	case h.writing:
		h.mu.Unlock()
		return ErrWriteInProgress
	}
	h.writing = true
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		h.writing = false
		h.mu.Unlock()
	}()

	var committed *Tx
	err := h.root.Transaction(func(db *gorm.DB) error {
		tx := &Tx{reader: reader{db: db}}
		if err := fn(tx); err != nil {
			return err
		}
		committed = tx
		return nil
	})
	if err != nil {
		return apperrors.Classify(err)
	}

	for _, f := range committed.afterCommit {
		f()
	}
	h.store.notify(h.root.Statement.Context, committed.removed, committed.reindexList())
	return nil
}

// BatchSave commits every updated feed and article in one transaction.
func (h *Handle) BatchSave(feeds []*model.Feed, articles []*model.Article) error {
	return h.Write(func(tx *Tx) error { return tx.BatchSave(feeds, articles) })
}

func (h *Handle) DeleteFeed(feed *model.Feed) error {
	return h.Write(func(tx *Tx) error { return tx.DeleteFeed(feed) })
}

func (h *Handle) DeleteArticle(article *model.Article) error {
	return h.Write(func(tx *Tx) error { return tx.DeleteArticle(article) })
}

func (h *Handle) DeleteEverything() error {
	return h.Write(func(tx *Tx) error { return tx.DeleteEverything() })
}

// Tx is an open write transaction.
type Tx struct {
	reader

	afterCommit []func()
	removed     []string
	reindex     map[string]model.Article
	order       []string
}

// Reindex queues article for the search index once the transaction commits.
func (tx *Tx) Reindex(article *model.Article) {
	if tx.reindex == nil {
		tx.reindex = make(map[string]model.Article)
	}
	if _, ok := tx.reindex[article.ID]; !ok {
		tx.order = append(tx.order, article.ID)
	}
	tx.reindex[article.ID] = *article
}

func (tx *Tx) reindexList() []model.Article {
	out := make([]model.Article, 0, len(tx.order))
	for _, id := range tx.order {
		if a, ok := tx.reindex[id]; ok {
			out = append(out, a)
		}
	}
	return out
}

func (tx *Tx) onCommit(f func()) {
	tx.afterCommit = append(tx.afterCommit, f)
}

func (tx *Tx) markRemoved(ids ...string) {
	tx.removed = append(tx.removed, ids...)
	for _, id := range ids {
		delete(tx.reindex, id)
	}
}

// DeleteEverything removes all rows except the schema version.
func (tx *Tx) DeleteEverything() error {
	var ids []string
	if err := tx.db.Model(&model.Article{}).Pluck("id", &ids).Error; err != nil {
		return apperrors.Storage("DeleteEverything", err)
	}
	all := tx.db.Session(&gorm.Session{AllowGlobalUpdate: true})
	for _, m := range []any{
		&model.RelatedArticle{}, &model.ArticleFlag{}, &model.ArticleAuthor{},
		&model.FeedTag{}, &model.TrimmedArticle{}, &model.Article{}, &model.Feed{}, &model.Author{},
		&model.InternedString{}, &model.Credential{},
	} {
		if err := all.Delete(m).Error; err != nil {
			return apperrors.Storage("DeleteEverything", err)
		}
	}
	if err := tx.db.Where("key <> ?", model.SettingSchemaVersion).Delete(&model.Setting{}).Error; err != nil {
		return apperrors.Storage("DeleteEverything", err)
	}
	tx.markRemoved(ids...)
	return nil
}

// BatchSave writes updated entities and skips clean ones.
func (tx *Tx) BatchSave(feeds []*model.Feed, articles []*model.Article) error {
	for _, f := range feeds {
		if err := tx.saveFeed(f); err != nil {
			return err
		}
	}
	for _, a := range articles {
		if err := tx.saveArticle(a); err != nil {
			return err
		}
	}
	return nil
}
