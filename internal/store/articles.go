package store

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

// SchemeVariants returns link followed by its http/https twin, if it has one.
func SchemeVariants(link string) []string {
	switch {
	case strings.HasPrefix(link, "https://"):
		return []string{link, "http://" + strings.TrimPrefix(link, "https://")}
	case strings.HasPrefix(link, "http://"):
		return []string{link, "https://" + strings.TrimPrefix(link, "http://")}
	default:
		return []string{link}
	}
}

// FindOrCreateArticle returns the feed's article at link, matching either
// scheme, and creates one only when neither variant exists.
func (tx *Tx) FindOrCreateArticle(feed *model.Feed, link string) (*model.Article, error) {
	if link == "" {
		return nil, errors.New("store: article link is empty")
	}
	if a, err := tx.FindArticle(feed, link); err != nil || a != nil {
		return a, err
	}

	created := model.Article{ID: uuid.NewString(), FeedID: feed.ID, Link: link, Synced: true}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "feed_id"}, {Name: "link"}},
		DoNothing: true,
	}).Create(&created).Error
	if err != nil {
		return nil, apperrors.Storage("FindOrCreateArticle", err)
	}
	a, err := tx.FindArticle(feed, link)
	if err == nil && a == nil {
		err = apperrors.NotFound("FindOrCreateArticle", gorm.ErrRecordNotFound)
	}
	return a, err
}

// FindArticle returns the feed's article at link under either scheme, or nil
// when there is none. An exact match wins over its scheme twin.
func (r reader) FindArticle(feed *model.Feed, link string) (*model.Article, error) {
	variants := SchemeVariants(link)
	found, err := r.ArticlesMatching("feed_id = ? AND link IN ?", feed.ID, variants).All()
	if err != nil {
		return nil, err
	}
	for _, want := range variants {
		for i := range found {
			if found[i].Link == want {
				return &found[i], nil
			}
		}
	}
	return nil, nil
}

// ArticlesWithLinks returns stored articles in any feed whose link matches
// one of links under either scheme.
func (tx *Tx) ArticlesWithLinks(links []string) ([]model.Article, error) {
	if len(links) == 0 {
		return nil, nil
	}
	var variants []string
	for _, l := range links {
		variants = append(variants, SchemeVariants(l)...)
	}
	return tx.ArticlesMatching("link IN ?", variants).All()
}

func (tx *Tx) saveArticle(a *model.Article) error {
	if !a.Updated() {
		return nil
	}
	if err := tx.db.Omit("CreatedAt").Save(a).Error; err != nil {
		return apperrors.Storage("SaveArticle", err)
	}

	if err := tx.db.Where("article_id = ?", a.ID).Delete(&model.ArticleAuthor{}).Error; err != nil {
		return apperrors.Storage("SaveArticle", err)
	}
	for i, au := range a.Authors {
		stored, err := tx.UpsertAuthor(au)
		if err != nil {
			return err
		}
		a.Authors[i].ID = stored.ID
		if err := tx.db.Create(&model.ArticleAuthor{ArticleID: a.ID, AuthorID: stored.ID, Position: i}).Error; err != nil {
			return apperrors.Storage("SaveArticle", err)
		}
	}

	if err := tx.db.Where("article_id = ?", a.ID).Delete(&model.ArticleFlag{}).Error; err != nil {
		return apperrors.Storage("SaveArticle", err)
	}
	for _, flag := range a.Flags {
		s, err := tx.InternString(flag)
		if err != nil {
			return err
		}
		if err := tx.db.Create(&model.ArticleFlag{ArticleID: a.ID, StringID: s.ID}).Error; err != nil {
			return apperrors.Storage("SaveArticle", err)
		}
	}

	tx.onCommit(a.MarkClean)
	return nil
}

// SaveSyncState writes the synced column of each updated article, but only
// while the stored read state still equals the in-memory one. A row whose
// read state changed underneath keeps its stored synced value.
func (tx *Tx) SaveSyncState(articles []*model.Article) error {
	for _, a := range articles {
		if !a.Updated() {
			continue
		}
		err := tx.db.Model(&model.Article{}).
			Where("id = ? AND read = ?", a.ID, a.Read).
			Update("synced", a.Synced).Error
		if err != nil {
			return apperrors.Storage("SaveSyncState", err)
		}
		tx.onCommit(a.MarkClean)
	}
	return nil
}

// DeleteArticle removes a single article and its links.
func (tx *Tx) DeleteArticle(a *model.Article) error {
	var n int64
	if err := tx.db.Model(&model.Article{}).Where("id = ?", a.ID).Count(&n).Error; err != nil {
		return apperrors.Storage("DeleteArticle", err)
	}
	if n == 0 {
		return apperrors.NotFound("DeleteArticle", gorm.ErrRecordNotFound)
	}
	return tx.deleteArticleRows([]string{a.ID})
}

// TrimArticles deletes articles of feed that fell out of its retention
// window and records their links, so WasTrimmed reports them from then on.
func (tx *Tx) TrimArticles(feed *model.Feed, articles []model.Article) error {
	if len(articles) == 0 {
		return nil
	}
	ids := make([]string, len(articles))
	rows := make([]model.TrimmedArticle, len(articles))
	for i, a := range articles {
		ids[i] = a.ID
		rows[i] = model.TrimmedArticle{FeedID: feed.ID, Link: a.Link}
	}
	if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return apperrors.Storage("TrimArticles", err)
	}
	return tx.deleteArticleRows(ids)
}

// WasTrimmed reports whether retention removed the feed's article at link,
// under either scheme.
func (r reader) WasTrimmed(feed *model.Feed, link string) (bool, error) {
	var n int64
	err := r.db.Session(&gorm.Session{NewDB: true}).
		Model(&model.TrimmedArticle{}).
		Where("feed_id = ? AND link IN ?", feed.ID, SchemeVariants(link)).
		Count(&n).Error
	if err != nil {
		return false, apperrors.Storage("WasTrimmed", err)
	}
	return n > 0, nil
}

func (tx *Tx) deleteArticleRows(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	steps := []struct {
		model any
		query string
		args  []any
	}{
		{&model.ArticleAuthor{}, "article_id IN ?", []any{ids}},
		{&model.ArticleFlag{}, "article_id IN ?", []any{ids}},
		{&model.RelatedArticle{}, "article_id IN ? OR related_id IN ?", []any{ids, ids}},
		{&model.Article{}, "id IN ?", []any{ids}},
	}
	for _, s := range steps {
		if err := tx.db.Where(s.query, s.args...).Delete(s.model).Error; err != nil {
			return apperrors.Storage("deleteArticleRows", err)
		}
	}
	tx.markRemoved(ids...)
	return nil
}

// Relate links a and b in both directions. Relating an article to itself is
// a no-op.
func (tx *Tx) Relate(a, b *model.Article) error {
	if a.ID == b.ID {
		return nil
	}
	rows := []model.RelatedArticle{
		{ArticleID: a.ID, RelatedID: b.ID},
		{ArticleID: b.ID, RelatedID: a.ID},
	}
	if err := tx.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error; err != nil {
		return apperrors.Storage("Relate", err)
	}
	return nil
}
