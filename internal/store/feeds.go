package store

import (
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

// FindOrCreateFeed returns the feed stored under url, creating it if absent.
// The unique index on url keeps concurrent callers from creating twins.
func (tx *Tx) FindOrCreateFeed(url string) (*model.Feed, error) {
	if url == "" {
		return nil, errors.New("store: feed url is empty")
	}
	feed, err := tx.FeedByURL(url)
	if err == nil || !apperrors.IsNotFound(err) {
		return feed, err
	}

	created := model.Feed{ID: uuid.NewString(), URL: url}
	err = tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoNothing: true,
	}).Create(&created).Error
	if err != nil {
		return nil, apperrors.Storage("FindOrCreateFeed", err)
	}
	return tx.FeedByURL(url)
}

func (tx *Tx) saveFeed(f *model.Feed) error {
	if !f.Updated() {
		return nil
	}
	if err := tx.db.Omit("CreatedAt").Save(f).Error; err != nil {
		return apperrors.Storage("SaveFeed", err)
	}
	if err := tx.db.Where("feed_id = ?", f.ID).Delete(&model.FeedTag{}).Error; err != nil {
		return apperrors.Storage("SaveFeed", err)
	}
	for i, tag := range f.Tags {
		s, err := tx.InternString(tag)
		if err != nil {
			return err
		}
		if err := tx.db.Create(&model.FeedTag{FeedID: f.ID, StringID: s.ID, Position: i}).Error; err != nil {
			return apperrors.Storage("SaveFeed", err)
		}
	}
	tx.onCommit(f.MarkClean)
	return nil
}

// DeleteFeed removes the feed and cascades to its articles.
func (tx *Tx) DeleteFeed(f *model.Feed) error {
	var ids []string
	if err := tx.db.Model(&model.Article{}).Where("feed_id = ?", f.ID).Pluck("id", &ids).Error; err != nil {
		return apperrors.Storage("DeleteFeed", err)
	}
	if err := tx.deleteArticleRows(ids); err != nil {
		return err
	}
	for _, m := range []any{&model.FeedTag{}, &model.TrimmedArticle{}} {
		if err := tx.db.Where("feed_id = ?", f.ID).Delete(m).Error; err != nil {
			return apperrors.Storage("DeleteFeed", err)
		}
	}
	res := tx.db.Delete(&model.Feed{}, "id = ?", f.ID)
	if res.Error != nil {
		return apperrors.Storage("DeleteFeed", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NotFound("DeleteFeed", gorm.ErrRecordNotFound)
	}
	return nil
}
