package store

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

// InternString returns the single stored record for value, creating it on
// first use. Lookups go through the unique index on value.
func (tx *Tx) InternString(value string) (*model.InternedString, error) {
	if value == "" {
		return nil, errors.New("store: interned string is empty")
	}
	var rows []model.InternedString
	if err := tx.db.Where("value = ?", value).Limit(1).Find(&rows).Error; err != nil {
		return nil, apperrors.Storage("InternString", err)
	}
	if len(rows) == 1 {
		return &rows[0], nil
	}

	s := model.InternedString{Value: value}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "value"}},
		DoNothing: true,
	}).Create(&s).Error
	if err != nil {
		return nil, apperrors.Storage("InternString", err)
	}
	if err := tx.db.Where("value = ?", value).Limit(1).Find(&rows).Error; err != nil {
		return nil, apperrors.Storage("InternString", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("InternString", gorm.ErrRecordNotFound)
	}
	return &rows[0], nil
}

// UpsertAuthor returns the stored author with the same (name, email),
// creating it when none exists.
func (tx *Tx) UpsertAuthor(a model.Author) (*model.Author, error) {
	var rows []model.Author
	find := func() error {
		return tx.db.Where("name = ? AND email = ?", a.Name, a.Email).Limit(1).Find(&rows).Error
	}
	if err := find(); err != nil {
		return nil, apperrors.Storage("UpsertAuthor", err)
	}
	if len(rows) == 1 {
		return &rows[0], nil
	}

	created := model.Author{Name: a.Name, Email: a.Email}
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}, {Name: "email"}},
		DoNothing: true,
	}).Create(&created).Error
	if err != nil {
		return nil, apperrors.Storage("UpsertAuthor", err)
	}
	if err := find(); err != nil {
		return nil, apperrors.Storage("UpsertAuthor", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("UpsertAuthor", gorm.ErrRecordNotFound)
	}
	return &rows[0], nil
}
