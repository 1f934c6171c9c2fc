package store

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"feedsync/internal/apperrors"
	"feedsync/internal/model"
)

// CredentialFor looks a credential up by account ID and type.
func (r reader) CredentialFor(accountID, accountType string) (*model.Credential, error) {
	var rows []model.Credential
	err := r.db.Session(&gorm.Session{NewDB: true}).
		Where("account_id = ? AND account_type = ?", accountID, accountType).
		Limit(1).Find(&rows).Error
	if err != nil {
		return nil, apperrors.Storage("CredentialFor", err)
	}
	if len(rows) == 0 {
		return nil, apperrors.NotFound("CredentialFor", gorm.ErrRecordNotFound)
	}
	return &rows[0], nil
}

// SaveCredential inserts or replaces the credential for its account.
func (tx *Tx) SaveCredential(c *model.Credential) error {
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "account_type"}},
		DoUpdates: clause.AssignmentColumns([]string{"access_token", "refresh_token", "expiration", "updated_at"}),
	}).Create(c).Error
	return apperrors.Storage("SaveCredential", err)
}

func (tx *Tx) DeleteCredential(accountID, accountType string) error {
	err := tx.db.Where("account_id = ? AND account_type = ?", accountID, accountType).
		Delete(&model.Credential{}).Error
	return apperrors.Storage("DeleteCredential", err)
}

// SetSetting stores value under key.
func (tx *Tx) SetSetting(key, value string) error {
	err := tx.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&model.Setting{Key: key, Value: value}).Error
	return apperrors.Storage("SetSetting", err)
}

// CredentialStore exposes credential persistence to the backend client. Each
// call runs on its own handle.
type CredentialStore struct {
	s *Store
}

func (s *Store) Credentials() CredentialStore { return CredentialStore{s: s} }

func (c CredentialStore) Load(ctx context.Context, accountID, accountType string) (*model.Credential, error) {
	h := c.s.Acquire(ctx)
	defer h.Release()
	return h.CredentialFor(accountID, accountType)
}

func (c CredentialStore) Save(ctx context.Context, cred *model.Credential) error {
	h := c.s.Acquire(ctx)
	defer h.Release()
	return h.Write(func(tx *Tx) error { return tx.SaveCredential(cred) })
}

func (c CredentialStore) Delete(ctx context.Context, accountID, accountType string) error {
	h := c.s.Acquire(ctx)
	defer h.Release()
	return h.Write(func(tx *Tx) error { return tx.DeleteCredential(accountID, accountType) })
}
