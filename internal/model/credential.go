package model

import "time"

// Credential is the stored token set for one backend account.
type Credential struct {
	ID           uint      `gorm:"primaryKey" json:"-"`
	AccountID    string    `gorm:"size:255;not null;uniqueIndex:idx_credential_account" json:"account_id"`
	AccountType  string    `gorm:"size:64;not null;uniqueIndex:idx_credential_account" json:"account_type"`
	AccessToken  string    `gorm:"type:text" json:"-"`
	RefreshToken string    `gorm:"type:text" json:"-"`
	Expiration   time.Time `json:"expiration"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NeedsRefresh reports whether the access token expires within buffer of now.
func (c *Credential) NeedsRefresh(now time.Time, buffer time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	return !now.Add(buffer).Before(c.Expiration)
}
