package model

import "time"

// Setting is a key/value row for store bookkeeping.
type Setting struct {
	ID        uint   `gorm:"primaryKey"`
	Key       string `gorm:"size:100;uniqueIndex;not null"`
	Value     string `gorm:"type:text"`
	UpdatedAt time.Time
}

// Known setting keys.
const (
	SettingSchemaVersion = "schema_version"
	SettingLastUpdateAt  = "last_update_at"
	SettingLastSyncAt    = "last_sync_at"
)
