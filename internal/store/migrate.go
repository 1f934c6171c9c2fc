package store

import (
	"fmt"
	"log/slog"
	"strconv"

	"gorm.io/gorm"

	"feedsync/internal/model"
)

var schemaModels = []any{
	&model.Setting{},
	&model.Feed{},
	&model.Article{},
	&model.Author{},
	&model.InternedString{},
	&model.FeedTag{},
	&model.ArticleAuthor{},
	&model.ArticleFlag{},
	&model.RelatedArticle{},
	&model.TrimmedArticle{},
	&model.Credential{},
}

type migration struct {
	version int
	name    string
	up      func(tx *gorm.DB) error
}

// Columns are added by AutoMigrate with their defaults; the versioned steps
// backfill rows written by older schemas.
var migrations = []migration{
	{
		version: 1,
		name:    "article sync state",
		up: func(tx *gorm.DB) error {
			return tx.Exec("UPDATE articles SET synced = ? WHERE synced IS NULL", true).Error
		},
	},
	{
		version: 2,
		name:    "feed settings",
		up: func(tx *gorm.DB) error {
			return tx.Exec("UPDATE feeds SET settings_max_articles = 0 WHERE settings_max_articles IS NULL OR settings_max_articles < 0").Error
		},
	},
	{
		version: 3,
		name:    "estimated reading time",
		up: func(tx *gorm.DB) error {
			var batch []model.Article
			return tx.Select("id", "content").
				Where("estimated_reading_time = 0 AND content <> ''").
				FindInBatches(&batch, 200, func(b *gorm.DB, _ int) error {
					for _, a := range batch {
						minutes := model.EstimateReadingTime(a.Content)
						if minutes == 0 {
							continue
						}
						err := b.Session(&gorm.Session{NewDB: true}).
							Exec("UPDATE articles SET estimated_reading_time = ? WHERE id = ?", minutes, a.ID).Error
						if err != nil {
							return err
						}
					}
					return nil
				}).Error
		},
	},
}

// Migrate brings the schema to the latest version. It is safe to run on every
// start.
func Migrate(db *gorm.DB, logger *slog.Logger) error {
	if err := db.AutoMigrate(schemaModels...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	current, err := schemaVersion(db)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.up(tx); err != nil {
				return err
			}
			return (&Tx{reader: reader{db: tx}}).SetSetting(model.SettingSchemaVersion, strconv.Itoa(m.version))
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
		logger.Info("applied migration", "version", m.version, "name", m.name)
	}
	return nil
}

// LatestSchemaVersion is the version Migrate leaves the store at.
func LatestSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func schemaVersion(db *gorm.DB) (int, error) {
	v, ok, err := reader{db: db}.Setting(model.SettingSchemaVersion)
	if err != nil || !ok {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("schema version %q: %w", v, err)
	}
	return n, nil
}
