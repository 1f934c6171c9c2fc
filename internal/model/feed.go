package model

import (
	"slices"
	"time"
)

// FeedSettings holds per-feed options. Zero values mean "not set".
type FeedSettings struct {
	MaxArticles int `gorm:"not null;default:0" json:"max_articles"`
}

// Feed is a subscribed source. URL is the natural lookup key.
//
// Fields are exported for the ORM; callers mutate through the setters so the
// updated flag stays accurate and clean feeds are never rewritten.
type Feed struct {
	ID          string       `gorm:"primaryKey;size:36" json:"id"`
	URL         string       `gorm:"size:1000;uniqueIndex;not null" json:"url"`
	Title       string       `gorm:"size:500" json:"title"`
	Summary     string       `gorm:"type:text" json:"summary"`
	ImageURL    string       `gorm:"size:1000" json:"image_url,omitempty"`
	Image       []byte       `json:"-"`
	LastUpdated time.Time    `json:"last_updated"`
	Settings    FeedSettings `gorm:"embedded;embeddedPrefix:settings_" json:"settings"`
	CreatedAt   time.Time    `json:"created_at"`

	// Tags is ordered and loaded from feed_tags by the store.
	Tags []string `gorm:"-" json:"tags"`

	updated bool
}

// Updated reports whether the feed has unsaved changes.
func (f *Feed) Updated() bool { return f.updated }

// MarkClean resets the updated flag after a successful write.
func (f *Feed) MarkClean() { f.updated = false }

func (f *Feed) SetTitle(title string) {
	if f.Title != title {
		f.Title = title
		f.updated = true
	}
}

func (f *Feed) SetSummary(summary string) {
	if f.Summary != summary {
		f.Summary = summary
		f.updated = true
	}
}

func (f *Feed) SetImageURL(imageURL string) {
	if f.ImageURL != imageURL {
		f.ImageURL = imageURL
		f.updated = true
	}
}

func (f *Feed) SetImage(image []byte) {
	if !slices.Equal(f.Image, image) {
		f.Image = image
		f.updated = true
	}
}

// HasImage reports whether image data has been stored for the feed.
func (f *Feed) HasImage() bool { return len(f.Image) > 0 }

func (f *Feed) SetLastUpdated(t time.Time) {
	if !f.LastUpdated.Equal(t) {
		f.LastUpdated = t.UTC()
		f.updated = true
	}
}

// SetTags replaces the tag list, dropping duplicates while keeping order.
func (f *Feed) SetTags(tags []string) {
	unique := uniqueStrings(tags)
	if !slices.Equal(f.Tags, unique) {
		f.Tags = unique
		f.updated = true
	}
}

// SetMaxArticles sets the retention cap. Zero disables retention.
func (f *Feed) SetMaxArticles(n int) {
	if n < 0 {
		n = 0
	}
	if f.Settings.MaxArticles != n {
		f.Settings.MaxArticles = n
		f.updated = true
	}
}

func uniqueStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
