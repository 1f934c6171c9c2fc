package model

import (
	"slices"
	"sort"
	"time"
)

// Article belongs to exactly one Feed. (FeedID, Link) is its natural key.
//
// The owning feed and related articles are referenced by ID and resolved
// through the store.
type Article struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	FeedID               string     `gorm:"size:36;not null;uniqueIndex:idx_article_feed_link" json:"feed_id"`
	Link                 string     `gorm:"size:1000;not null;uniqueIndex:idx_article_feed_link" json:"link"`
	Title                string     `gorm:"size:500" json:"title"`
	Summary              string     `gorm:"type:text" json:"summary"`
	Content              string     `gorm:"type:text" json:"content"`
	Published            time.Time  `gorm:"index" json:"published"`
	Revised              *time.Time `json:"updated_at,omitempty"`
	Identifier           string     `gorm:"size:255" json:"identifier,omitempty"`
	Read                 bool       `gorm:"not null;default:false" json:"read"`
	Synced               bool       `gorm:"not null;default:true;index" json:"synced"`
	EstimatedReadingTime int        `gorm:"not null;default:0" json:"estimated_reading_time"`
	CreatedAt            time.Time  `json:"created_at"`

	// Authors keeps remote order; Flags is kept sorted.
	Authors []Author `gorm:"-" json:"authors"`
	Flags   []string `gorm:"-" json:"flags"`

	updated bool
}

// Updated reports whether the article has unsaved changes.
func (a *Article) Updated() bool { return a.updated }

// MarkClean resets the updated flag after a successful write.
func (a *Article) MarkClean() { a.updated = false }

// SortDate is the date retention orders by: the revision date if present,
// the publication date otherwise.
func (a *Article) SortDate() time.Time {
	if a.Revised != nil {
		return *a.Revised
	}
	return a.Published
}

func (a *Article) SetTitle(title string) {
	if a.Title != title {
		a.Title = title
		a.updated = true
	}
}

func (a *Article) SetSummary(summary string) {
	if a.Summary != summary {
		a.Summary = summary
		a.updated = true
	}
}

func (a *Article) SetContent(content string) {
	if a.Content != content {
		a.Content = content
		a.updated = true
	}
}

func (a *Article) SetPublished(t time.Time) {
	if !a.Published.Equal(t) {
		a.Published = t.UTC()
		a.updated = true
	}
}

func (a *Article) SetRevised(t *time.Time) {
	switch {
	case a.Revised == nil && t == nil:
		return
	case a.Revised != nil && t != nil && a.Revised.Equal(*t):
		return
	}
	if t != nil {
		v := t.UTC()
		t = &v
	}
	a.Revised = t
	a.updated = true
}

func (a *Article) SetIdentifier(id string) {
	if a.Identifier != id {
		a.Identifier = id
		a.updated = true
	}
}

// SetRead changes the read state only. A local user mutation must also call
// SetSynced(false); remote-origin changes must not.
func (a *Article) SetRead(read bool) {
	if a.Read != read {
		a.Read = read
		a.updated = true
	}
}

func (a *Article) SetSynced(synced bool) {
	if a.Synced != synced {
		a.Synced = synced
		a.updated = true
	}
}

func (a *Article) SetEstimatedReadingTime(minutes int) {
	if a.EstimatedReadingTime != minutes {
		a.EstimatedReadingTime = minutes
		a.updated = true
	}
}

// SetAuthors replaces the author list. Authors are compared by identity.
func (a *Article) SetAuthors(authors []Author) {
	deduped := make([]Author, 0, len(authors))
	for _, au := range authors {
		if au.IsZero() || slices.ContainsFunc(deduped, au.Same) {
			continue
		}
		deduped = append(deduped, Author{Name: au.Name, Email: au.Email})
	}
	if len(deduped) == 0 {
		deduped = nil
	}
	if slices.EqualFunc(a.Authors, deduped, func(x, y Author) bool { return x.Same(y) }) {
		return
	}
	a.Authors = deduped
	a.updated = true
}

// AddFlags merges flags into the set.
func (a *Article) AddFlags(flags ...string) {
	merged := uniqueStrings(append(slices.Clone(a.Flags), flags...))
	sort.Strings(merged)
	if !slices.Equal(a.Flags, merged) {
		a.Flags = merged
		a.updated = true
	}
}

// RemoveFlag drops a single flag from the set.
func (a *Article) RemoveFlag(flag string) {
	idx := slices.Index(a.Flags, flag)
	if idx < 0 {
		return
	}
	a.Flags = slices.Delete(slices.Clone(a.Flags), idx, idx+1)
	if len(a.Flags) == 0 {
		a.Flags = nil
	}
	a.updated = true
}
