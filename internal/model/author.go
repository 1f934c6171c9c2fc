package model

// Author is identified by its (Name, Email) pair; the store keeps at most one
// row per pair.
type Author struct {
	ID    uint   `gorm:"primaryKey" json:"-"`
	Name  string `gorm:"size:255;not null;uniqueIndex:idx_author_identity" json:"name"`
	Email string `gorm:"size:255;not null;uniqueIndex:idx_author_identity" json:"email,omitempty"`
}

func (a Author) Same(other Author) bool {
	return a.Name == other.Name && a.Email == other.Email
}

func (a Author) IsZero() bool {
	return a.Name == "" && a.Email == ""
}

// InternedString is the single stored record for a tag or flag value.
type InternedString struct {
	ID    uint   `gorm:"primaryKey"`
	Value string `gorm:"size:255;uniqueIndex;not null"`
}

// FeedTag orders a feed's tags.
type FeedTag struct {
	FeedID   string `gorm:"primaryKey;size:36"`
	StringID uint   `gorm:"primaryKey"`
	Position int
}

type ArticleAuthor struct {
	ArticleID string `gorm:"primaryKey;size:36"`
	AuthorID  uint   `gorm:"primaryKey"`
	Position  int
}

type ArticleFlag struct {
	ArticleID string `gorm:"primaryKey;size:36"`
	StringID  uint   `gorm:"primaryKey"`
}

// RelatedArticle is one direction of a symmetric relation; the store always
// writes both directions.
type RelatedArticle struct {
	ArticleID string `gorm:"primaryKey;size:36"`
	RelatedID string `gorm:"primaryKey;size:36"`
}

// TrimmedArticle remembers a link that retention removed from a feed, so
// later imports of the same feed do not create it again.
type TrimmedArticle struct {
	FeedID string `gorm:"primaryKey;size:36"`
	Link   string `gorm:"primaryKey;size:1000"`
}
