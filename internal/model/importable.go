package model

import "time"

// ImportableFeed is remote feed truth handed to the reconciler, either parsed
// from a feed document or decoded from the backend.
type ImportableFeed struct {
	Title       string
	URL         string
	Summary     string
	ImageURL    string
	LastUpdated time.Time
	Tags        []string
	Articles    []ImportableArticle
}

// ImportableArticle is remote article truth. Read is nil when the source does
// not track read state.
type ImportableArticle struct {
	Title      string
	URL        string
	Summary    string
	Content    string
	Identifier string
	Published  time.Time
	Updated    *time.Time
	Read       *bool
	Authors    []Author
	Categories []string
}
