// Package backend talks to the feed aggregation service: batched feed
// fetches, read-state pushes and the account credential lifecycle.
package backend

import (
	"context"
	"time"
)

//go:generate mockgen -source=types.go -destination=../mocks/backend_mock.go -package=mocks Repository

// Repository is the aggregation service as seen by the update and sync code.
type Repository interface {
	// Fetch returns the changes of every requested feed since its date.
	Fetch(ctx context.Context, feeds []FeedRequest) ([]RemoteFeed, error)
	// MarkRead pushes the desired read state of articles, keyed by link.
	MarkRead(ctx context.Context, states map[string]bool) error
}

type FeedRequest struct {
	URL   string     `json:"url"`
	Since *time.Time `json:"since,omitempty"`
}

type RemoteAuthor struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type RemoteArticle struct {
	Title      string         `json:"title"`
	URL        string         `json:"url"`
	Summary    string         `json:"summary,omitempty"`
	Content    string         `json:"content,omitempty"`
	Identifier string         `json:"id,omitempty"`
	Published  time.Time      `json:"published"`
	Updated    *time.Time     `json:"updated,omitempty"`
	Read       *bool          `json:"read,omitempty"`
	Authors    []RemoteAuthor `json:"authors,omitempty"`
	Categories []string       `json:"categories,omitempty"`
}

type RemoteFeed struct {
	URL         string          `json:"url"`
	Title       string          `json:"title"`
	Summary     string          `json:"summary,omitempty"`
	ImageURL    string          `json:"image_url,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
	Tags        []string        `json:"tags,omitempty"`
	Articles    []RemoteArticle `json:"articles"`
}
