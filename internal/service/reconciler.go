package service

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"feedsync/internal/model"
	"feedsync/internal/store"
)

// ErrMissingFeedURL is returned by Import for a descriptor without a URL.
var ErrMissingFeedURL = errors.New("importable feed has no url")

// ImportResult summarizes one reconciled feed.
type ImportResult struct {
	Feed     *model.Feed
	Articles []*model.Article
	Created  int
	Changed  int
	Skipped  int
}

// Reconciler merges remote feed truth into the store. Importing identical
// data twice writes nothing the second time.
type Reconciler struct {
	now    func() time.Time
	logger *slog.Logger
}

func NewReconciler(logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{now: time.Now, logger: logger.With("component", "reconciler")}
}

// Import upserts remote and its articles inside tx.
func (r *Reconciler) Import(tx *store.Tx, remote *model.ImportableFeed) (*ImportResult, error) {
	if remote.URL == "" {
		return nil, ErrMissingFeedURL
	}
	feed, err := tx.FindOrCreateFeed(remote.URL)
	if err != nil {
		return nil, err
	}

	if remote.Title != "" {
		feed.SetTitle(remote.Title)
	}
	feed.SetSummary(remote.Summary)
	feed.SetTags(remote.Tags)
	if remote.ImageURL != "" {
		feed.SetImageURL(remote.ImageURL)
	}
	if !remote.LastUpdated.IsZero() {
		feed.SetLastUpdated(remote.LastUpdated)
	}

	res := &ImportResult{Feed: feed}
	byID := make(map[string]*model.Article)
	var contentChanged []*model.Article
	for i := range remote.Articles {
		in := &remote.Articles[i]
		if in.URL == "" {
			res.Skipped++
			r.logger.Debug("skipping article without url", "feed_url", remote.URL, "title", in.Title)
			continue
		}

		article, created, err := r.findOrCreate(tx, feed, in.URL, byID, res)
		if err != nil {
			return nil, err
		}
		if article == nil {
			res.Skipped++
			continue
		}
		if created {
			res.Created++
		}
		if r.merge(article, in, created) {
			contentChanged = append(contentChanged, article)
		}
	}

	for _, a := range res.Articles {
		if a.Updated() {
			res.Changed++
		}
	}
	if err := tx.BatchSave([]*model.Feed{feed}, res.Articles); err != nil {
		return nil, err
	}

	for _, a := range contentChanged {
		if err := r.relate(tx, a); err != nil {
			return nil, err
		}
		tx.Reindex(a)
	}
	return res, nil
}

// findOrCreate resolves link to the article already handled in this import,
// a stored one, or a new one. It returns a nil article for a link retention
// already trimmed from the feed.
func (r *Reconciler) findOrCreate(tx *store.Tx, feed *model.Feed, link string, seen map[string]*model.Article, res *ImportResult) (*model.Article, bool, error) {
	existing, err := tx.FindArticle(feed, link)
	if err != nil {
		return nil, false, err
	}
	created := existing == nil
	if existing != nil {
		if prior, ok := seen[existing.ID]; ok {
			return prior, false, nil
		}
	} else {
		trimmed, err := tx.WasTrimmed(feed, link)
		if err != nil || trimmed {
			return nil, false, err
		}
		if existing, err = tx.FindOrCreateArticle(feed, link); err != nil {
			return nil, false, err
		}
	}
	seen[existing.ID] = existing
	res.Articles = append(res.Articles, existing)
	return existing, created, nil
}

// merge applies remote fields through the setters and reports whether the
// article's text changed.
func (r *Reconciler) merge(a *model.Article, in *model.ImportableArticle, created bool) bool {
	before := a.Content + "\x00" + a.Summary

	a.SetTitle(in.Title)
	a.SetSummary(in.Summary)
	a.SetContent(in.Content)
	a.SetIdentifier(in.Identifier)
	switch {
	case !in.Published.IsZero():
		a.SetPublished(in.Published)
	case created:
		a.SetPublished(r.now())
	}
	a.SetRevised(in.Updated)
	a.SetAuthors(in.Authors)
	a.AddFlags(in.Categories...)

	// A pending local read change wins over the remote value.
	if in.Read != nil && a.Synced {
		a.SetRead(*in.Read)
	}

	changed := created || before != a.Content+"\x00"+a.Summary
	if changed {
		text := a.Content
		if strings.TrimSpace(text) == "" {
			text = a.Summary
		}
		a.SetEstimatedReadingTime(model.EstimateReadingTime(text))
	}
	return changed
}

// relate links a with every stored article its content points at.
func (r *Reconciler) relate(tx *store.Tx, a *model.Article) error {
	links := outboundLinks(a.Link, a.Content)
	if len(links) == 0 {
		return nil
	}
	targets, err := tx.ArticlesWithLinks(links)
	if err != nil {
		return err
	}
	for i := range targets {
		if targets[i].ID == a.ID {
			continue
		}
		if err := tx.Relate(a, &targets[i]); err != nil {
			return err
		}
	}
	return nil
}

func outboundLinks(base, content string) []string {
	if !strings.Contains(content, "<a") {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil
	}
	baseURL, _ := url.Parse(base)

	seen := make(map[string]struct{})
	var out []string
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return
		}
		if baseURL != nil {
			u = baseURL.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return
		}
		u.Fragment = ""
		link := u.String()
		if _, ok := seen[link]; ok || link == base {
			return
		}
		seen[link] = struct{}{}
		out = append(out, link)
	})
	return out
}
