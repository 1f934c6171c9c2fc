// Package feedsource turns feed documents and backend payloads into the
// importable descriptors the reconciler consumes.
package feedsource

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedsync/internal/backend"
	"feedsync/internal/model"
)

// Parse decodes an RSS, Atom or JSON feed document fetched from feedURL.
func Parse(feedURL string, body []byte) (*model.ImportableFeed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", feedURL, err)
	}
	return FromGofeed(feedURL, parsed), nil
}

// FromGofeed maps a parsed feed. The subscription URL is kept rather than the
// document's self link so the feed is found again on the next update.
func FromGofeed(feedURL string, f *gofeed.Feed) *model.ImportableFeed {
	out := &model.ImportableFeed{
		Title:   strings.TrimSpace(f.Title),
		URL:     feedURL,
		Summary: f.Description,
		Tags:    f.Categories,
	}
	if f.Image != nil && isHTTP(f.Image.URL) {
		out.ImageURL = f.Image.URL
	}

	for _, item := range f.Items {
		out.Articles = append(out.Articles, fromItem(item))
	}
	out.LastUpdated = feedDate(f, out.Articles)
	return out
}

func fromItem(item *gofeed.Item) model.ImportableArticle {
	a := model.ImportableArticle{
		Title:      strings.TrimSpace(item.Title),
		URL:        itemLink(item),
		Summary:    item.Description,
		Content:    item.Content,
		Identifier: item.GUID,
		Categories: item.Categories,
	}
	if a.Content == "" {
		a.Content = item.Description
	}
	switch {
	case item.PublishedParsed != nil:
		a.Published = *item.PublishedParsed
	case item.UpdatedParsed != nil:
		a.Published = *item.UpdatedParsed
	}
	if item.UpdatedParsed != nil && item.PublishedParsed != nil && !item.UpdatedParsed.Equal(*item.PublishedParsed) {
		updated := *item.UpdatedParsed
		a.Updated = &updated
	}

	people := item.Authors
	if len(people) == 0 && item.Author != nil {
		people = []*gofeed.Person{item.Author}
	}
	for _, p := range people {
		if p == nil || (p.Name == "" && p.Email == "") {
			continue
		}
		a.Authors = append(a.Authors, model.Author{Name: strings.TrimSpace(p.Name), Email: strings.TrimSpace(p.Email)})
	}
	return a
}

// itemLink prefers the item's link, then its alternates, then a GUID that
// is itself a URL.
func itemLink(item *gofeed.Item) string {
	if isHTTP(item.Link) {
		return item.Link
	}
	for _, l := range item.Links {
		if isHTTP(l) {
			return l
		}
	}
	if isHTTP(item.GUID) {
		return item.GUID
	}
	return ""
}

func feedDate(f *gofeed.Feed, articles []model.ImportableArticle) time.Time {
	switch {
	case f.UpdatedParsed != nil:
		return *f.UpdatedParsed
	case f.PublishedParsed != nil:
		return *f.PublishedParsed
	}
	var latest time.Time
	for _, a := range articles {
		if a.Published.After(latest) {
			latest = a.Published
		}
	}
	return latest
}

func isHTTP(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// FromRemote maps a backend feed payload.
func FromRemote(r backend.RemoteFeed) *model.ImportableFeed {
	out := &model.ImportableFeed{
		Title:       r.Title,
		URL:         r.URL,
		Summary:     r.Summary,
		ImageURL:    r.ImageURL,
		LastUpdated: r.LastUpdated,
		Tags:        r.Tags,
	}
	for _, ra := range r.Articles {
		a := model.ImportableArticle{
			Title:      ra.Title,
			URL:        ra.URL,
			Summary:    ra.Summary,
			Content:    ra.Content,
			Identifier: ra.Identifier,
			Published:  ra.Published,
			Updated:    ra.Updated,
			Read:       ra.Read,
			Categories: ra.Categories,
		}
		for _, au := range ra.Authors {
			a.Authors = append(a.Authors, model.Author{Name: au.Name, Email: au.Email})
		}
		out.Articles = append(out.Articles, a)
	}
	return out
}
