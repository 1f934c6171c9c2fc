package model

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const wordsPerMinute = 200

// EstimateReadingTime returns whole minutes needed to read the text of an
// HTML fragment, rounded up.
func EstimateReadingTime(html string) int {
	if strings.TrimSpace(html) == "" {
		return 0
	}
	text := html
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		text = doc.Text()
	}
	words := len(strings.Fields(text))
	if words == 0 {
		return 0
	}
	return (words + wordsPerMinute - 1) / wordsPerMinute
}
