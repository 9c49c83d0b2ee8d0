package parser

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Entry is one article card on a listing page.
type Entry struct {
	URL string
	// Published is zero when the card carried no readable date.
	Published time.Time
}

// ParseListing returns the article cards on a listing page in page order.
// Links are resolved against pageURL.
func (p *Parser) ParseListing(pageURL string, markup []byte) ([]Entry, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parse listing url %q: %w", pageURL, err)
	}
	doc, err := newDocument(markup)
	if err != nil {
		return nil, fmt.Errorf("parse listing %s: %w", pageURL, err)
	}

	var entries []Entry
	seen := make(map[string]struct{})
	doc.Find("article.c-card").Each(func(_ int, card *goquery.Selection) {
		link := card.Find("a.c-card__link").First()
		href, ok := link.Attr("href")
		if !ok {
			return
		}
		abs, ok := resolve(base, href)
		if !ok {
			return
		}
		key := abs.String()
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}

		entry := Entry{URL: key}
		timeTag := card.Find("time").First()
		raw := strings.TrimSpace(timeTag.AttrOr("datetime", ""))
		if raw == "" {
			raw = timeTag.Text()
		}
		if published, ok := ParseDate(raw); ok {
			entry.Published = published
		}
		entries = append(entries, entry)
	})
	return entries, nil
}
