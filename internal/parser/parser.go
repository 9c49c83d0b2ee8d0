// Package parser turns listing and article HTML into harvest values. Every
// function here is pure: no network, no clock.
package parser

import (
	"bytes"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
)

// DefaultESMHosts lists the hosts serving electronic supplementary material.
var DefaultESMHosts = []string{"static-content.springer.com"}

// Parser extracts listing entries and article metadata.
type Parser struct {
	esmHosts map[string]struct{}
}

// New builds a Parser recognizing ESM links on the given hosts. An empty list
// falls back to DefaultESMHosts.
func New(esmHosts []string) *Parser {
	if len(esmHosts) == 0 {
		esmHosts = DefaultESMHosts
	}
	hosts := make(map[string]struct{}, len(esmHosts))
	for _, h := range esmHosts {
		hosts[strings.ToLower(strings.TrimSpace(h))] = struct{}{}
	}
	return &Parser{esmHosts: hosts}
}

func (p *Parser) isESMHost(u *url.URL) bool {
	_, ok := p.esmHosts[strings.ToLower(u.Hostname())]
	return ok
}

func newDocument(markup []byte) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(bytes.NewReader(markup))
}

var whitespace = regexp.MustCompile(`\s+`)

func normalizeText(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}

// metaContent returns the first non-empty content among meta tags matching
// any of names by name or property.
func metaContent(doc *goquery.Document, names ...string) string {
	for _, name := range names {
		var found string
		doc.Find("meta").EachWithBreak(func(_ int, s *goquery.Selection) bool {
			key, ok := s.Attr("name")
			if !ok {
				key, _ = s.Attr("property")
			}
			if !strings.EqualFold(key, name) {
				return true
			}
			if content := strings.TrimSpace(s.AttrOr("content", "")); content != "" {
				found = content
				return false
			}
			return true
		})
		if found != "" {
			return found
		}
	}
	return ""
}

// ParseDate reads a date in any of the common listing and metadata formats
// and returns the UTC calendar day.
func ParseDate(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(value, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
}

func resolve(base *url.URL, href string) (*url.URL, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return nil, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return nil, false
	}
	var abs *url.URL
	if base != nil {
		abs = base.ResolveReference(ref)
	} else {
		abs = ref
	}
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return nil, false
	}
	abs.Fragment = ""
	return abs, true
}
