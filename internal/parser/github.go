package parser

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var githubURLPattern = regexp.MustCompile(`https?://(?:www\.)?github\.com/[\w.-]+/[\w.-]+(?:/[^\s<>()"']*)?`)

// GitHub paths that are site pages rather than repositories.
var reservedOwners = map[string]struct{}{
	"about": {}, "features": {}, "sponsors": {}, "login": {}, "orgs": {},
	"settings": {}, "marketplace": {}, "topics": {}, "collections": {},
}

// codeSection returns the container of the "Code availability" heading, or
// nil when the page has none.
func codeSection(doc *goquery.Document) *goquery.Selection {
	var section *goquery.Selection
	doc.Find("h2, h3, h4").EachWithBreak(func(_ int, h *goquery.Selection) bool {
		if strings.Contains(strings.ToLower(normalizeText(h.Text())), "code availability") {
			section = h.Parent()
			return false
		}
		return true
	})
	return section
}

// extractCodeLinks returns GitHub links in discovery order, one per
// repository. The code-availability section is searched first; the whole page
// only when that section is absent.
func extractCodeLinks(doc *goquery.Document, base *url.URL) []string {
	scope := codeSection(doc)
	if scope == nil {
		scope = doc.Selection
	}

	var candidates []string
	scope.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := a.AttrOr("href", "")
		if !strings.Contains(strings.ToLower(href), "github.com") {
			return
		}
		if abs, ok := resolve(base, href); ok {
			candidates = append(candidates, abs.String())
		}
	})
	candidates = append(candidates, githubURLPattern.FindAllString(scope.Text(), -1)...)

	var links []string
	seen := make(map[string]struct{})
	for _, link := range candidates {
		link = strings.TrimRight(link, ".,;:!?")
		repo, ok := NormalizeGitHubRepo(link)
		if !ok {
			continue
		}
		if _, dup := seen[repo]; dup {
			continue
		}
		seen[repo] = struct{}{}
		links = append(links, link)
	}
	return links
}

// NormalizeGitHubRepo reduces a GitHub URL to https://github.com/<owner>/<repo>.
func NormalizeGitHubRepo(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host != "github.com" && host != "www.github.com" {
		return "", false
	}
	var parts []string
	for _, part := range strings.Split(u.Path, "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) < 2 {
		return "", false
	}
	owner := parts[0]
	if _, reserved := reservedOwners[strings.ToLower(owner)]; reserved {
		return "", false
	}
	repo := strings.TrimSuffix(parts[1], ".git")
	if repo == "" {
		return "", false
	}
	return "https://github.com/" + owner + "/" + repo, true
}
