package parser

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

var downloadPDFPattern = regexp.MustCompile(`(?i)download\s+pdf`)

// ParseArticle extracts the structured record of one article page. It fails
// with a *harvest.ParseError when the DOI or title cannot be recovered.
func (p *Parser) ParseArticle(journal harvest.Journal, pageURL string, markup []byte) (harvest.Article, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return harvest.Article{}, fmt.Errorf("parse article url %q: %w", pageURL, err)
	}
	doc, err := newDocument(markup)
	if err != nil {
		return harvest.Article{}, &harvest.ParseError{URL: pageURL, Field: "document"}
	}

	linked := linkedArticle(doc)

	doi := identifierDOI(linked)
	if doi == "" {
		doi = NormalizeDOI(metaContent(doc, "citation_doi", "dc.identifier", "prism.doi"))
	}
	if doi == "" {
		return harvest.Article{}, &harvest.ParseError{URL: pageURL, Field: "doi"}
	}

	title := normalizeText(metaContent(doc, "dc.title", "citation_title", "og:title"))
	if title == "" {
		title = normalizeText(doc.Find("h1").First().Text())
	}
	if title == "" {
		return harvest.Article{}, &harvest.ParseError{URL: pageURL, Field: "title"}
	}

	article := harvest.Article{
		DOI:       doi,
		Title:     title,
		URL:       pageURL,
		Journal:   journal.Name,
		Category:  journal.Category,
		CodeLinks: extractCodeLinks(doc, base),
	}
	article.Published = publicationDate(doc, linked)
	article.ESM, article.PeerReview = p.extractResources(doc, base)
	article.PDFURL = p.pdfURL(doc, base)
	return article, nil
}

func publicationDate(doc *goquery.Document, linked map[string]any) time.Time {
	candidates := []string{stringField(linked, "datePublished")}
	for _, name := range []string{
		"citation_online_date",
		"citation_publication_date",
		"dc.date",
		"prism.publicationDate",
	} {
		candidates = append(candidates, metaContent(doc, name))
	}
	for _, raw := range candidates {
		if t, ok := ParseDate(raw); ok {
			return t
		}
	}
	return time.Time{}
}

func (p *Parser) pdfURL(doc *goquery.Document, base *url.URL) string {
	if meta := metaContent(doc, "citation_pdf_url"); meta != "" {
		if abs, ok := resolve(base, meta); ok {
			return abs.String()
		}
	}
	var found string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		abs, ok := resolve(base, a.AttrOr("href", ""))
		if !ok || p.isESMHost(abs) {
			return true
		}
		lowerPath := strings.ToLower(abs.Path)
		if peerReviewPattern.MatchString(lowerPath) {
			return true
		}
		if downloadPDFPattern.MatchString(normalizeText(a.Text())) ||
			(path.Ext(lowerPath) == ".pdf" && !strings.Contains(lowerPath, "supplementary")) {
			found = abs.String()
			return false
		}
		return true
	})
	return found
}
