package parser

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

var peerReviewPattern = regexp.MustCompile(`(?i)peer[\s_-]*review`)

var dataPattern = regexp.MustCompile(`(?i)\bdata\b`)

// extractResources returns the ESM links on the page and, separately, the
// first peer-review file link.
func (p *Parser) extractResources(doc *goquery.Document, base *url.URL) ([]harvest.ESMResource, *harvest.ESMResource) {
	var (
		esm        []harvest.ESMResource
		peerReview *harvest.ESMResource
	)
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		abs, ok := resolve(base, a.AttrOr("href", ""))
		if !ok || path.Ext(abs.Path) == "" {
			return
		}
		full := abs.String()
		if _, dup := seen[full]; dup {
			return
		}
		text := normalizeText(a.Text())
		decodedPath, err := url.PathUnescape(abs.EscapedPath())
		if err != nil {
			decodedPath = abs.Path
		}
		isPeerReview := peerReviewPattern.MatchString(text) || peerReviewPattern.MatchString(decodedPath)

		switch {
		case isPeerReview && (p.isESMHost(abs) || peerReviewPattern.MatchString(decodedPath)):
			seen[full] = struct{}{}
			if peerReview == nil {
				peerReview = &harvest.ESMResource{
					URL:      full,
					LinkText: text,
					Filename: harvest.PeerReviewFilename,
					Class:    harvest.ESMSupplementary,
					Status:   harvest.StatusPending,
				}
			}
		case p.isESMHost(abs) && text != "":
			seen[full] = struct{}{}
			esm = append(esm, harvest.ESMResource{
				URL:      full,
				LinkText: text,
				Filename: filenameFromLinkText(text, abs),
				Class:    classify(text),
				Status:   harvest.StatusPending,
			})
		}
	})

	used := map[string]struct{}{harvest.PeerReviewFilename: {}}
	for i := range esm {
		esm[i].Filename = disambiguate(esm[i].Filename, used)
	}
	return esm, peerReview
}

func classify(linkText string) harvest.ESMClass {
	if dataPattern.MatchString(linkText) {
		return harvest.ESMData
	}
	return harvest.ESMSupplementary
}

// filenameFromLinkText derives a file name from the anchor text, keeping the
// link's extension (".pdf" when it has none).
func filenameFromLinkText(text string, u *url.URL) string {
	cleaned := normalizeText(text)
	if cleaned == "" {
		cleaned = path.Base(u.Path)
	}
	base := harvest.SafeFilename(strings.ReplaceAll(cleaned, " ", "_"))
	ext := path.Ext(u.Path)
	switch {
	case ext != "" && !strings.HasSuffix(strings.ToLower(base), strings.ToLower(ext)):
		base += ext
	case path.Ext(base) == "":
		base += ".pdf"
	}
	return base
}

func disambiguate(name string, used map[string]struct{}) string {
	if _, taken := used[name]; !taken {
		used[name] = struct{}{}
		return name
	}
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for n := 2; ; n++ {
		candidate := stem + "_" + strconv.Itoa(n) + ext
		if _, taken := used[candidate]; !taken {
			used[candidate] = struct{}{}
			return candidate
		}
	}
}
