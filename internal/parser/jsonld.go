package parser

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var articleTypes = map[string]struct{}{
	"scholarlyarticle": {},
	"article":          {},
}

// linkedArticle finds the first ScholarlyArticle or Article node among the
// page's application/ld+json blocks, looking through arrays, mainEntity, and
// @graph containers.
func linkedArticle(doc *goquery.Document) map[string]any {
	var found map[string]any
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var data any
		if err := json.Unmarshal([]byte(s.Text()), &data); err != nil {
			return true
		}
		found = findArticleNode(data, 0)
		return found == nil
	})
	return found
}

func findArticleNode(node any, depth int) map[string]any {
	if depth > 4 {
		return nil
	}
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			if hit := findArticleNode(item, depth+1); hit != nil {
				return hit
			}
		}
	case map[string]any:
		if isArticleType(v["@type"]) {
			return v
		}
		for _, key := range []string{"mainEntity", "@graph"} {
			if child, ok := v[key]; ok {
				if hit := findArticleNode(child, depth+1); hit != nil {
					return hit
				}
			}
		}
	}
	return nil
}

func isArticleType(t any) bool {
	switch v := t.(type) {
	case string:
		_, ok := articleTypes[strings.ToLower(v)]
		return ok
	case []any:
		for _, item := range v {
			if isArticleType(item) {
				return true
			}
		}
	}
	return false
}

func stringField(node map[string]any, key string) string {
	if node == nil {
		return ""
	}
	if s, ok := node[key].(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}

// identifierDOI reads a DOI from a linked-data identifier given as a string,
// a PropertyValue object, or a list of either.
func identifierDOI(node map[string]any) string {
	if node == nil {
		return ""
	}
	return doiFromValue(node["identifier"], 0)
}

func doiFromValue(v any, depth int) string {
	if depth > 3 {
		return ""
	}
	switch val := v.(type) {
	case string:
		return NormalizeDOI(val)
	case map[string]any:
		name, _ := val["name"].(string)
		propertyID, _ := val["propertyID"].(string)
		raw, _ := val["value"].(string)
		doi := NormalizeDOI(raw)
		if doi == "" {
			return ""
		}
		if strings.EqualFold(name, "doi") || strings.EqualFold(propertyID, "doi") || strings.HasPrefix(doi, "10.") {
			return doi
		}
	case []any:
		for _, item := range val {
			if doi := doiFromValue(item, depth+1); doi != "" {
				return doi
			}
		}
	}
	return ""
}

// NormalizeDOI strips resolver and scheme prefixes from a DOI.
func NormalizeDOI(raw string) string {
	doi := strings.TrimSpace(raw)
	lower := strings.ToLower(doi)
	for _, prefix := range []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
		"doi:",
	} {
		if strings.HasPrefix(lower, prefix) {
			doi = strings.TrimSpace(doi[len(prefix):])
			break
		}
	}
	return doi
}
