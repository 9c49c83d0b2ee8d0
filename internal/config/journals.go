package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

const listingTemplate = "https://www.nature.com/%s/research-articles?searchType=journalSearch&sort=PubDate&page={page}"

// DefaultJournals is the built-in registry, in crawl order.
func DefaultJournals() []harvest.Journal {
	return []harvest.Journal{
		{
			Name:            "Nature Human Behaviour",
			Slug:            "nathumbehav",
			Category:        "social_sci",
			ListURLTemplate: fmt.Sprintf(listingTemplate, "nathumbehav"),
			Sort:            "PubDate",
		},
		{
			Name:            "Palgrave Communications",
			Slug:            "palcomms",
			Category:        "natural_sci",
			ListURLTemplate: fmt.Sprintf(listingTemplate, "palcomms"),
			Sort:            "PubDate",
		},
	}
}

type registryFile struct {
	Journals []harvest.Journal `yaml:"journals"`
	// Replace drops the built-in journals instead of merging over them.
	Replace bool `yaml:"replace"`
}

// LoadJournals returns the built-in registry merged with the YAML file at
// path. File entries override defaults with the same slug field by field and
// append new journals in file order. An empty path yields the defaults.
func LoadJournals(path string) ([]harvest.Journal, error) {
	journals := DefaultJournals()
	if strings.TrimSpace(path) == "" {
		return journals, nil
	}
	// #nosec G304 -- the registry path is operator supplied.
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &harvest.ConfigError{Field: "journals_file", Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	var file registryFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, &harvest.ConfigError{Field: "journals_file", Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if file.Replace {
		journals = nil
	}
	return mergeJournals(journals, file.Journals), nil
}

func mergeJournals(base, overrides []harvest.Journal) []harvest.Journal {
	out := append([]harvest.Journal(nil), base...)
	index := make(map[string]int, len(out))
	for i, j := range out {
		index[j.Slug] = i
	}
	for _, o := range overrides {
		i, ok := index[o.Slug]
		if !ok || o.Slug == "" {
			if o.Sort == "" {
				o.Sort = "PubDate"
			}
			index[o.Slug] = len(out)
			out = append(out, o)
			continue
		}
		merged := out[i]
		if o.Name != "" {
			merged.Name = o.Name
		}
		if o.Category != "" {
			merged.Category = o.Category
		}
		if o.ListURLTemplate != "" {
			merged.ListURLTemplate = o.ListURLTemplate
		}
		if o.Sort != "" {
			merged.Sort = o.Sort
		}
		out[i] = merged
	}
	return out
}

func validateJournals(journals []harvest.Journal) error {
	if len(journals) == 0 {
		return &harvest.ConfigError{Field: "journals", Reason: "registry is empty"}
	}
	seen := make(map[string]struct{}, len(journals))
	for _, j := range journals {
		if strings.TrimSpace(j.Slug) == "" {
			return &harvest.ConfigError{Field: "journals.slug", Reason: fmt.Sprintf("missing for %q", j.Name)}
		}
		if _, dup := seen[j.Slug]; dup {
			return &harvest.ConfigError{Field: "journals.slug", Reason: fmt.Sprintf("duplicate slug %q", j.Slug)}
		}
		seen[j.Slug] = struct{}{}
		if err := j.Validate(); err != nil {
			return err
		}
	}
	return nil
}
