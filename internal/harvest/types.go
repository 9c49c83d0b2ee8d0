package harvest

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// PagePlaceholder is substituted with the 1-based page index in listing templates.
const PagePlaceholder = "{page}"

// PeerReviewFilename is the fixed on-disk name of the peer-review file.
const PeerReviewFilename = "Peer_Review_File.pdf"

// Journal identifies one listing source. Values come from the registry and are
// never mutated.
type Journal struct {
	Name            string `json:"name" yaml:"name" mapstructure:"name"`
	Slug            string `json:"slug" yaml:"slug" mapstructure:"slug"`
	Category        string `json:"category" yaml:"category" mapstructure:"category"`
	ListURLTemplate string `json:"list_url" yaml:"list_url" mapstructure:"list_url"`
	Sort            string `json:"sort,omitempty" yaml:"sort" mapstructure:"sort"`
}

// ListingURL renders the listing URL for the given page.
func (j Journal) ListingURL(page int) string {
	return strings.ReplaceAll(j.ListURLTemplate, PagePlaceholder, strconv.Itoa(page))
}

// Validate checks that the journal can be walked.
func (j Journal) Validate() error {
	if strings.TrimSpace(j.Name) == "" {
		return &ConfigError{Field: "journals.name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(j.Category) == "" {
		return &ConfigError{Field: "journals.category", Reason: fmt.Sprintf("missing for %q", j.Name)}
	}
	if !strings.Contains(j.ListURLTemplate, PagePlaceholder) {
		return &ConfigError{
			Field:  "journals.list_url",
			Reason: fmt.Sprintf("%q must contain %s", j.ListURLTemplate, PagePlaceholder),
		}
	}
	return nil
}

// ESMClass separates data files from other supplementary material.
type ESMClass string

// Supported ESM classes.
const (
	ESMSupplementary ESMClass = "supplementary"
	ESMData          ESMClass = "data"
)

// ResourceStatus tracks a resource through the download stage. Transitions only
// move forward from pending.
type ResourceStatus string

// Resource statuses recorded in metadata.
const (
	StatusPending    ResourceStatus = "pending"
	StatusDownloaded ResourceStatus = "downloaded"
	StatusBlocked    ResourceStatus = "blocked"
	StatusMissing    ResourceStatus = "missing"
)

// Terminal reports whether no further transition is permitted.
func (s ResourceStatus) Terminal() bool {
	return s == StatusDownloaded || s == StatusBlocked || s == StatusMissing
}

// ESMResource is one electronic supplementary material link.
type ESMResource struct {
	URL      string         `json:"url"`
	LinkText string         `json:"link_text"`
	Filename string         `json:"filename"`
	Class    ESMClass       `json:"class"`
	Status   ResourceStatus `json:"status"`
}

// Advance returns a copy of the resource moved to the given status.
func (r ESMResource) Advance(to ResourceStatus) (ESMResource, error) {
	from := r.Status
	if from == "" {
		from = StatusPending
	}
	if from.Terminal() || to == StatusPending {
		return r, fmt.Errorf("esm %s: illegal status transition %s -> %s", r.Filename, from, to)
	}
	r.Status = to
	return r, nil
}

// Article is the structured extraction of one article page.
type Article struct {
	DOI        string        `json:"doi"`
	Title      string        `json:"title"`
	Published  time.Time     `json:"published"`
	URL        string        `json:"url"`
	Journal    string        `json:"journal"`
	Category   string        `json:"category"`
	CodeLinks  []string      `json:"code_links,omitempty"`
	PDFURL     string        `json:"pdf_url,omitempty"`
	ESM        []ESMResource `json:"esm,omitempty"`
	PeerReview *ESMResource  `json:"peer_review,omitempty"`
}

// HasPeerReview reports whether a peer-review file link was found.
func (a Article) HasPeerReview() bool {
	return a.PeerReview != nil && a.PeerReview.URL != ""
}

// Slug derives the article directory name from the last URL path segment.
func (a Article) Slug() string {
	return SlugFromURL(a.URL)
}

// SlugFromURL returns the filesystem-safe last path segment of rawURL.
func SlugFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return SafeFilename(rawURL)
	}
	return SafeFilename(path.Base(strings.TrimRight(u.Path, "/")))
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

const maxFilenameLen = 180

// SafeFilename maps value onto a portable file name.
func SafeFilename(value string) string {
	cleaned := unsafeFilenameChars.ReplaceAllString(value, "_")
	cleaned = strings.Trim(cleaned, "._-")
	if cleaned == "" {
		return "unknown"
	}
	if len(cleaned) > maxFilenameLen {
		cleaned = cleaned[:maxFilenameLen]
	}
	return cleaned
}

// ResourceKind names the artifact families fetched for an approved article.
type ResourceKind string

// Resource kinds.
const (
	KindPDF           ResourceKind = "pdf"
	KindCode          ResourceKind = "code"
	KindSupplementary ResourceKind = "supplementary"
	KindPeerReview    ResourceKind = "peer-review"
)

// Outcome is the result of a single resource download.
type Outcome string

// Download outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFailed  Outcome = "failed"
)

// DownloadRecord documents one attempted resource download. Path is relative
// to the article directory.
type DownloadRecord struct {
	Kind      ResourceKind `json:"kind"`
	Path      string       `json:"path"`
	SourceURL string       `json:"source_url"`
	Outcome   Outcome      `json:"outcome"`
	Bytes     int64        `json:"bytes"`
	SHA256    string       `json:"sha256,omitempty"`
	Pages     int          `json:"pages,omitempty"`
	Error     string       `json:"error,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// ManualItem flags a resource that must be fetched by hand.
type ManualItem struct {
	Kind   ResourceKind `json:"kind"`
	URL    string       `json:"url"`
	Reason string       `json:"reason"`
}

// Decision is the persisted form of a screening outcome.
type Decision struct {
	Passed  bool     `json:"passed"`
	Reasons []string `json:"reasons,omitempty"`
	Manual  bool     `json:"manual_supplementation"`
}

// Report is the unit persisted as metadata.json for every screened-in article.
type Report struct {
	RunID            string           `json:"run_id"`
	DOI              string           `json:"doi"`
	Title            string           `json:"title"`
	Journal          string           `json:"journal"`
	Category         string           `json:"category"`
	Slug             string           `json:"slug"`
	URL              string           `json:"url"`
	Published        time.Time        `json:"published"`
	Screening        Decision         `json:"screening"`
	CodeRepo         string           `json:"code_repo,omitempty"`
	CodeArchiveURL   string           `json:"code_archive_url,omitempty"`
	CodeStatus       ResourceStatus   `json:"code_status"`
	PDFURL           string           `json:"pdf_url,omitempty"`
	PDFStatus        ResourceStatus   `json:"pdf_status"`
	PeerReviewURL    string           `json:"peer_review_url,omitempty"`
	PeerReviewStatus ResourceStatus   `json:"peer_review_status"`
	ESM              []ESMResource    `json:"esm,omitempty"`
	Downloads        []DownloadRecord `json:"downloads,omitempty"`
	ManualRequired   []ManualItem     `json:"manual_required,omitempty"`
	DryRun           bool             `json:"dry_run"`
	SavedAt          time.Time        `json:"saved_at"`
}

// Has reports whether a download of the given kind succeeded.
func (r Report) Has(kind ResourceKind) bool {
	for _, rec := range r.Downloads {
		if rec.Kind == kind && rec.Outcome == OutcomeSuccess {
			return true
		}
	}
	return false
}

// Page is a fetched listing or article document.
type Page struct {
	URL        string
	StatusCode int
	Body       []byte
}
