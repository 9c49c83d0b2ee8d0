// Package screening decides whether a parsed article qualifies for download.
package screening

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

// ErrNotApproved is returned when a failed result is asked for an Approval.
var ErrNotApproved = errors.New("article did not pass screening")

// Rejection reasons that do not embed values.
const (
	ReasonMissingDate       = "missing publication date"
	ReasonNoCodeLink        = "no code link"
	ReasonNoPeerReview      = "no peer review file"
	ReasonRobotsDisallowed  = "robots_disallowed"
	reasonUnparseablePrefix = "unparseable code reference "
	reasonDatePrefix        = "publication date "
)

// Config holds the inclusive publication-year window.
type Config struct {
	StartYear int
	EndYear   int
}

// Engine evaluates the screening predicates. It never downloads anything;
// robots allowance is the only outside state it consults.
type Engine struct {
	cfg    Config
	robots harvest.RobotsPolicy
	logger *zap.Logger
}

// New creates an Engine.
func New(cfg Config, robots harvest.RobotsPolicy, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, robots: robots, logger: logger.Named("screening")}
}

// Screen evaluates, in order, the year window, the presence of a GitHub link,
// and the presence of a peer-review file. When all hold it resolves the code
// archive and takes one robots snapshot per resource it will later fetch.
func (e *Engine) Screen(ctx context.Context, article harvest.Article) Result {
	res := Result{article: article, allowance: make(map[harvest.ResourceKind]bool)}

	switch {
	case article.Published.IsZero():
		res.reasons = append(res.reasons, ReasonMissingDate)
	case article.Published.Year() < e.cfg.StartYear || article.Published.Year() > e.cfg.EndYear:
		res.reasons = append(res.reasons, fmt.Sprintf(reasonDatePrefix+"%s outside %d-%d",
			article.Published.Format("2006-01-02"), e.cfg.StartYear, e.cfg.EndYear))
	}
	if len(article.CodeLinks) == 0 {
		res.reasons = append(res.reasons, ReasonNoCodeLink)
	}
	if !article.HasPeerReview() {
		res.reasons = append(res.reasons, ReasonNoPeerReview)
	}
	if len(res.reasons) > 0 {
		e.finish(&res)
		return res
	}

	ref, ok := firstCodeRef(article.CodeLinks)
	if !ok {
		res.reasons = append(res.reasons, reasonUnparseablePrefix+article.CodeLinks[0])
		e.finish(&res)
		return res
	}
	res.passed = true
	res.code = ref

	targets := []struct {
		kind harvest.ResourceKind
		url  string
	}{
		{harvest.KindPDF, article.PDFURL},
		{harvest.KindCode, ref.ArchiveURL()},
		{harvest.KindPeerReview, article.PeerReview.URL},
	}
	for _, target := range targets {
		if target.url == "" {
			continue
		}
		allowed := e.robots == nil || e.robots.Allowed(ctx, target.url)
		res.allowance[target.kind] = allowed
		if !allowed {
			res.manual = append(res.manual, harvest.ManualItem{
				Kind:   target.kind,
				URL:    target.url,
				Reason: ReasonRobotsDisallowed,
			})
		}
	}
	e.finish(&res)
	return res
}

func (e *Engine) finish(res *Result) {
	e.logger.Debug("article screened",
		zap.String("url", res.article.URL),
		zap.String("doi", res.article.DOI),
		zap.Bool("passed", res.passed),
		zap.Strings("reasons", res.reasons),
		zap.Int("manual", len(res.manual)),
	)
}

// ReasonKey drops the values embedded in a rejection reason so reasons can
// be tallied across articles.
func ReasonKey(reason string) string {
	switch {
	case strings.HasPrefix(reason, reasonDatePrefix):
		return "publication date out of range"
	case strings.HasPrefix(reason, reasonUnparseablePrefix):
		return strings.TrimSpace(reasonUnparseablePrefix)
	default:
		return reason
	}
}

func firstCodeRef(links []string) (CodeRef, bool) {
	for _, link := range links {
		if ref, err := ParseCodeRef(link); err == nil {
			return ref, true
		}
	}
	return CodeRef{}, false
}

// Result is the immutable outcome of screening one article.
type Result struct {
	article   harvest.Article
	passed    bool
	reasons   []string
	code      CodeRef
	allowance map[harvest.ResourceKind]bool
	manual    []harvest.ManualItem
}

// Article returns the screened article.
func (r Result) Article() harvest.Article { return r.article }

// Passed reports whether every predicate held.
func (r Result) Passed() bool { return r.passed }

// Reasons lists one entry per failed predicate, in predicate order.
func (r Result) Reasons() []string { return slices.Clone(r.reasons) }

// Code returns the resolved repository reference. Zero unless passed.
func (r Result) Code() CodeRef { return r.code }

// CodeRepo is the normalized repository URL, empty unless passed.
func (r Result) CodeRepo() string {
	if !r.passed {
		return ""
	}
	return r.code.RepoURL()
}

// CodeArchiveURL is the zip URL, empty unless passed.
func (r Result) CodeArchiveURL() string {
	if !r.passed {
		return ""
	}
	return r.code.ArchiveURL()
}

// Allowed reports the robots snapshot for a resource kind. Kinds that were
// not checked report false.
func (r Result) Allowed(kind harvest.ResourceKind) bool {
	return r.allowance[kind]
}

// ManualSupplementation reports whether any resource was denied by robots.
func (r Result) ManualSupplementation() bool { return len(r.manual) > 0 }

// ManualItems lists the resources that need fetching by hand.
func (r Result) ManualItems() []harvest.ManualItem { return slices.Clone(r.manual) }

// ManualResources lists the kinds denied by robots, in check order.
func (r Result) ManualResources() []harvest.ResourceKind {
	kinds := make([]harvest.ResourceKind, 0, len(r.manual))
	for _, item := range r.manual {
		kinds = append(kinds, item.Kind)
	}
	return kinds
}

// Decision is the persisted form of the result.
func (r Result) Decision() harvest.Decision {
	return harvest.Decision{
		Passed:  r.passed,
		Reasons: r.Reasons(),
		Manual:  r.ManualSupplementation(),
	}
}

// Approve returns the token the download engine requires. It fails with
// ErrNotApproved unless the result passed.
func (r Result) Approve() (Approval, error) {
	if !r.passed {
		return Approval{}, fmt.Errorf("%s: %w", r.article.URL, ErrNotApproved)
	}
	res := r
	return Approval{result: &res}, nil
}

// Approval proves an article passed screening. Only Result.Approve creates a
// usable one.
type Approval struct {
	result *Result
}

// Valid reports whether the approval came from Result.Approve.
func (a Approval) Valid() bool { return a.result != nil }

// Result returns the approved screening result. It panics on a zero Approval.
func (a Approval) Result() Result {
	if a.result == nil {
		panic("screening: zero Approval used")
	}
	return *a.result
}
