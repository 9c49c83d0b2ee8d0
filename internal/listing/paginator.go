// Package listing walks a journal's date-sorted listing pages and forwards
// every article card to the caller.
package listing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/parser"
)

// Candidate is one article card forwarded to the visitor.
type Candidate struct {
	URL string
	// ListingDate is zero when the card carried no date.
	ListingDate time.Time
	Page        int
}

// Visitor receives candidates in listing order. Returning stop=true ends the
// walk without error; a non-nil error ends it and is returned from Walk.
type Visitor func(ctx context.Context, c Candidate) (stop bool, err error)

// Walk describes how far a listing walk got.
type Walk struct {
	Pages      int
	Candidates int
	Truncated  bool
}

// Config bounds a walk.
type Config struct {
	MaxPages int
}

// Paginator fetches listing pages through a harvest.PageFetcher.
type Paginator struct {
	cfg    Config
	pages  harvest.PageFetcher
	parser *parser.Parser
	logger *zap.Logger
}

// New creates a Paginator.
func New(cfg Config, pages harvest.PageFetcher, p *parser.Parser, logger *zap.Logger) *Paginator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if p == nil {
		p = parser.New(nil)
	}
	return &Paginator{cfg: cfg, pages: pages, parser: p, logger: logger.Named("listing")}
}

// Walk requests page 1, 2, ... of the journal listing and calls visit for
// every entry. It ends on an empty page, when visit asks to stop, when ctx is
// canceled, or at MaxPages. Hitting the cap returns
// harvest.ErrPaginationExhausted alongside a Walk with Truncated set.
func (p *Paginator) Walk(ctx context.Context, journal harvest.Journal, visit Visitor) (Walk, error) {
	var walk Walk
	logger := p.logger.With(zap.String("journal", journal.Slug))

	for page := 1; ; page++ {
		if p.cfg.MaxPages > 0 && page > p.cfg.MaxPages {
			walk.Truncated = true
			logger.Warn("listing page cap reached", zap.Int("max_pages", p.cfg.MaxPages))
			return walk, fmt.Errorf("%s after %d pages: %w", journal.Slug, walk.Pages, harvest.ErrPaginationExhausted)
		}
		if err := ctx.Err(); err != nil {
			return walk, fmt.Errorf("listing %s: %w", journal.Slug, err)
		}

		listURL := journal.ListingURL(page)
		doc, err := p.pages.FetchPage(ctx, listURL)
		if err != nil {
			if errors.Is(err, harvest.ErrRobotsDisallowed) {
				logger.Info("listing page disallowed by robots.txt", zap.String("url", listURL))
			}
			return walk, fmt.Errorf("fetch listing page %d: %w", page, err)
		}
		walk.Pages++

		entries, err := p.parser.ParseListing(listURL, doc.Body)
		if err != nil {
			return walk, fmt.Errorf("parse listing page %d: %w", page, err)
		}
		logger.Debug("listing page parsed", zap.Int("page", page), zap.Int("entries", len(entries)))
		if len(entries) == 0 {
			return walk, nil
		}

		for _, entry := range entries {
			walk.Candidates++
			stop, err := visit(ctx, Candidate{URL: entry.URL, ListingDate: entry.Published, Page: page})
			if err != nil {
				return walk, err
			}
			if stop {
				return walk, nil
			}
		}
	}
}
