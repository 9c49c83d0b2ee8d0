// Package pipeline drives a harvest run: listing walk, article screening,
// downloads, persistence, and the final summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/clock/system"
	"github.com/JakeFAU/codepaper-harvester/internal/download"
	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/listing"
	"github.com/JakeFAU/codepaper-harvester/internal/metrics"
	"github.com/JakeFAU/codepaper-harvester/internal/parser"
	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/screening"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
	"github.com/JakeFAU/codepaper-harvester/internal/summary"
)

// ReasonParseFailed tallies article pages that could not be parsed.
const ReasonParseFailed = "unparseable article page"

// Config describes one run.
type Config struct {
	RunID     string
	Journals  []harvest.Journal
	N         int
	StartYear int
	EndYear   int
	DryRun    bool
	Resume    bool
}

// Deps are the collaborators a Pipeline drives. Progress and Clock are
// optional.
type Deps struct {
	Pages     harvest.PageFetcher
	Paginator *listing.Paginator
	Parser    *parser.Parser
	Screener  *screening.Engine
	Downloads *download.Engine
	Store     *store.Store
	Blobs     *local.BlobStore
	Progress  progress.Emitter
	Clock     harvest.Clock
}

// Pipeline processes articles strictly one at a time.
type Pipeline struct {
	cfg    Config
	deps   Deps
	runID  [16]byte
	logger *zap.Logger
}

// New validates cfg and returns a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	runID, err := progress.ParseRunID(cfg.RunID)
	if err != nil {
		return nil, &harvest.ConfigError{Field: "run_id", Reason: err.Error()}
	}
	if cfg.N <= 0 {
		return nil, &harvest.ConfigError{Field: "crawl.n", Reason: "must be > 0"}
	}
	if deps.Pages == nil || deps.Paginator == nil || deps.Parser == nil || deps.Screener == nil ||
		deps.Store == nil || deps.Blobs == nil {
		return nil, errors.New("pipeline: missing collaborator")
	}
	if deps.Downloads == nil && !cfg.DryRun {
		return nil, errors.New("pipeline: download engine required unless dry run")
	}
	if deps.Progress == nil {
		deps.Progress = (*progress.Hub)(nil)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:    cfg,
		deps:   deps,
		runID:  runID,
		logger: logger.Named("pipeline").With(zap.String("run_id", cfg.RunID)),
	}, nil
}

// JournalSummary reports what happened to one journal.
type JournalSummary struct {
	Slug       string `json:"slug"`
	Name       string `json:"name"`
	ScreenedIn int    `json:"screened_in"`
	Existing   int    `json:"existing"`
	Rejected   int    `json:"rejected"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	Pages      int    `json:"pages"`
	Truncated  bool   `json:"truncated"`
	Stopped    bool   `json:"stopped,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ManualEntry is one resource that must be fetched by hand.
type ManualEntry struct {
	ArticleURL string             `json:"article_url"`
	DOI        string             `json:"doi"`
	Item       harvest.ManualItem `json:"item"`
}

// RunSummary is the result of Pipeline.Run.
type RunSummary struct {
	RunID       string           `json:"run_id"`
	Journals    []JournalSummary `json:"journals"`
	Reasons     map[string]int   `json:"reasons"`
	Manual      []ManualEntry    `json:"manual"`
	SummaryRows int              `json:"summary_rows"`
}

// ScreenedIn totals screened-in articles across journals, including ones
// found on disk.
func (s RunSummary) ScreenedIn() int {
	total := 0
	for _, j := range s.Journals {
		total += j.ScreenedIn + j.Existing
	}
	return total
}

// Run walks every journal in registry order. Cancelling ctx stops intake of
// new articles; the article in flight completes on a detached context so no
// report is left half written. A canceled run still returns ctx's error but
// is recorded as stopped rather than failed. summary.csv is regenerated
// before returning.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	start := p.deps.Clock.Now()
	out := RunSummary{RunID: p.cfg.RunID, Reasons: make(map[string]int)}
	p.emit(progress.Event{Stage: progress.StageRunStart})
	p.logger.Info("harvest started",
		zap.Int("journals", len(p.cfg.Journals)),
		zap.Int("n", p.cfg.N),
		zap.Int("start_year", p.cfg.StartYear),
		zap.Int("end_year", p.cfg.EndYear),
		zap.Bool("dry_run", p.cfg.DryRun),
	)

	var runErr error
	for _, journal := range p.cfg.Journals {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		js, err := p.runJournal(ctx, journal, &out)
		out.Journals = append(out.Journals, js)
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			runErr = err
			break
		}
		p.logger.Error("journal aborted", zap.String("journal", journal.Slug), zap.Error(err))
	}

	// A cancellation alone is a cooperative stop, not a failure.
	stopped := errors.Is(runErr, context.Canceled)
	rows, err := summary.Write(context.WithoutCancel(ctx), p.deps.Store, p.deps.Blobs)
	if err != nil {
		p.logger.Error("summary not written", zap.Error(err))
		runErr = errors.Join(runErr, err)
		stopped = false
	}
	out.SummaryRows = rows

	done := progress.Event{Stage: progress.StageRunDone, Dur: p.since(start)}
	switch {
	case runErr == nil:
	case stopped:
		done.Stage = progress.StageRunStopped
	default:
		done.Stage, done.Note = progress.StageRunError, runErr.Error()
	}
	p.emit(done)
	p.logger.Info("harvest finished",
		zap.Bool("stopped", stopped),
		zap.Int("screened_in", out.ScreenedIn()),
		zap.Int("manual", len(out.Manual)),
		zap.Int("summary_rows", rows),
		zap.Duration("elapsed", done.Dur),
		zap.Error(runErr),
	)
	return out, runErr
}

func (p *Pipeline) runJournal(ctx context.Context, journal harvest.Journal, out *RunSummary) (JournalSummary, error) {
	js := JournalSummary{Slug: journal.Slug, Name: journal.Name}
	logger := p.logger.With(zap.String("journal", journal.Slug))
	start := p.deps.Clock.Now()
	p.emit(progress.Event{Stage: progress.StageJournalStart, Journal: journal.Slug})

	if p.cfg.Resume {
		js.Existing = p.countExisting(journal)
	}
	if js.Existing >= p.cfg.N {
		logger.Info("enough harvested articles on disk; skipping crawl", zap.Int("existing", js.Existing))
		p.emit(progress.Event{Stage: progress.StageJournalDone, Journal: journal.Slug, Note: "existing"})
		return js, nil
	}
	remaining := p.cfg.N - js.Existing

	rejections, err := p.deps.Store.LoadRejections(journal.Slug)
	if err != nil {
		logger.Warn("rejection cache unreadable; starting empty", zap.Error(err))
		rejections = store.Rejections{}
	}

	visit := func(ctx context.Context, c listing.Candidate) (bool, error) {
		if err := ctx.Err(); err != nil {
			return true, err
		}
		if !c.ListingDate.IsZero() {
			year := c.ListingDate.Year()
			if year > p.cfg.EndYear {
				js.Skipped++
				return false, nil
			}
			if year < p.cfg.StartYear {
				logger.Info("listing reached articles before start year", zap.String("url", c.URL), zap.Int("page", c.Page))
				return true, nil
			}
		}
		if p.cfg.Resume {
			if reason, ok := rejections[c.URL]; ok {
				logger.Debug("skipping cached rejection", zap.String("url", c.URL), zap.String("reason", reason))
				js.Skipped++
				return false, nil
			}
			if p.harvested(journal.Category, harvest.SlugFromURL(c.URL)) {
				js.Skipped++
				return false, nil
			}
		}

		// The article in flight finishes even if ctx is canceled meanwhile.
		p.processArticle(context.WithoutCancel(ctx), journal, c.URL, &js, rejections, out)
		return js.ScreenedIn >= remaining, nil
	}

	walk, walkErr := p.deps.Paginator.Walk(ctx, journal, visit)
	js.Pages, js.Truncated = walk.Pages, walk.Truncated

	if err := p.deps.Store.SaveRejections(context.WithoutCancel(ctx), journal.Slug, rejections); err != nil {
		logger.Warn("rejection cache not saved", zap.Error(err))
	}

	note := fmt.Sprintf("screened_in=%d rejected=%d pages=%d", js.ScreenedIn, js.Rejected, js.Pages)
	p.emit(progress.Event{Stage: progress.StageJournalDone, Journal: journal.Slug, Dur: p.since(start), Note: note})
	logger.Info("journal finished",
		zap.Int("screened_in", js.ScreenedIn),
		zap.Int("existing", js.Existing),
		zap.Int("rejected", js.Rejected),
		zap.Int("skipped", js.Skipped),
		zap.Int("failed", js.Failed),
		zap.Int("pages", js.Pages),
		zap.Bool("truncated", js.Truncated),
	)

	switch {
	case walkErr == nil:
		return js, nil
	case errors.Is(walkErr, harvest.ErrPaginationExhausted):
		return js, nil
	case errors.Is(walkErr, context.Canceled):
		js.Stopped = true
		return js, fmt.Errorf("walk %s: %w", journal.Slug, walkErr)
	default:
		js.Error = walkErr.Error()
		return js, fmt.Errorf("walk %s: %w", journal.Slug, walkErr)
	}
}

func (p *Pipeline) processArticle(
	ctx context.Context,
	journal harvest.Journal,
	articleURL string,
	js *JournalSummary,
	rejections store.Rejections,
	out *RunSummary,
) {
	logger := p.logger.With(zap.String("journal", journal.Slug), zap.String("url", articleURL))

	page, err := p.deps.Pages.FetchPage(ctx, articleURL)
	if err != nil {
		js.Failed++
		logger.Warn("article page not fetched", zap.Error(err))
		return
	}
	article, err := p.deps.Parser.ParseArticle(journal, articleURL, page.Body)
	if err != nil {
		js.Rejected++
		out.Reasons[ReasonParseFailed]++
		rejections[articleURL] = err.Error()
		logger.Warn("article page not parsed", zap.Error(err))
		return
	}

	result := p.deps.Screener.Screen(ctx, article)
	outcome := "rejected"
	if result.Passed() {
		outcome = "passed"
	}
	p.emit(progress.Event{Stage: progress.StageArticleScreened, Journal: journal.Slug, URL: articleURL, Outcome: outcome})
	metrics.ObserveArticle(article.Journal, outcome)

	if !result.Passed() {
		js.Rejected++
		reasons := result.Reasons()
		for _, reason := range reasons {
			out.Reasons[screening.ReasonKey(reason)]++
		}
		rejections[articleURL] = strings.Join(reasons, "; ")
		logger.Info("article rejected", zap.String("doi", article.DOI), zap.Strings("reasons", reasons))
		return
	}

	report := p.newReport(result)
	if !p.cfg.DryRun {
		approval, err := result.Approve()
		if err != nil {
			// Unreachable for a passed result.
			logger.Error("approval refused", zap.Error(err))
			return
		}
		applyOutcome(&report, p.deps.Downloads.Download(ctx, approval, store.ArticleDir(report.Category, report.Slug)))
	}

	if _, err := p.deps.Store.Save(ctx, report); err != nil {
		js.Failed++
		logger.Error("metadata not saved", zap.Error(err))
		return
	}
	js.ScreenedIn++
	for _, item := range report.ManualRequired {
		out.Manual = append(out.Manual, ManualEntry{ArticleURL: articleURL, DOI: report.DOI, Item: item})
	}
	p.emit(progress.Event{Stage: progress.StageArticleSaved, Journal: journal.Slug, URL: articleURL, Note: report.DOI})
	logger.Info("article harvested",
		zap.String("doi", report.DOI),
		zap.Int("downloads", len(report.Downloads)),
		zap.Int("manual", len(report.ManualRequired)),
		zap.Bool("dry_run", report.DryRun),
	)
}

func (p *Pipeline) newReport(result screening.Result) harvest.Report {
	article := result.Article()
	report := harvest.Report{
		RunID:            p.cfg.RunID,
		DOI:              article.DOI,
		Title:            article.Title,
		Journal:          article.Journal,
		Category:         article.Category,
		Slug:             article.Slug(),
		URL:              article.URL,
		Published:        article.Published,
		Screening:        result.Decision(),
		CodeRepo:         result.CodeRepo(),
		CodeArchiveURL:   result.CodeArchiveURL(),
		CodeStatus:       harvest.StatusPending,
		PDFURL:           article.PDFURL,
		PDFStatus:        harvest.StatusPending,
		PeerReviewURL:    article.PeerReview.URL,
		PeerReviewStatus: harvest.StatusPending,
		ESM:              article.ESM,
		ManualRequired:   result.ManualItems(),
		DryRun:           p.cfg.DryRun,
		SavedAt:          p.deps.Clock.Now().UTC(),
	}
	if article.PDFURL == "" {
		report.PDFStatus = harvest.StatusMissing
	}
	return report
}

func applyOutcome(report *harvest.Report, out download.Outcome) {
	report.Downloads = out.Records
	report.ESM = out.ESM
	report.PDFStatus = out.PDFStatus
	report.CodeStatus = out.CodeStatus
	report.PeerReviewStatus = out.PeerReviewStatus
	report.ManualRequired = out.Manual
	report.Screening.Manual = len(out.Manual) > 0
}

// countExisting counts completed reports of journal already on disk. Dry-run
// reports do not count.
func (p *Pipeline) countExisting(journal harvest.Journal) int {
	n := 0
	err := p.deps.Store.Walk(func(r harvest.Report) error {
		if r.Journal == journal.Name && r.Screening.Passed && !r.DryRun {
			n++
		}
		return nil
	})
	if err != nil {
		p.logger.Warn("existing reports not counted", zap.String("journal", journal.Slug), zap.Error(err))
		return 0
	}
	return n
}

// harvested reports whether a completed, non dry-run report exists for the
// article directory.
func (p *Pipeline) harvested(category, slug string) bool {
	if !p.deps.Store.Exists(category, slug) {
		return false
	}
	report, err := p.deps.Store.Load(category, slug)
	if err != nil {
		return false
	}
	return !report.DryRun
}

func (p *Pipeline) emit(evt progress.Event) {
	evt.RunID = p.runID
	evt.TS = p.deps.Clock.Now().UTC()
	p.deps.Progress.Emit(evt)
}

func (p *Pipeline) since(start time.Time) time.Duration {
	return max(p.deps.Clock.Now().Sub(start), 0)
}
