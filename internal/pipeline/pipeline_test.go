package pipeline_test

import (
	"context"
	"encoding/csv"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/codepaper-harvester/internal/download"
	collyfetcher "github.com/JakeFAU/codepaper-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/listing"
	"github.com/JakeFAU/codepaper-harvester/internal/parser"
	"github.com/JakeFAU/codepaper-harvester/internal/pipeline"
	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/robots"
	"github.com/JakeFAU/codepaper-harvester/internal/screening"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
	"github.com/JakeFAU/codepaper-harvester/internal/summary"
)

const (
	passingArticle = "https://www.nature.com/articles/s41562-024-01817-9"
	osfArticle     = "https://www.nature.com/articles/s41599-023-02000-1"
	peerReviewPath = "/review/41562_2024_1817_MOESM3_ESM.pdf"
)

var journal = harvest.Journal{
	Name:            "Nature Human Behaviour",
	Slug:            "nathumbehav",
	Category:        "social_sci",
	ListURLTemplate: "https://www.nature.com/nathumbehav/research-articles?sort=PubDate&page={page}",
}

// rewriteTransport sends every request to the test server regardless of host.
// onRequest, when set, sees each request before it is sent.
type rewriteTransport struct {
	target    *url.URL
	onRequest func(*http.Request)
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.onRequest != nil {
		t.onRequest(req)
	}
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	clone.Host = req.URL.Host
	return http.DefaultTransport.RoundTrip(clone)
}

// site impersonates the publisher, the ESM host, and codeload.
type site struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (s *site) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	// #nosec G304 -- fixtures live in testdata.
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func newSite(t *testing.T) *site {
	t.Helper()
	serve := func(body []byte, contentType string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", contentType)
			_, _ = w.Write(body)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", serve([]byte("User-agent: *\nDisallow: /review/\n"), "text/plain"))
	mux.HandleFunc("/nathumbehav/research-articles", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if r.URL.Query().Get("page") == "1" {
			_, _ = w.Write(fixture(t, "listing.html"))
			return
		}
		_, _ = w.Write([]byte("<html><body></body></html>"))
	})
	mux.HandleFunc("/palcomms/research-articles", serve(fixture(t, "listing_open.html"), "text/html"))
	mux.HandleFunc("/articles/s41562-024-01817-9", serve(fixture(t, "article.html"), "text/html"))
	mux.HandleFunc("/articles/s41599-023-02000-1", serve(fixture(t, "article_osf.html"), "text/html"))
	mux.HandleFunc("/articles/s41562-024-01817-9.pdf", serve(fixture(t, "paper.pdf"), "application/pdf"))
	mux.HandleFunc("/memlab/coop-memory/zip/HEAD", serve([]byte("PK\x03\x04 archive"), "application/zip"))
	mux.HandleFunc("/esm/41562_2024_1817_MOESM1_ESM.pdf", serve([]byte("supplement"), "application/pdf"))
	mux.HandleFunc(peerReviewPath, serve([]byte("reviews"), "application/pdf"))

	s := &site{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

type harness struct {
	site  *site
	blobs *local.BlobStore
	store *store.Store
	gate  *robots.Gate
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithHook(t, nil)
}

func newHarnessWithHook(t *testing.T, onRequest func(*http.Request)) *harness {
	t.Helper()
	s := newSite(t)
	target, err := url.Parse(s.URL)
	require.NoError(t, err)
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	return &harness{
		site:  s,
		blobs: blobs,
		store: store.New(blobs, nil),
		gate: robots.New(robots.Config{UserAgent: "test-agent", Retries: 2, Timeout: 5 * time.Second},
			rewriteTransport{target: target, onRequest: onRequest}, nil, nil, nil),
	}
}

type options struct {
	events   *eventLog
	n        int
	dryRun   bool
	resume   bool
	maxPages int
	journals []harvest.Journal
}

func (h *harness) pipeline(t *testing.T, opts options) *pipeline.Pipeline {
	t.Helper()
	if opts.maxPages == 0 {
		opts.maxPages = 10
	}
	if opts.journals == nil {
		opts.journals = []harvest.Journal{journal}
	}
	runID := uuid.Must(uuid.NewV7()).String()
	runBytes := uuid.MustParse(runID)

	pages := collyfetcher.New(collyfetcher.Config{UserAgent: "test-agent", Timeout: 5 * time.Second}, h.gate.Transport(), nil)
	p := parser.New(nil)
	deps := pipeline.Deps{
		Pages:     pages,
		Paginator: listing.New(listing.Config{MaxPages: opts.maxPages}, pages, p, nil),
		Parser:    p,
		Screener:  screening.New(screening.Config{StartYear: 2023, EndYear: 2026}, h.gate, nil),
		Downloads: download.New(download.Config{Concurrency: 2, Resume: opts.resume, RunID: runBytes},
			h.gate, h.blobs, nil, nil),
		Store: h.store,
		Blobs: h.blobs,
	}
	if opts.events != nil {
		deps.Progress = opts.events
	}
	pl, err := pipeline.New(pipeline.Config{
		RunID:     runID,
		Journals:  opts.journals,
		N:         opts.n,
		StartYear: 2023,
		EndYear:   2026,
		DryRun:    opts.dryRun,
		Resume:    opts.resume,
	}, deps, nil)
	require.NoError(t, err)
	return pl
}

type eventLog struct {
	mu     sync.Mutex
	stages []progress.Stage
}

func (l *eventLog) Emit(evt progress.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stages = append(l.stages, evt.Stage)
}

func (l *eventLog) Stages() []progress.Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]progress.Stage(nil), l.stages...)
}

func readSummary(t *testing.T, h *harness) [][]string {
	t.Helper()
	// #nosec G304 -- reads from the test temp directory.
	f, err := os.Open(filepath.Join(h.blobs.BaseDir(), summary.FileName))
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRunHarvestsWithBlockedPeerReview(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.pipeline(t, options{n: 5}).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, out.Journals, 1)
	js := out.Journals[0]
	assert.Equal(t, 1, js.ScreenedIn)
	assert.Equal(t, 1, js.Rejected)
	assert.Equal(t, 1, js.Skipped)
	assert.Equal(t, 1, js.Pages)
	assert.False(t, js.Truncated)
	assert.Equal(t, 1, out.Reasons[screening.ReasonNoCodeLink])
	assert.Equal(t, 1, out.Reasons[screening.ReasonNoPeerReview])

	require.Len(t, out.Manual, 1)
	assert.Equal(t, passingArticle, out.Manual[0].ArticleURL)
	assert.Equal(t, harvest.KindPeerReview, out.Manual[0].Item.Kind)

	report, err := h.store.Load("social_sci", "s41562-024-01817-9")
	require.NoError(t, err)
	assert.True(t, report.Screening.Passed)
	assert.True(t, report.Screening.Manual)
	assert.Equal(t, "10.1038/s41562-024-01817-9", report.DOI)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), report.Published.UTC())
	assert.Equal(t, harvest.StatusDownloaded, report.PDFStatus)
	assert.Equal(t, harvest.StatusDownloaded, report.CodeStatus)
	assert.Equal(t, harvest.StatusBlocked, report.PeerReviewStatus)
	assert.Equal(t, "https://github.com/memlab/coop-memory", report.CodeRepo)
	assert.True(t, report.Has(harvest.KindPDF))
	assert.True(t, report.Has(harvest.KindCode))
	assert.False(t, report.Has(harvest.KindPeerReview))
	assert.Equal(t, out.RunID, report.RunID)

	assert.True(t, h.blobs.Exists("social_sci/s41562-024-01817-9/pdf_papers/paper.pdf"))
	assert.True(t, h.blobs.Exists("social_sci/s41562-024-01817-9/code/coop-memory.zip"))
	assert.True(t, h.blobs.Exists("social_sci/s41562-024-01817-9/supplementary_materials/Supplementary_Information.pdf"))
	assert.Zero(t, h.site.Hits(peerReviewPath), "robots-disallowed file must never be requested")

	// Out-of-range listing entries are never fetched.
	assert.Zero(t, h.site.Hits("/articles/s41562-027-00001-1"))
	assert.Zero(t, h.site.Hits("/articles/s41562-022-00500-5"))

	// The OSF-only article costs exactly one page fetch.
	assert.Equal(t, 1, h.site.Hits("/articles/s41599-023-02000-1"))
	assert.Zero(t, h.site.Hits("/articles/s41599-023-02000-1.pdf"))
	assert.Zero(t, h.site.Hits("/xyz12/"))
	assert.False(t, h.store.Exists("social_sci", "s41599-023-02000-1"))

	rows := readSummary(t, h)
	require.Len(t, rows, 2)
	assert.Equal(t, summary.Header, rows[0])
	assert.Equal(t, []string{
		"10.1038/s41562-024-01817-9",
		"Collective memory shapes cooperation in online groups",
		"Nature Human Behaviour",
		"social_sci",
		"true", "false", "true",
	}, rows[1])
	assert.Equal(t, 1, out.SummaryRows)

	rejections, err := h.store.LoadRejections("nathumbehav")
	require.NoError(t, err)
	assert.Contains(t, rejections[osfArticle], screening.ReasonNoCodeLink)

	// Both decisions are counted, keyed by journal name.
	series, err := testutil.GatherAndCount(prometheus.DefaultGatherer, "harvester_articles_total")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, series, 2)
}

func TestRunResumeSkipsKnownArticles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.pipeline(t, options{n: 5, resume: true}).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.site.Hits("/articles/s41562-024-01817-9"))
	pdfHits := h.site.Hits("/articles/s41562-024-01817-9.pdf")

	out, err := h.pipeline(t, options{n: 5, resume: true}).Run(context.Background())
	require.NoError(t, err)

	js := out.Journals[0]
	assert.Equal(t, 1, js.Existing)
	assert.Zero(t, js.ScreenedIn)
	assert.Equal(t, 3, js.Skipped)
	assert.Equal(t, 1, h.site.Hits("/articles/s41562-024-01817-9"), "harvested article is not refetched")
	assert.Equal(t, 1, h.site.Hits("/articles/s41599-023-02000-1"), "cached rejection is not refetched")
	assert.Equal(t, pdfHits, h.site.Hits("/articles/s41562-024-01817-9.pdf"))
	assert.Equal(t, 1, out.ScreenedIn())
}

func TestRunResumeSkipsCrawlWhenQuotaMet(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.pipeline(t, options{n: 1, resume: true}).Run(context.Background())
	require.NoError(t, err)
	listingHits := h.site.Hits("/nathumbehav/research-articles")

	out, err := h.pipeline(t, options{n: 1, resume: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Journals[0].Existing)
	assert.Equal(t, listingHits, h.site.Hits("/nathumbehav/research-articles"))
}

func TestRunStopsAtN(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.pipeline(t, options{n: 1}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Journals[0].ScreenedIn)
	assert.Zero(t, h.site.Hits("/articles/s41599-023-02000-1"))
}

func TestRunDryRunDownloadsNothing(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	out, err := h.pipeline(t, options{n: 5, dryRun: true}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Journals[0].ScreenedIn)

	assert.Zero(t, h.site.Hits("/articles/s41562-024-01817-9.pdf"))
	assert.Zero(t, h.site.Hits("/memlab/coop-memory/zip/HEAD"))
	assert.Zero(t, h.site.Hits("/esm/41562_2024_1817_MOESM1_ESM.pdf"))

	report, err := h.store.Load("social_sci", "s41562-024-01817-9")
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Empty(t, report.Downloads)
	assert.Equal(t, harvest.StatusPending, report.PDFStatus)
	require.Len(t, report.ManualRequired, 1, "robots snapshot is still recorded")

	rows := readSummary(t, h)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"false", "false", "false"}, rows[1][4:])
}

func TestRunTruncatesAtMaxPages(t *testing.T) {
	t.Parallel()

	open := harvest.Journal{
		Name:            "Palgrave Communications",
		Slug:            "palcomms",
		Category:        "natural_sci",
		ListURLTemplate: "https://www.nature.com/palcomms/research-articles?page={page}",
	}
	h := newHarness(t)
	out, err := h.pipeline(t, options{n: 5, maxPages: 2, journals: []harvest.Journal{open}}).Run(context.Background())
	require.NoError(t, err)

	js := out.Journals[0]
	assert.True(t, js.Truncated)
	assert.Equal(t, 2, js.Pages)
	assert.Equal(t, 2, h.site.Hits("/palcomms/research-articles"))
}

func TestRunCanceledBeforeStart(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := h.pipeline(t, options{n: 5}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, out.Journals)
	assert.Zero(t, h.site.Hits("/nathumbehav/research-articles"))
	assert.Len(t, readSummary(t, h), 1, "summary is still regenerated")
}

func TestRunCanceledMidArticleFinishesItAndStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarnessWithHook(t, func(r *http.Request) {
		if r.URL.Path == "/articles/s41562-024-01817-9" {
			cancel()
		}
	})
	events := &eventLog{}

	out, err := h.pipeline(t, options{n: 5, events: events}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// The article in flight is downloaded and persisted in full.
	report, err := h.store.Load("social_sci", "s41562-024-01817-9")
	require.NoError(t, err)
	assert.Equal(t, harvest.StatusDownloaded, report.PDFStatus)
	assert.True(t, h.blobs.Exists("social_sci/s41562-024-01817-9/pdf_papers/paper.pdf"))
	assert.True(t, h.blobs.Exists("social_sci/s41562-024-01817-9/code/coop-memory.zip"))

	// No new article is taken in after the stop.
	assert.Zero(t, h.site.Hits("/articles/s41599-023-02000-1"))

	require.Len(t, out.Journals, 1)
	js := out.Journals[0]
	assert.Equal(t, 1, js.ScreenedIn)
	assert.True(t, js.Stopped)
	assert.Empty(t, js.Error)
	assert.Equal(t, 1, out.SummaryRows)
	assert.Len(t, readSummary(t, h), 2)

	stages := events.Stages()
	require.NotEmpty(t, stages)
	assert.Equal(t, progress.StageRunStopped, stages[len(stages)-1])
	assert.NotContains(t, stages, progress.StageRunError)
}

func TestNewRejectsBadRunID(t *testing.T) {
	t.Parallel()

	_, err := pipeline.New(pipeline.Config{RunID: "nope", N: 1}, pipeline.Deps{}, nil)
	require.ErrorIs(t, err, harvest.ErrConfig)
}
