package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/progress/sinks"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
	"github.com/JakeFAU/codepaper-harvester/internal/store"
)

const (
	finishedRun = "0190a6d2-0000-7000-8000-000000000001"
	activeRun   = "0190a6d3-0000-7000-8000-000000000001"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	reports := store.New(blobs, nil)
	ctx := context.Background()

	ledger := sinks.NewLedgerSink(blobs, nil)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	finished, err := progress.ParseRunID(finishedRun)
	require.NoError(t, err)
	active, err := progress.ParseRunID(activeRun)
	require.NoError(t, err)
	require.NoError(t, ledger.Consume(ctx, []progress.Event{
		{RunID: finished, TS: start, Stage: progress.StageRunStart},
		{RunID: finished, TS: start, Stage: progress.StageArticleScreened, Journal: "nathumbehav", URL: "https://www.nature.com/articles/a", Outcome: "passed"},
		{RunID: finished, TS: start.Add(time.Minute), Stage: progress.StageRunDone},
		{RunID: active, TS: start.Add(time.Hour), Stage: progress.StageRunStart},
	}))
	require.NoError(t, ledger.Close(ctx))

	for _, rep := range []harvest.Report{
		{DOI: "10.1038/a", Category: "social_sci", Slug: "a", Screening: harvest.Decision{Passed: true}, PDFStatus: harvest.StatusDownloaded},
		{DOI: "10.1038/b", Category: "social_sci", Slug: "b", Screening: harvest.Decision{Reasons: []string{"no code link"}}},
		{DOI: "10.1057/c", Category: "natural_sci", Slug: "c", Screening: harvest.Decision{Passed: true}},
	} {
		_, err := reports.Save(ctx, rep)
		require.NoError(t, err)
	}

	r := chi.NewRouter()
	NewHandler(blobs, reports, zap.NewNop()).Routes(r)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return ts
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:gosec,noctx // test server URL
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListRuns(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var body struct {
		Runs []sinks.RunRecord `json:"runs"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs", &body))
	require.Len(t, body.Runs, 2)
	assert.Equal(t, activeRun, body.Runs[0].RunID)

	body.Runs = nil
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs?status=success", &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, finishedRun, body.Runs[0].RunID)

	body.Runs = nil
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs?offset=5", &body))
	assert.Empty(t, body.Runs)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/runs?status=paused", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/runs?limit=-1", nil))
}

func TestGetRun(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var body struct {
		Run sinks.RunRecord `json:"run"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/runs/"+finishedRun, &body))
	assert.Equal(t, "success", body.Run.Status)
	assert.Equal(t, 1, body.Run.Journals["nathumbehav"].Passed)

	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/runs/0190a6d4-0000-7000-8000-000000000001", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/runs/not-a-run", nil))
}

func TestListArticles(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t)

	var body struct {
		Articles []articleDTO `json:"articles"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/articles", &body))
	assert.Len(t, body.Articles, 3)

	body.Articles = nil
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/articles?category=social_sci&passed=true", &body))
	require.Len(t, body.Articles, 1)
	assert.Equal(t, "10.1038/a", body.Articles[0].DOI)
	assert.Equal(t, "downloaded", body.Articles[0].PDFStatus)

	body.Articles = nil
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/articles?limit=1&offset=1", &body))
	require.Len(t, body.Articles, 1)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/articles?passed=maybe", nil))
}

func TestHandlerWithoutStorage(t *testing.T) {
	t.Parallel()

	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	h.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	h.ListArticles(rec, httptest.NewRequest(http.MethodGet, "/api/articles", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPage(t *testing.T) {
	t.Parallel()

	items := []int{1, 2, 3, 4}
	assert.Equal(t, []int{2, 3}, page(items, 2, 1))
	assert.Equal(t, []int{4}, page(items, 10, 3))
	assert.Empty(t, page(items, 2, 4))
}
