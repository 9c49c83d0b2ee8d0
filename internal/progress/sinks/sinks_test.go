package sinks

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
)

func runBatch(runID [16]byte, start time.Time) []progress.Event {
	return []progress.Event{
		{RunID: runID, TS: start, Stage: progress.StageRunStart},
		{RunID: runID, TS: start, Stage: progress.StageJournalStart, Journal: "nathumbehav"},
		{RunID: runID, TS: start, Stage: progress.StageArticleScreened, Journal: "nathumbehav", URL: "https://www.nature.com/articles/a", Outcome: "passed"},
		{RunID: runID, TS: start, Stage: progress.StageArticleScreened, Journal: "nathumbehav", URL: "https://www.nature.com/articles/b", Outcome: "rejected"},
		{RunID: runID, TS: start, Stage: progress.StageDownloadDone, URL: "https://www.nature.com/articles/a.pdf", Kind: "pdf", Outcome: "success", Bytes: 2048, Dur: 2 * time.Second},
		{RunID: runID, TS: start, Stage: progress.StageDownloadDone, URL: "https://static-content.springer.com/esm/p.pdf", Kind: "peer-review", Outcome: "blocked"},
		{RunID: runID, TS: start, Stage: progress.StageArticleSaved, Journal: "nathumbehav", URL: "https://www.nature.com/articles/a"},
		{RunID: runID, TS: start, Stage: progress.StageJournalDone, Journal: "nathumbehav"},
		{RunID: runID, TS: start.Add(time.Minute), Stage: progress.StageRunDone, Dur: time.Minute},
	}
}

func TestPrometheusSinkRecordsMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	sink, err := NewPrometheusSink(reg)
	require.NoError(t, err)

	runID := progress.UUIDToBytes(uuid.New())
	require.NoError(t, sink.Consume(context.Background(), runBatch(runID, time.Now())))

	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.journalsDone.WithLabelValues("nathumbehav")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.articlesSaved.WithLabelValues("nathumbehav")))
	assert.Equal(t, 1, testutil.CollectAndCount(sink.downloadTime))

	_, err = NewPrometheusSink(reg)
	assert.Error(t, err, "collectors cannot be registered twice")
}

func TestPrometheusSinkRunningGauge(t *testing.T) {
	t.Parallel()

	sink, err := NewPrometheusSink(prometheus.NewRegistry())
	require.NoError(t, err)
	runID := progress.UUIDToBytes(uuid.New())
	ctx := context.Background()

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunStart},
	}))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsRunning))

	require.NoError(t, sink.Consume(ctx, []progress.Event{
		{RunID: runID, TS: time.Now(), Stage: progress.StageRunError, Note: "boom"},
	}))
	assert.Equal(t, 0.0, testutil.ToFloat64(sink.runsRunning))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runsCompleted.WithLabelValues("error")))
}

func TestLogSinkThrottlesDownloadProgress(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))
	runID := progress.UUIDToBytes(uuid.New())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	url := "https://www.nature.com/articles/a.pdf"

	var batch []progress.Event
	for _, step := range []struct {
		bytes int64
		after time.Duration
	}{
		{0, 0},
		{30, time.Second},
		{99, 2 * time.Second},
		{120, 3 * time.Second},
		{130, 15 * time.Second},
	} {
		batch = append(batch, progress.Event{
			RunID: runID, TS: start.Add(step.after), Stage: progress.StageDownloadProgress,
			URL: url, Kind: "pdf", Bytes: step.bytes, Total: 1000,
		})
	}
	batch = append(batch, progress.Event{RunID: runID, TS: start, Stage: progress.StageDownloadDone, URL: url, Kind: "pdf", Outcome: "success", Bytes: 1000})
	require.NoError(t, sink.Consume(context.Background(), batch))

	progressLines := logs.FilterMessage("download progress").All()
	require.Len(t, progressLines, 3, "first line, the 10-point step, and the 10s heartbeat")
	assert.Equal(t, int64(0), progressLines[0].ContextMap()["percent"])
	assert.Equal(t, int64(12), progressLines[1].ContextMap()["percent"])
	assert.Equal(t, 1, logs.FilterMessage("download finished").Len())
}

func TestLedgerSinkWritesRunRecord(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: root})
	require.NoError(t, err)
	sink := NewLedgerSink(blobs, nil)

	id := uuid.New()
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.UUIDToBytes(id), start)))
	require.NoError(t, sink.Close(context.Background()))

	// #nosec G304 -- test reads from the controlled temp directory.
	data, err := os.ReadFile(filepath.Join(root, ".cache", "runs", id.String()+".json"))
	require.NoError(t, err)
	var rec RunRecord
	require.NoError(t, json.Unmarshal(data, &rec))

	assert.Equal(t, id.String(), rec.RunID)
	assert.Equal(t, "success", rec.Status)
	assert.Equal(t, start, rec.StartedAt)
	assert.Equal(t, start.Add(time.Minute), rec.FinishedAt)
	assert.Equal(t, JournalTally{Passed: 1, Rejected: 1, Saved: 1}, *rec.Journals["nathumbehav"])
	assert.Equal(t, map[string]map[string]int{
		"pdf":         {"success": 1},
		"peer-review": {"blocked": 1},
	}, rec.Downloads)
	assert.Equal(t, int64(2048), rec.Bytes)
}

func TestListRunRecordsNewestFirst(t *testing.T) {
	t.Parallel()

	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	empty, err := ListRunRecords(blobs)
	require.NoError(t, err)
	assert.Empty(t, empty)

	older := uuid.MustParse("0190a6d2-0000-7000-8000-000000000001")
	newer := uuid.MustParse("0190a6d3-0000-7000-8000-000000000001")
	sink := NewLedgerSink(blobs, nil)
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Consume(context.Background(), runBatch(progress.UUIDToBytes(older), start)))
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(newer), TS: start.Add(time.Hour), Stage: progress.StageRunStart},
	}))
	require.NoError(t, sink.Close(context.Background()))

	runs, err := ListRunRecords(blobs)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, newer.String(), runs[0].RunID)
	assert.Equal(t, "running", runs[0].Status)
	assert.Equal(t, older.String(), runs[1].RunID)

	rec, err := LoadRunRecord(blobs, older.String())
	require.NoError(t, err)
	assert.Equal(t, "success", rec.Status)

	_, err = LoadRunRecord(blobs, uuid.NewString())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestLedgerRecordsStoppedRun(t *testing.T) {
	t.Parallel()

	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	runID := uuid.Must(uuid.NewV7())
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	sink := NewLedgerSink(blobs, nil)
	require.NoError(t, sink.Consume(context.Background(), []progress.Event{
		{RunID: progress.UUIDToBytes(runID), TS: start, Stage: progress.StageRunStart},
		{RunID: progress.UUIDToBytes(runID), TS: start.Add(time.Minute), Stage: progress.StageRunStopped},
	}))
	require.NoError(t, sink.Close(context.Background()))

	rec, err := LoadRunRecord(blobs, runID.String())
	require.NoError(t, err)
	assert.Equal(t, "stopped", rec.Status)
	assert.Empty(t, rec.Error)
	assert.Equal(t, start.Add(time.Minute), rec.FinishedAt.UTC())
}
