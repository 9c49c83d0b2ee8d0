package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/progress"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
)

// RunRecord is the ledger entry written for one run.
type RunRecord struct {
	RunID      string                    `json:"run_id"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at,omitempty"`
	Status     string                    `json:"status"`
	Error      string                    `json:"error,omitempty"`
	Journals   map[string]*JournalTally  `json:"journals"`
	Downloads  map[string]map[string]int `json:"downloads"`
	Bytes      int64                     `json:"bytes"`
}

// JournalTally counts article outcomes for one journal.
type JournalTally struct {
	Passed   int `json:"passed"`
	Rejected int `json:"rejected"`
	Saved    int `json:"saved"`
}

// LedgerSink folds events into one RunRecord per run and writes each record
// to <root>/.cache/runs/<run-id>.json when the hub closes.
type LedgerSink struct {
	blobs  *local.BlobStore
	logger *zap.Logger
	runs   map[[16]byte]*RunRecord
	order  [][16]byte
}

// NewLedgerSink creates a LedgerSink writing through blobs.
func NewLedgerSink(blobs *local.BlobStore, logger *zap.Logger) *LedgerSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerSink{blobs: blobs, logger: logger, runs: make(map[[16]byte]*RunRecord)}
}

// Consume folds the batch into the per-run records.
func (s *LedgerSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		rec := s.record(evt)
		switch evt.Stage {
		case progress.StageRunStart:
			rec.StartedAt = evt.TS
		case progress.StageRunDone:
			rec.FinishedAt, rec.Status = evt.TS, "success"
		case progress.StageRunError:
			rec.FinishedAt, rec.Status, rec.Error = evt.TS, "error", evt.Note
		case progress.StageRunStopped:
			rec.FinishedAt, rec.Status = evt.TS, "stopped"
		case progress.StageArticleScreened:
			tally := rec.journal(evt.Journal)
			if evt.Outcome == "passed" {
				tally.Passed++
			} else {
				tally.Rejected++
			}
		case progress.StageArticleSaved:
			rec.journal(evt.Journal).Saved++
		case progress.StageDownloadDone:
			byOutcome := rec.Downloads[evt.Kind]
			if byOutcome == nil {
				byOutcome = make(map[string]int)
				rec.Downloads[evt.Kind] = byOutcome
			}
			byOutcome[evt.Outcome]++
			rec.Bytes += evt.Bytes
		}
	}
	return nil
}

func (s *LedgerSink) record(evt progress.Event) *RunRecord {
	rec, ok := s.runs[evt.RunID]
	if !ok {
		rec = &RunRecord{
			RunID:     evt.RunUUID().String(),
			StartedAt: evt.TS,
			Status:    "running",
			Journals:  make(map[string]*JournalTally),
			Downloads: make(map[string]map[string]int),
		}
		s.runs[evt.RunID] = rec
		s.order = append(s.order, evt.RunID)
	}
	return rec
}

func (r *RunRecord) journal(slug string) *JournalTally {
	if slug == "" {
		slug = "unknown"
	}
	tally := r.Journals[slug]
	if tally == nil {
		tally = &JournalTally{}
		r.Journals[slug] = tally
	}
	return tally
}

const ledgerDir = ".cache/runs"

// ErrRunNotFound signals that no ledger exists for a run.
var ErrRunNotFound = errors.New("run ledger not found")

// LedgerPath is the relative location of a run's ledger file.
func LedgerPath(runID string) string {
	return path.Join(ledgerDir, runID+".json")
}

// LoadRunRecord reads the ledger written for runID.
func LoadRunRecord(blobs *local.BlobStore, runID string) (RunRecord, error) {
	full, err := blobs.Resolve(LedgerPath(runID))
	if err != nil {
		return RunRecord{}, err
	}
	return readRunRecord(full)
}

// ListRunRecords returns every ledger under the root, newest run first.
// Unreadable ledgers are skipped.
func ListRunRecords(blobs *local.BlobStore) ([]RunRecord, error) {
	dir, err := blobs.Resolve(ledgerDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list run ledgers: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	// Run IDs are UUIDv7, so reverse lexical order is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	out := make([]RunRecord, 0, len(names))
	for _, name := range names {
		rec, err := readRunRecord(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func readRunRecord(full string) (RunRecord, error) {
	// #nosec G304 -- callers resolve full inside the blob root.
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return RunRecord{}, ErrRunNotFound
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("read run ledger: %w", err)
	}
	var rec RunRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RunRecord{}, fmt.Errorf("decode run ledger: %w", err)
	}
	return rec, nil
}

// Close writes every run record seen since the sink was created.
func (s *LedgerSink) Close(ctx context.Context) error {
	if s.blobs == nil {
		return nil
	}
	for _, id := range s.order {
		rec := s.runs[id]
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return fmt.Errorf("encode run ledger: %w", err)
		}
		obj, err := s.blobs.PutObject(ctx, LedgerPath(rec.RunID), bytes.NewReader(data), nil)
		if err != nil {
			return fmt.Errorf("write run ledger: %w", err)
		}
		s.logger.Debug("run ledger written", zap.String("path", obj.Path))
	}
	return nil
}
