package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the milestone an Event reports.
type Stage string

// Supported progress stages.
const (
	StageRunStart         Stage = "RUN_START"
	StageRunDone          Stage = "RUN_DONE"
	StageRunError         Stage = "RUN_ERROR"
	StageRunStopped       Stage = "RUN_STOPPED"
	StageJournalStart     Stage = "JOURNAL_START"
	StageJournalDone      Stage = "JOURNAL_DONE"
	StageArticleScreened  Stage = "ARTICLE_SCREENED"
	StageArticleSaved     Stage = "ARTICLE_SAVED"
	StageDownloadProgress Stage = "DOWNLOAD_PROGRESS"
	StageDownloadDone     Stage = "DOWNLOAD_DONE"
)

// Event captures one step of a harvest run.
type Event struct {
	// RunID is the 16-byte form of the run UUID.
	RunID [16]byte
	TS    time.Time
	Stage Stage
	// Journal is the journal slug for journal and article stages.
	Journal string
	// URL is the article page or resource URL.
	URL string
	// Kind is the resource kind of download stages.
	Kind string
	// Outcome is passed/rejected for screening and success/blocked/failed
	// for downloads.
	Outcome string
	Bytes   int64
	// Total is the expected size of a download, zero when unknown.
	Total int64
	Dur   time.Duration
	Note  string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError, StageRunStopped:
	case StageJournalStart, StageJournalDone:
		if e.Journal == "" {
			return fmt.Errorf("%s requires journal", e.Stage)
		}
	case StageArticleScreened, StageArticleSaved:
		if e.URL == "" {
			return fmt.Errorf("%s requires url", e.Stage)
		}
		if e.Stage == StageArticleScreened && e.Outcome == "" {
			return errors.New("article screened requires outcome")
		}
	case StageDownloadProgress, StageDownloadDone:
		if e.URL == "" || e.Kind == "" {
			return fmt.Errorf("%s requires url and kind", e.Stage)
		}
		if e.Stage == StageDownloadDone && e.Outcome == "" {
			return errors.New("download done requires outcome")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Bytes < 0 || e.Total < 0 {
		return errors.New("byte counts must be >= 0")
	}
	return nil
}

// Percent reports download completion in [0,100], or -1 when the total is
// unknown.
func (e Event) Percent() int {
	if e.Total <= 0 {
		return -1
	}
	pct := int(e.Bytes * 100 / e.Total)
	if pct > 100 {
		return 100
	}
	return pct
}

// RunUUID converts the binary run ID back to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID decodes a textual run ID into the Event form.
func ParseRunID(s string) ([16]byte, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return [16]byte{}, fmt.Errorf("parse run id %q: %w", s, err)
	}
	return UUIDToBytes(id), nil
}
