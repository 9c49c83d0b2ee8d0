// Package uuid mints run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// RunID names one harvester invocation. It is a UUIDv7, so ledger files
// written under runs/ sort by start time.
type RunID struct {
	id uuid.UUID
}

// NewRunID returns a fresh RunID.
func NewRunID() (RunID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RunID{}, fmt.Errorf("generate run id: %w", err)
	}
	return RunID{id: id}, nil
}

// ParseRunID accepts the textual form stored in metadata.json.
func ParseRunID(s string) (RunID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return RunID{}, fmt.Errorf("parse run id %q: %w", s, err)
	}
	return RunID{id: id}, nil
}

func (r RunID) String() string { return r.id.String() }

// Bytes is the binary form carried on progress events.
func (r RunID) Bytes() [16]byte { return r.id }

// IsZero reports whether r was never assigned.
func (r RunID) IsZero() bool { return r.id == uuid.Nil }
