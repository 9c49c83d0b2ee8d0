package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
)

// Rejections maps an article URL to the reason it was screened out.
type Rejections map[string]string

func rejectionsPath(journalSlug string) string {
	return path.Join(cacheDir, harvest.SafeFilename(journalSlug)+"_rejected.json")
}

// LoadRejections returns the cached rejections of a journal. A missing cache
// yields an empty map.
func (s *Store) LoadRejections(journalSlug string) (Rejections, error) {
	full, err := s.blobs.Resolve(rejectionsPath(journalSlug))
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the output root by Resolve.
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return Rejections{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read rejection cache: %w", err)
	}
	rejections := Rejections{}
	if err := json.Unmarshal(data, &rejections); err != nil {
		return nil, fmt.Errorf("decode rejection cache %s: %w", full, err)
	}
	return rejections, nil
}

// SaveRejections replaces the journal's rejection cache atomically.
func (s *Store) SaveRejections(ctx context.Context, journalSlug string, rejections Rejections) error {
	data, err := json.MarshalIndent(rejections, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rejection cache: %w", err)
	}
	if _, err := s.blobs.PutObject(ctx, rejectionsPath(journalSlug), bytes.NewReader(data), nil); err != nil {
		return fmt.Errorf("save rejection cache: %w", err)
	}
	return nil
}
