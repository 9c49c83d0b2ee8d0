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
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/codepaper-harvester/internal/harvest"
	"github.com/JakeFAU/codepaper-harvester/internal/storage/local"
)

// MetadataFile is the report file name inside an article directory.
const MetadataFile = "metadata.json"

const cacheDir = ".cache"

// ErrNotFound signals that the requested report does not exist.
var ErrNotFound = errors.New("metadata not found")

// Store reads and writes reports below the output root.
type Store struct {
	blobs  *local.BlobStore
	logger *zap.Logger
}

// New creates a Store over blobs.
func New(blobs *local.BlobStore, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{blobs: blobs, logger: logger.Named("store")}
}

// Root returns the output root.
func (s *Store) Root() string {
	return s.blobs.BaseDir()
}

// ArticleDir is the slash-separated article directory relative to the root.
func ArticleDir(category, slug string) string {
	return path.Join(harvest.SafeFilename(category), harvest.SafeFilename(slug))
}

// Save writes report to <root>/<category>/<slug>/metadata.json atomically.
func (s *Store) Save(ctx context.Context, report harvest.Report) (string, error) {
	if report.Category == "" || report.Slug == "" {
		return "", fmt.Errorf("save report %q: category and slug are required", report.DOI)
	}
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report %s: %w", report.DOI, err)
	}
	data = append(data, '\n')
	rel := path.Join(ArticleDir(report.Category, report.Slug), MetadataFile)
	obj, err := s.blobs.PutObject(ctx, rel, bytes.NewReader(data), nil)
	if err != nil {
		return "", fmt.Errorf("save report %s: %w", report.DOI, err)
	}
	s.logger.Debug("metadata saved", zap.String("path", obj.Path), zap.String("doi", report.DOI))
	return obj.Path, nil
}

// Exists reports whether an article already has a committed report.
func (s *Store) Exists(category, slug string) bool {
	return s.blobs.Exists(path.Join(ArticleDir(category, slug), MetadataFile))
}

// Load reads the report of one article.
func (s *Store) Load(category, slug string) (harvest.Report, error) {
	full, err := s.blobs.Resolve(path.Join(ArticleDir(category, slug), MetadataFile))
	if err != nil {
		return harvest.Report{}, err
	}
	return readReport(full)
}

func readReport(full string) (harvest.Report, error) {
	// #nosec G304 -- callers confine full to the output root.
	data, err := os.ReadFile(full)
	if errors.Is(err, fs.ErrNotExist) {
		return harvest.Report{}, fmt.Errorf("%s: %w", full, ErrNotFound)
	}
	if err != nil {
		return harvest.Report{}, fmt.Errorf("read %s: %w", full, err)
	}
	var report harvest.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return harvest.Report{}, fmt.Errorf("decode %s: %w", full, err)
	}
	return report, nil
}

// Walk calls fn for every report under the root in lexical path order. A
// report that cannot be decoded is logged and skipped.
func (s *Store) Walk(fn func(harvest.Report) error) error {
	var paths []string
	err := filepath.WalkDir(s.Root(), func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == cacheDir {
			return filepath.SkipDir
		}
		if !d.IsDir() && d.Name() == MetadataFile {
			paths = append(paths, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", s.Root(), err)
	}
	sort.Strings(paths)
	for _, p := range paths {
		report, err := readReport(p)
		if err != nil {
			s.logger.Warn("skipping unreadable metadata", zap.String("path", p), zap.Error(err))
			continue
		}
		if err := fn(report); err != nil {
			return err
		}
	}
	return nil
}
