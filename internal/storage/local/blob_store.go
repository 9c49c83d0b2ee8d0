// Package local implements an atomic local filesystem blob store. Every write
// lands in a temp file beside its destination and is renamed into place, so
// readers never observe a half-written artifact.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/codepaper-harvester/internal/hash/sha256"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory where blobs will be stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// Object describes a blob after it has been committed.
type Object struct {
	Path   string
	Bytes  int64
	SHA256 string
}

// VerifyFunc inspects the fully written temp file before it is committed.
// Returning an error discards the file.
type VerifyFunc func(f *os.File, size int64) error

// BlobStore writes artifacts to the local filesystem.
type BlobStore struct {
	baseDir string
	hasher  *sha256.Hasher
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{
		baseDir: filepath.Clean(cfg.BaseDir),
		hasher:  sha256.New(),
	}, nil
}

// BaseDir returns the store root.
func (s *BlobStore) BaseDir() string {
	return s.baseDir
}

// Resolve maps a slash-separated relative path onto the filesystem, refusing
// anything that escapes the base directory.
func (s *BlobStore) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	fullPath := filepath.Clean(filepath.Join(s.baseDir, filepath.FromSlash(path)))
	if !strings.HasPrefix(fullPath, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected: %q", path)
	}
	return fullPath, nil
}

// Exists reports whether a regular file is committed at path.
func (s *BlobStore) Exists(path string) bool {
	fullPath, err := s.Resolve(path)
	if err != nil {
		return false
	}
	info, err := os.Stat(fullPath)
	return err == nil && info.Mode().IsRegular()
}

// Stat describes an already committed blob, hashing its contents.
func (s *BlobStore) Stat(path string) (Object, error) {
	fullPath, err := s.Resolve(path)
	if err != nil {
		return Object{}, err
	}
	// #nosec G304 -- path is confined to baseDir by Resolve.
	f, err := os.Open(fullPath)
	if err != nil {
		return Object{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	digest := s.hasher.NewDigest()
	if _, err := io.Copy(digest, f); err != nil {
		return Object{}, fmt.Errorf("hash %s: %w", path, err)
	}
	return Object{Path: fullPath, Bytes: digest.Size(), SHA256: digest.Hex()}, nil
}

// PutObject streams data into path. The content is hashed while it is
// written, fsynced, optionally verified, and renamed into place. On any error
// nothing is left at path.
func (s *BlobStore) PutObject(ctx context.Context, path string, data io.Reader, verify VerifyFunc) (Object, error) {
	fullPath, err := s.Resolve(path)
	if err != nil {
		return Object{}, err
	}
	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return Object{}, fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+".*.part")
	if err != nil {
		return Object{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	digest := s.hasher.NewDigest()
	if _, err := io.Copy(io.MultiWriter(tmp, digest), contextReader{ctx: ctx, r: data}); err != nil {
		return Object{}, fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		return Object{}, fmt.Errorf("failed to sync %s: %w", path, err)
	}
	if verify != nil {
		if err := verify(tmp, digest.Size()); err != nil {
			return Object{}, fmt.Errorf("verify %s: %w", path, err)
		}
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return Object{}, fmt.Errorf("failed to commit %s: %w", path, err)
	}
	committed = true
	return Object{Path: fullPath, Bytes: digest.Size(), SHA256: digest.Hex()}, nil
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
