// Package sha256 provides SHA-256 checksums for downloaded artifacts.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Hasher computes hex SHA-256 digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Digest accumulates a checksum over streamed writes, so a download can be
// hashed while it is copied to disk.
type Digest struct {
	h hash.Hash
	n int64
}

// NewDigest starts an empty streaming digest.
func (h *Hasher) NewDigest() *Digest {
	return &Digest{h: sha256.New()}
}

// Write implements io.Writer.
func (d *Digest) Write(p []byte) (int, error) {
	n, err := d.h.Write(p)
	d.n += int64(n)
	return n, err
}

// Hex returns the digest of everything written so far.
func (d *Digest) Hex() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size reports the number of bytes written.
func (d *Digest) Size() int64 {
	return d.n
}
