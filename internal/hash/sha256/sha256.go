// Package sha256 provides SHA-256 hashing utilities for stable identifiers
// and page signatures.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher hashes byte slices to hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns the full hex digest.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Short hashes the input and returns the first 32 hex characters, enough
// to key the corpus without collisions at its scale.
func (h *Hasher) Short(data []byte) string {
	return h.Hash(data)[:32]
}
