// Package sha256 provides SHA-256 hashing utilities.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// FingerprintLen is the number of hex characters a Fingerprint keeps.
const FingerprintLen = 16

// Hasher hashes content with SHA-256.
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

// Fingerprint returns a short, case-insensitive digest of a URI, used to
// tag items in the crawl log.
func (h *Hasher) Fingerprint(uri string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(uri)))
	return hex.EncodeToString(sum[:])[:FingerprintLen]
}
