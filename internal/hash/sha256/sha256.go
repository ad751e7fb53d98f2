// Package sha256 derives stable cache fingerprints from shard locators.
//
// A fingerprint is the lowercase hex SHA-256 digest of the locator's UTF-8 bytes.
// The scheme is part of the on-disk cache format: changing it orphans every
// existing cache entry.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprinter implements cache.Fingerprinter using SHA-256.
type Fingerprinter struct{}

// New returns a SHA-256 fingerprinter.
func New() *Fingerprinter {
	return &Fingerprinter{}
}

// Fingerprint returns the hex digest of locator.
func (Fingerprinter) Fingerprint(locator string) string {
	sum := sha256.Sum256([]byte(locator))
	return hex.EncodeToString(sum[:])
}
