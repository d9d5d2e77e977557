// Package hash provides the one-way digest used for refresh tokens at rest.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the lowercase hex SHA-256 of raw. Deterministic and
// unsalted: the input is already a high-entropy random value, the digest only
// keeps the raw token out of storage.
func Digest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
