// Package hash produces content fingerprints for sync change detection.
//
// Both local file bytes and rendered remote markdown are hashed over the
// same canonical byte form, so that a pull followed by a re-read of the
// written file yields an identical fingerprint when nothing changed.
package hash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
)

// Canonicalize returns the canonical byte form used for hashing and for
// writing files to disk: line endings are normalized to LF and the content
// ends with exactly one trailing newline. Empty input stays empty.
func Canonicalize(b []byte) []byte {
	if len(b) == 0 {
		return []byte{}
	}

	out := bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	out = bytes.ReplaceAll(out, []byte("\r"), []byte("\n"))

	// Exactly one trailing newline.
	out = bytes.TrimRight(out, "\n")
	out = append(out, '\n')

	return out
}

// Sum returns the hex-encoded SHA-256 digest of b as given.
func Sum(b []byte) string {
	digest := sha256.Sum256(b)
	return hex.EncodeToString(digest[:])
}

// SumCanonical canonicalizes b and returns its digest. This is the
// fingerprint recorded in the state store for both sides of an entry.
func SumCanonical(b []byte) string {
	return Sum(Canonicalize(b))
}
