package session

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// FingerprintOf returns the canonical textual fingerprint of an identity
// key: the lowercase hex encoding of its SHA-256 digest.
func FingerprintOf(identityKey []byte) string {
	sum := sha256.Sum256(identityKey)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint canonicalizes a fingerprint for comparison and
// storage: whitespace stripped, lowercase.
func NormalizeFingerprint(fingerprint string) string {
	var b strings.Builder
	b.Grow(len(fingerprint))
	for _, r := range fingerprint {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
