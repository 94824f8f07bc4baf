// Package auth provides credential key generation and safe-logging helpers.
// The credential service is its only importer.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

// GenerateHex returns n random bytes CSPRNG-encoded as a lowercase hex string.
func GenerateHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// GenerateKey returns an opaque access key of the form "{prefix}{32 hex}"
// (≥128 bits of entropy, spec §3).
func GenerateKey(prefix string) (string, error) {
	suffix, err := GenerateHex(16)
	if err != nil {
		return "", err
	}
	return prefix + suffix, nil
}

// GenerateTunnelID returns a human-facing "T-" + 8 hex identifier (spec §3).
func GenerateTunnelID() (string, error) {
	suffix, err := GenerateHex(4)
	if err != nil {
		return "", err
	}
	return "T-" + suffix, nil
}

// ConstantTimeEquals compares two strings in constant time. It has no callers
// outside its own test.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Redact returns at most the first 10 characters of a secret, for logging.
// Per spec §7, an access key must never be logged beyond a short prefix.
func Redact(secret string) string {
	const maxPrefix = 10
	if len(secret) <= maxPrefix {
		return secret
	}
	return secret[:maxPrefix] + "…"
}
