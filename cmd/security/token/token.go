package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "TETHER_TOKEN_HMAC_KEY"

	// FingerprintLen is the number of hex characters kept in a fingerprint.
	FingerprintLen = 16
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// Fingerprint returns a short digest of tok suitable for logs.
// Empty tokens yield an empty fingerprint.
func Fingerprint(tok string) string {
	if tok == "" {
		return ""
	}
	var digest string
	if key := strings.TrimSpace(os.Getenv(HMACEnvKey)); key != "" {
		digest = HashHMACSHA256Hex(tok, []byte(key))
	} else {
		digest = HashSHA256Hex(tok)
	}
	return digest[:FingerprintLen]
}

// HMACKeyFromEnv returns the fingerprint HMAC key, enforcing a minimum length in bytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	key := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if key == "" {
		return nil, ErrHMACKeyMissing
	}
	if len(key) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return []byte(key), nil
}

// HMACEnabled reports whether fingerprints are currently keyed.
func HMACEnabled() bool {
	return strings.TrimSpace(os.Getenv(HMACEnvKey)) != ""
}
