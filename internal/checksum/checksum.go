// Package checksum computes the content fingerprints used as storage and
// traceability keys throughout the engine.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"regexp"
)

// HexLen is the length of a hex-encoded fingerprint.
const HexLen = sha256.Size * 2

var fingerprintRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader returns the hex-encoded SHA-256 digest of everything read from r.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Valid reports whether s looks like a fingerprint produced by Sum.
func Valid(s string) bool {
	return fingerprintRe.MatchString(s)
}

// Short returns the leading 12 characters of a fingerprint, the form used in
// visible marks and log lines. Short of anything shorter returns it unchanged.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}
