package secure

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the SHA-256 hex digest of a raw credential string.
// It is the only identity used to look up presented credentials.
func Fingerprint(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Display returns a non-sensitive abbreviation of a credential for logs:
// "first4.." for short credentials, "first4..last4" otherwise.
func Display(raw string) string {
	if len(raw) <= 8 {
		if len(raw) <= 4 {
			return raw + ".."
		}
		return raw[:4] + ".."
	}
	return raw[:4] + ".." + raw[len(raw)-4:]
}
