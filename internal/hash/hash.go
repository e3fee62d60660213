// Package hash provides SHA-256 helpers for argument fingerprinting and
// audit token fingerprints.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// ArgsHash computes a stable SHA-256 over a tool-argument map. Keys are
// serialized in sorted order so logically equal maps hash identically.
func ArgsHash(args map[string]interface{}) (string, error) {
	if args == nil {
		return StringHash(""), nil
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	hasher := sha256.New()
	for _, k := range keys {
		v, err := json.Marshal(args[k])
		if err != nil {
			return "", fmt.Errorf("failed to marshal arg %q: %w", k, err)
		}
		hasher.Write([]byte(k))
		hasher.Write([]byte{0})
		hasher.Write(v)
		hasher.Write([]byte{0})
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// StringHash computes SHA-256 hash of a string
func StringHash(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// TokenFingerprint returns a short non-reversible fingerprint of an admin
// token for audit rows. Never log the token itself.
func TokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return StringHash(token)[:12]
}
