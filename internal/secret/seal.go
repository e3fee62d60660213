// Package secret seals secret-bearing MCP server config fields at rest.
package secret

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const sealedPrefix = "sealed:"

// secret-bearing config field names (matched as substrings, lower-cased)
var secretFieldIndicators = []string{"token", "secret", "password", "api_key", "apikey", "credential"}

// Sealer encrypts and decrypts individual config values with a key derived
// from the instance secret.
type Sealer struct {
	key [32]byte
}

// NewSealer derives the sealing key from the instance secret string
func NewSealer(instanceSecret string) (*Sealer, error) {
	if instanceSecret == "" {
		return nil, fmt.Errorf("instance secret must not be empty")
	}
	s := &Sealer{key: sha256.Sum256([]byte(instanceSecret))}
	return s, nil
}

// Seal encrypts one value. Already-sealed values pass through unchanged so
// re-saving a record never double-seals.
func (s *Sealer) Seal(plain string) (string, error) {
	if strings.HasPrefix(plain, sealedPrefix) {
		return plain, nil
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	box := secretbox.Seal(nonce[:], []byte(plain), &nonce, &s.key)
	return sealedPrefix + base64.StdEncoding.EncodeToString(box), nil
}

// Open decrypts one sealed value. Plain values pass through unchanged.
func (s *Sealer) Open(value string) (string, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return value, nil
	}
	box, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("malformed sealed value: %w", err)
	}
	if len(box) < 24 {
		return "", fmt.Errorf("malformed sealed value: too short")
	}
	var nonce [24]byte
	copy(nonce[:], box[:24])
	plain, ok := secretbox.Open(nil, box[24:], &nonce, &s.key)
	if !ok {
		return "", fmt.Errorf("failed to open sealed value")
	}
	return string(plain), nil
}

// IsSecretField reports whether a config field name looks secret-bearing
func IsSecretField(name string) bool {
	lower := strings.ToLower(name)
	for _, indicator := range secretFieldIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

// SealConfig seals every secret-bearing field of a config map in place
func (s *Sealer) SealConfig(config map[string]string) error {
	for k, v := range config {
		if !IsSecretField(k) {
			continue
		}
		sealed, err := s.Seal(v)
		if err != nil {
			return fmt.Errorf("failed to seal config field %q: %w", k, err)
		}
		config[k] = sealed
	}
	return nil
}

// MaskConfig returns a copy of a config map with sealed/secret fields masked
// for display
func MaskConfig(config map[string]string) map[string]string {
	if config == nil {
		return nil
	}
	out := make(map[string]string, len(config))
	for k, v := range config {
		if IsSecretField(k) && v != "" {
			out[k] = "•••"
			continue
		}
		out[k] = v
	}
	return out
}
