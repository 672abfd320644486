package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"
)

// KeyHasher digests raw API keys with a configured algorithm and a secret
// pepper. The same hasher feeds the subject resolver and the credential
// lookup so a key always maps to one hex identity.
type KeyHasher struct {
	algorithm string
	pepper    string
}

// NewKeyHasher validates the algorithm up front so a misconfigured digest
// fails at boot, not on the first request.
func NewKeyHasher(algorithm, pepper string) (*KeyHasher, error) {
	normalized := strings.ToLower(strings.TrimSpace(algorithm))
	switch normalized {
	case "", "sha256", "sha-256":
		normalized = "sha256"
	case "sha512", "sha-512":
		normalized = "sha512"
	default:
		return nil, fmt.Errorf("credentials: unsupported hash algorithm %q", algorithm)
	}
	return &KeyHasher{algorithm: normalized, pepper: pepper}, nil
}

// Hash returns the lowercase hex digest of raw mixed with the pepper.
func (h *KeyHasher) Hash(raw string) string {
	var digest hash.Hash
	switch h.algorithm {
	case "sha512":
		digest = sha512.New()
	default:
		digest = sha256.New()
	}
	digest.Write([]byte(raw + ":" + h.pepper))
	return hex.EncodeToString(digest.Sum(nil))
}

// GenerateRawKey mints a 256-bit url-safe token for a new client. Only its
// hash is stored; the raw value is shown once.
func GenerateRawKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("credentials: generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
