package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

const (
	// EnvKey names the environment variable holding the HMAC secret.
	EnvKey = "FINLEARN_TOKEN_HMAC_KEY" // #nosec G101 -- variable name, not a secret

	// MinKeyBytes is the shortest key accepted when HMAC is required.
	MinKeyBytes = 32

	defaultTokenBytes = 32
)

// Hasher turns plain tokens into storage digests. The zero value hashes
// with SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher keyed with key. An empty key selects SHA-256.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// FromEnv builds a Hasher from FINLEARN_TOKEN_HMAC_KEY. With requireHMAC
// set, a missing or short key is an error instead of a SHA-256 fallback.
func FromEnv(requireHMAC bool) (Hasher, error) {
	raw := strings.TrimSpace(os.Getenv(EnvKey))
	if !requireHMAC {
		return NewHasher([]byte(raw)), nil
	}
	switch {
	case raw == "":
		return Hasher{}, fmt.Errorf("%s: %w", EnvKey, ErrKeyMissing)
	case len(raw) < MinKeyBytes:
		return Hasher{}, fmt.Errorf("%s: %w (min %d bytes)", EnvKey, ErrKeyTooShort, MinKeyBytes)
	}
	return NewHasher([]byte(raw)), nil
}

// Keyed reports whether h produces HMAC digests.
func (h Hasher) Keyed() bool { return len(h.key) > 0 }

// Hash returns the hex digest stored for plain.
func (h Hasher) Hash(plain string) string {
	if !h.Keyed() {
		sum := sha256.Sum256([]byte(plain))
		return hex.EncodeToString(sum[:])
	}
	m := hmac.New(sha256.New, h.key)
	_, _ = m.Write([]byte(plain))
	return hex.EncodeToString(m.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// NewOpaque returns nBytes of randomness as unpadded base64url.
func NewOpaque(nBytes int) (string, error) {
	if nBytes <= 0 {
		nBytes = defaultTokenBytes
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
