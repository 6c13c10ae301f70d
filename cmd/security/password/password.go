package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

var b64 = base64.RawStdEncoding

var common = map[string]struct{}{
	"password": {}, "password1": {}, "password123": {}, "qwerty123": {},
	"1234567890": {}, "123456789": {}, "letmein123": {}, "iloveyou1": {},
	"finlearn123": {},
}

// Check applies the policy to pw without hashing it.
func (c Config) Check(pw string) error {
	n := utf8.RuneCountInString(pw)
	switch {
	case n < c.Policy.MinLength:
		return ErrTooShort
	case n > c.Policy.MaxLength:
		return ErrTooLong
	}
	if c.Policy.RejectCommon {
		if _, ok := common[strings.ToLower(strings.TrimSpace(pw))]; ok {
			return ErrTooCommon
		}
	}
	return nil
}

// Hash checks pw against the policy and returns its PHC string.
func (c Config) Hash(pw string) (string, error) {
	if err := c.Check(pw); err != nil {
		return "", err
	}
	p := c.Params
	salt := make([]byte, p.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("password: salt: %w", err)
	}
	key := argon2.IDKey([]byte(pw), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKiB, p.Iterations, p.Parallelism,
		b64.EncodeToString(salt), b64.EncodeToString(key)), nil
}

// Verify reports whether pw matches encoded. A mismatch is (false, nil);
// a malformed or overpriced hash is ErrInvalidHash.
func (c Config) Verify(encoded, pw string) (bool, error) {
	p, salt, want, err := parsePHC(encoded)
	if err != nil {
		return false, err
	}
	if !c.affordable(p) {
		return false, ErrInvalidHash
	}
	got := argon2.IDKey([]byte(pw), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// affordable allows older, cheaper hashes but refuses more than twice the
// configured cost.
func (c Config) affordable(p Params) bool {
	lim := c.Params
	return p.MemoryKiB <= lim.MemoryKiB*2 &&
		p.Iterations <= lim.Iterations*2 &&
		uint32(p.Parallelism) <= uint32(lim.Parallelism)*2 &&
		p.SaltLength >= 8 && p.SaltLength <= 64 &&
		p.KeyLength >= 16 && p.KeyLength <= 128
}

func parsePHC(encoded string) (Params, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if parts[2] != fmt.Sprintf("v=%d", argon2.Version) {
		return Params{}, nil, nil, ErrInvalidHash
	}

	var mem, iter, lanes uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &iter, &lanes); err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if mem == 0 || iter == 0 || lanes == 0 || lanes > 255 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	key, err := b64.DecodeString(parts[5])
	if err != nil {
		return Params{}, nil, nil, ErrInvalidHash
	}
	if len(salt) > 64 || len(key) > 128 {
		return Params{}, nil, nil, ErrInvalidHash
	}

	return Params{
		MemoryKiB:   mem,
		Iterations:  iter,
		Parallelism: uint8(lanes),      // #nosec G115 -- checked above
		SaltLength:  uint32(len(salt)), // #nosec G115 -- bounded above
		KeyLength:   uint32(len(key)),  // #nosec G115 -- bounded above
	}, salt, key, nil
}
