package app

import (
	"fmt"
	"os"
	"strings"

	"finlearn/cmd/security/token"

	paseto "aidanwoods.dev/go-paseto"
)

const pasetoKeyEnv = "FINLEARN_PASETO_V4_SECRET_KEY_HEX" // #nosec G101 -- variable name, not a secret

// ValidateSecurityConfig enforces the token hashing policy at startup and
// returns the hasher sessions should use for refresh tokens.
func ValidateSecurityConfig(cfg Config) (token.Hasher, error) {
	h, err := token.FromEnv(cfg.RequireTokenHMAC)
	if err != nil {
		return token.Hasher{}, fmt.Errorf("security policy: FINLEARN_REQUIRE_TOKEN_HMAC=true: %w", err)
	}
	if cfg.RequireTokenHMAC && !h.Keyed() {
		return token.Hasher{}, fmt.Errorf("security policy: token hasher is not in HMAC mode")
	}
	return h, nil
}

// ensureSigningKey installs a per-process PASETO key when the operator asked
// for one and none is configured. It reports whether a key was generated.
func ensureSigningKey(cfg Config) bool {
	if !cfg.DevEphemeralKey || strings.TrimSpace(os.Getenv(pasetoKeyEnv)) != "" {
		return false
	}
	_ = os.Setenv(pasetoKeyEnv, paseto.NewV4AsymmetricSecretKey().ExportHex())
	return true
}
