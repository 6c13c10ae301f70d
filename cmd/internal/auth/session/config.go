package session

import (
	"os"
	"strconv"
	"time"
)

// Config defines runtime configuration for the session subsystem.
type Config struct {
	// Issuer is the "iss" claim of access tokens.
	Issuer string

	AccessTokenTTL time.Duration

	// RefreshTTL applies to ordinary logins; RefreshTTLRemember to "remember me".
	RefreshTTL         time.Duration
	RefreshTTLRemember time.Duration

	// ClockSkew is tolerated during token validation.
	ClockSkew time.Duration

	// RefreshTokenBytes is the entropy of opaque refresh tokens.
	RefreshTokenBytes int

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key used to sign
	// PASETO v4.public access tokens.
	PasetoV4SecretKeyHex string
}

func DefaultConfig() Config {
	return Config{
		Issuer:             "finlearn",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTTL:         24 * time.Hour,
		RefreshTTLRemember: 30 * 24 * time.Hour,
		ClockSkew:          30 * time.Second,
		RefreshTokenBytes:  32,
	}
}

// LoadConfigFromEnv loads session configuration from environment variables.
//
// Required:
//   - FINLEARN_PASETO_V4_SECRET_KEY_HEX
//
// Optional (Go duration strings):
//   - FINLEARN_AUTH_ISSUER
//   - FINLEARN_AUTH_ACCESS_TTL
//   - FINLEARN_AUTH_REFRESH_TTL
//   - FINLEARN_AUTH_REFRESH_TTL_REMEMBER
//   - FINLEARN_AUTH_CLOCK_SKEW
//   - FINLEARN_AUTH_REFRESH_TOKEN_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("FINLEARN_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	durations := []struct {
		key      string
		dst      *time.Duration
		allowZero bool
	}{
		{"FINLEARN_AUTH_ACCESS_TTL", &cfg.AccessTokenTTL, false},
		{"FINLEARN_AUTH_REFRESH_TTL", &cfg.RefreshTTL, false},
		{"FINLEARN_AUTH_REFRESH_TTL_REMEMBER", &cfg.RefreshTTLRemember, false},
		{"FINLEARN_AUTH_CLOCK_SKEW", &cfg.ClockSkew, true},
	}
	for _, d := range durations {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed < 0 || (parsed == 0 && !d.allowZero) {
			return Config{}, ErrConfig
		}
		*d.dst = parsed
	}

	if v := os.Getenv("FINLEARN_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	cfg.PasetoV4SecretKeyHex = os.Getenv("FINLEARN_PASETO_V4_SECRET_KEY_HEX")
	if cfg.PasetoV4SecretKeyHex == "" {
		return Config{}, ErrConfig
	}

	if cfg.RefreshTTLRemember < cfg.RefreshTTL {
		return Config{}, ErrConfig
	}

	return cfg, nil
}
