package authapi

import (
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Config controls auth API behavior.
type Config struct {
	AllowRegistration bool
	TrustProxy        bool
	MaxBodyBytes      int64

	// LoginRate and LoginBurst bound login and registration attempts per
	// client IP.
	LoginRate  rate.Limit
	LoginBurst int
	// LimiterIdleTTL drops per-IP limiters that have not been used for this long.
	LimiterIdleTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		AllowRegistration: true,
		MaxBodyBytes:      64 << 10,
		LoginRate:         rate.Every(6 * time.Second),
		LoginBurst:        10,
		LimiterIdleTTL:    15 * time.Minute,
	}
}

// LoadConfigFromEnv reads FINLEARN_AUTH_* variables over DefaultConfig.
// Malformed values fall back to the default.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		AllowRegistration: envBool("FINLEARN_AUTH_ALLOW_REGISTRATION", def.AllowRegistration),
		TrustProxy:        envBool("FINLEARN_AUTH_TRUST_PROXY", def.TrustProxy),
		MaxBodyBytes:      envInt64("FINLEARN_AUTH_MAX_BODY_BYTES", def.MaxBodyBytes),
		LoginBurst:        envInt("FINLEARN_AUTH_LOGIN_BURST", def.LoginBurst),
		LimiterIdleTTL:    envDuration("FINLEARN_AUTH_LIMITER_IDLE_TTL", def.LimiterIdleTTL),
		LoginRate:         def.LoginRate,
	}
	if every := envDuration("FINLEARN_AUTH_LOGIN_INTERVAL", 0); every > 0 {
		cfg.LoginRate = rate.Every(every)
	}
	return cfg
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
