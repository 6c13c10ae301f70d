package password

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Params is the Argon2id cost. MemoryKiB is in KiB as argon2.IDKey expects.
type Params struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy bounds acceptable passwords. Lengths count runes.
type Policy struct {
	MinLength    int
	MaxLength    int
	RejectCommon bool
}

type Config struct {
	Params Params
	Policy Policy
}

func DefaultConfig() Config {
	lanes := min(max(runtime.NumCPU(), 1), 4)
	return Config{
		Params: Params{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(lanes), // #nosec G115 -- clamped to [1..4]
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength:    10,
			MaxLength:    256,
			RejectCommon: true,
		},
	}
}

type envUint struct {
	key      string
	min, max uint64
	set      func(*Config, uint64)
}

var envUints = []envUint{
	{"FINLEARN_PASSWORD_MIN_LEN", 1, 1024, func(c *Config, v uint64) { c.Policy.MinLength = int(v) }},
	{"FINLEARN_PASSWORD_MAX_LEN", 1, 4096, func(c *Config, v uint64) { c.Policy.MaxLength = int(v) }},
	{"FINLEARN_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, func(c *Config, v uint64) { c.Params.MemoryKiB = uint32(v) }},
	{"FINLEARN_ARGON2_ITERATIONS", 1, 20, func(c *Config, v uint64) { c.Params.Iterations = uint32(v) }},
	{"FINLEARN_ARGON2_PARALLELISM", 1, 64, func(c *Config, v uint64) { c.Params.Parallelism = uint8(v) }},
	{"FINLEARN_ARGON2_SALT_LEN", 8, 64, func(c *Config, v uint64) { c.Params.SaltLength = uint32(v) }},
	{"FINLEARN_ARGON2_KEY_LEN", 16, 64, func(c *Config, v uint64) { c.Params.KeyLength = uint32(v) }},
}

// LoadConfigFromEnv applies FINLEARN_PASSWORD_* and FINLEARN_ARGON2_*
// overrides to DefaultConfig. Values are range checked.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	for _, e := range envUints {
		raw, ok := os.LookupEnv(e.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil || v < e.min || v > e.max {
			return Config{}, fmt.Errorf("%w: %s must be an integer in [%d..%d]", ErrConfig, e.key, e.min, e.max)
		}
		e.set(&cfg, v)
	}

	if raw, ok := os.LookupEnv("FINLEARN_PASSWORD_REJECT_COMMON"); ok && strings.TrimSpace(raw) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("%w: FINLEARN_PASSWORD_REJECT_COMMON: %v", ErrConfig, err)
		}
		cfg.Policy.RejectCommon = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf("%w: min length %d exceeds max length %d", ErrConfig, cfg.Policy.MinLength, cfg.Policy.MaxLength)
	}
	return cfg, nil
}
