package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// envValue parses the trimmed value of key with parse. Unset, empty, or
// unparsable values yield def.
func envValue[T any](key string, def T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if v, ok := parse(raw); ok {
		return v
	}
	return def
}

func EnvString(key, def string) string {
	return envValue(key, def, func(s string) (string, bool) { return s, true })
}

func EnvBool(key string, def bool) bool {
	return envValue(key, def, func(s string) (bool, bool) {
		b, err := strconv.ParseBool(s)
		return b, err == nil
	})
}

// EnvInt and EnvInt32 reject negative values.
func EnvInt(key string, def int) int {
	return envValue(key, def, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil && n >= 0
	})
}

func EnvInt32(key string, def int32) int32 {
	return envValue(key, def, func(s string) (int32, bool) {
		n, err := strconv.ParseInt(s, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration accepts only positive Go durations ("90s", "15m").
func EnvDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, func(s string) (time.Duration, bool) {
		d, err := time.ParseDuration(s)
		return d, err == nil && d > 0
	})
}

// EnvCSV splits a comma-separated list, dropping blank items. def uses the
// same syntax.
func EnvCSV(key, def string) []string {
	var out []string
	for _, p := range strings.Split(EnvString(key, def), ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
