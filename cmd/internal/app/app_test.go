package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/security/token"
)

var fixedTime = time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// cheapAuthEnv keeps Argon2 fast and clears any signing key from the host.
func cheapAuthEnv(t *testing.T) {
	t.Helper()
	t.Setenv(pasetoKeyEnv, "")
	t.Setenv(token.EnvKey, "")
	t.Setenv("FINLEARN_ARGON2_MEMORY_KIB", "8192")
	t.Setenv("FINLEARN_ARGON2_ITERATIONS", "1")
	t.Setenv("FINLEARN_ARGON2_PARALLELISM", "1")
}

func TestRuntimeBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   string
		want string
	}{
		{name: "explicit localhost", in: "127.0.0.1:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v4", in: "0.0.0.0:8080", want: "http://127.0.0.1:8080"},
		{name: "bind all v6", in: "[::]:9090", want: "http://127.0.0.1:9090"},
		{name: "port only", in: ":7070", want: "http://127.0.0.1:7070"},
		{name: "ipv6 host", in: "[2001:db8::1]:9090", want: "http://[2001:db8::1]:9090"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := runtimeBaseURL(tc.in)
			if got != tc.want {
				t.Fatalf("runtimeBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestWSBaseURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
	}{
		{in: "http://127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
		{in: "https://learn.example.com", want: "wss://learn.example.com"},
		{in: "127.0.0.1:8080", want: "ws://127.0.0.1:8080"},
	}

	for _, tc := range cases {
		got := wsBaseURL(tc.in)
		if got != tc.want {
			t.Fatalf("wsBaseURL(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestLoadConfig_EnvAndBackend(t *testing.T) {
	t.Setenv("FINLEARN_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("FINLEARN_CORS_ALLOWED_ORIGINS", "https://a.example.com, http://127.0.0.1:*")
	t.Setenv("FINLEARN_WATCHDOG_INACTIVITY_TIMEOUT", "90s")
	t.Setenv("FINLEARN_DATABASE_URL", "")
	t.Setenv("FINLEARN_PROFILE_BACKEND", "")

	cfg := LoadConfig()
	if cfg.HTTPAddr != "127.0.0.1:9000" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "http://127.0.0.1:*" {
		t.Fatalf("CORSAllowedOrigins=%v", cfg.CORSAllowedOrigins)
	}
	if cfg.WatchdogInactivityTimeout != 90*time.Second {
		t.Fatalf("WatchdogInactivityTimeout=%v", cfg.WatchdogInactivityTimeout)
	}
	if got := cfg.profileBackend(); got != ProfileBackendMemory {
		t.Fatalf("profileBackend=%q want=%q", got, ProfileBackendMemory)
	}

	cfg.DatabaseURL = "postgres://localhost/finlearn"
	if got := cfg.profileBackend(); got != ProfileBackendPostgres {
		t.Fatalf("profileBackend=%q want=%q", got, ProfileBackendPostgres)
	}
	cfg.ProfileBackend = ProfileBackendRedis
	if got := cfg.profileBackend(); got != ProfileBackendRedis {
		t.Fatalf("profileBackend=%q want=%q", got, ProfileBackendRedis)
	}
}

func TestValidateSecurityConfig(t *testing.T) {
	t.Setenv(token.EnvKey, "short")
	if _, err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); !errors.Is(err, token.ErrKeyTooShort) {
		t.Fatalf("err=%v want=%v", err, token.ErrKeyTooShort)
	}

	t.Setenv(token.EnvKey, "")
	if _, err := ValidateSecurityConfig(Config{RequireTokenHMAC: true}); !errors.Is(err, token.ErrKeyMissing) {
		t.Fatalf("err=%v want=%v", err, token.ErrKeyMissing)
	}
	h, err := ValidateSecurityConfig(Config{})
	if err != nil || h.Keyed() {
		t.Fatalf("unkeyed fallback: keyed=%v err=%v", h.Keyed(), err)
	}

	t.Setenv(token.EnvKey, strings.Repeat("k", token.MinKeyBytes))
	h, err = ValidateSecurityConfig(Config{RequireTokenHMAC: true})
	if err != nil || !h.Keyed() {
		t.Fatalf("keyed=%v err=%v", h.Keyed(), err)
	}
}

func TestNew_RequiresSigningKey(t *testing.T) {
	cheapAuthEnv(t)

	_, err := New(context.Background(), Config{ProfileBackend: ProfileBackendMemory}, discardLogger())
	if !errors.Is(err, session.ErrConfig) {
		t.Fatalf("err=%v want=%v", err, session.ErrConfig)
	}
}

func TestNew_BackendNeedsConnection(t *testing.T) {
	cheapAuthEnv(t)

	for _, backend := range []string{ProfileBackendPostgres, ProfileBackendRedis, "etcd"} {
		_, err := New(context.Background(), Config{ProfileBackend: backend, DevEphemeralKey: true}, discardLogger())
		if err == nil {
			t.Fatalf("backend %q: expected error", backend)
		}
	}
}

func TestWatchdogConfig_FileThenEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "watchdog.toml")
	policy := "inactivity_timeout = \"5m\"\nprotected_prefixes = [\"/dashboard\", \"/lessons\"]\n"
	if err := os.WriteFile(path, []byte(policy), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	a := &App{cfg: Config{WatchdogPolicyFile: path}}
	cfg, err := a.watchdogConfig()
	if err != nil {
		t.Fatalf("watchdogConfig: %v", err)
	}
	if cfg.InactivityTimeout != 5*time.Minute {
		t.Fatalf("InactivityTimeout=%v want=5m", cfg.InactivityTimeout)
	}
	if !cfg.IsProtected("/lessons/42") {
		t.Fatalf("/lessons/42 should be protected")
	}

	a.cfg.WatchdogInactivityTimeout = 2 * time.Minute
	cfg, err = a.watchdogConfig()
	if err != nil {
		t.Fatalf("watchdogConfig: %v", err)
	}
	if cfg.InactivityTimeout != 2*time.Minute {
		t.Fatalf("InactivityTimeout=%v want=2m", cfg.InactivityTimeout)
	}
}

func TestApp_ServesProbesAndMetrics(t *testing.T) {
	cheapAuthEnv(t)

	a, err := New(context.Background(), Config{
		ProfileBackend:     ProfileBackendMemory,
		DevEphemeralKey:    true,
		CORSAllowedOrigins: []string{"http://127.0.0.1:*"},
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)

	mux := http.NewServeMux()
	a.registerHTTP(mux)
	srv := httptest.NewServer(a.handler(mux))
	t.Cleanup(srv.Close)

	get := func(path string) (*http.Response, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}
		return resp, string(body)
	}

	resp, body := get("/healthz")
	if resp.StatusCode != http.StatusOK || body != "ok\n" {
		t.Fatalf("/healthz status=%d body=%q", resp.StatusCode, body)
	}
	if resp.Header.Get(requestIDHeader) == "" {
		t.Fatalf("/healthz missing %s", requestIDHeader)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("/healthz missing security headers")
	}

	resp, _ = get("/readyz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/readyz status=%d", resp.StatusCode)
	}

	resp, body = get("/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/metrics status=%d", resp.StatusCode)
	}
	for _, want := range []string{"finlearn_ws_connections", "finlearn_watchdog_armed", "go_goroutines"} {
		if !strings.Contains(body, want) {
			t.Fatalf("/metrics missing %s", want)
		}
	}

	resp, _ = get("/me")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("/me without bearer status=%d want=401", resp.StatusCode)
	}
}

func TestApp_ReadinessRequiresDB(t *testing.T) {
	cheapAuthEnv(t)

	a, err := New(context.Background(), Config{
		ProfileBackend:     ProfileBackendMemory,
		DevEphemeralKey:    true,
		ReadinessRequireDB: true,
	}, discardLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(a.close)

	mux := http.NewServeMux()
	a.registerHTTP(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz status=%d want=503", rr.Code)
	}
}
