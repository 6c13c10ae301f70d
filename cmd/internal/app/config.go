package app

import "time"

// Profile store backends.
const (
	ProfileBackendMemory   = "memory"
	ProfileBackendPostgres = "postgres"
	ProfileBackendRedis    = "redis"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ProfileBackend selects where activeSessionId lives. Empty picks
	// postgres when a database is configured and memory otherwise.
	ProfileBackend string

	// WatchdogPolicyFile is an optional TOML file; WatchdogInactivityTimeout
	// overrides the file when set.
	WatchdogPolicyFile        string
	WatchdogInactivityTimeout time.Duration

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, FINLEARN_TOKEN_HMAC_KEY must be set (>= 32 bytes).
	RequireTokenHMAC bool

	// DevEphemeralKey signs access tokens with a per-process key when no
	// PASETO key is configured. Tokens do not survive a restart.
	DevEphemeralKey bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("FINLEARN_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("FINLEARN_LOG_LEVEL", "info"),
		LogFormat: EnvString("FINLEARN_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("FINLEARN_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("FINLEARN_HTTP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:      EnvDuration("FINLEARN_HTTP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:       EnvDuration("FINLEARN_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("FINLEARN_HTTP_MAX_HEADER_BYTES", 1<<20),

		DatabaseURL: EnvString("FINLEARN_DATABASE_URL", ""),
		DBSchema:    EnvString("FINLEARN_DB_SCHEMA", "finlearn"),
		DBMaxConns:  EnvInt32("FINLEARN_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("FINLEARN_DB_MIN_CONNS", 0),

		RedisAddr:     EnvString("FINLEARN_REDIS_ADDR", ""),
		RedisPassword: EnvString("FINLEARN_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("FINLEARN_REDIS_DB", 0),

		ProfileBackend: EnvString("FINLEARN_PROFILE_BACKEND", ""),

		WatchdogPolicyFile:        EnvString("FINLEARN_WATCHDOG_POLICY_FILE", ""),
		WatchdogInactivityTimeout: EnvDuration("FINLEARN_WATCHDOG_INACTIVITY_TIMEOUT", 0),

		ReadinessRequireDB: EnvBool("FINLEARN_READINESS_REQUIRE_DB", false),
		RequireTokenHMAC:   EnvBool("FINLEARN_REQUIRE_TOKEN_HMAC", false),
		DevEphemeralKey:    EnvBool("FINLEARN_DEV_EPHEMERAL_KEY", false),

		CORSAllowedOrigins:   EnvCSV("FINLEARN_CORS_ALLOWED_ORIGINS", ""),
		CORSAllowCredentials: EnvBool("FINLEARN_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("FINLEARN_CORS_MAX_AGE_SECONDS", 600),
	}
}

// profileBackend resolves the effective backend.
func (c Config) profileBackend() string {
	if c.ProfileBackend != "" {
		return c.ProfileBackend
	}
	if c.DatabaseURL != "" {
		return ProfileBackendPostgres
	}
	return ProfileBackendMemory
}
