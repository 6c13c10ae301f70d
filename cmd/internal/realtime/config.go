package realtime

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 64
	wsMinSendQueueSize     = 16

	wsDefaultWriteTimeout = 5 * time.Second
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// Config holds gateway transport settings.
type Config struct {
	// InsecureSkipVerify disables websocket.Accept's origin check. Dev only.
	InsecureSkipVerify bool
	OriginRequired     bool
	AllowedOrigins     []string

	WriteTimeout  time.Duration
	HelloTimeout  time.Duration
	SendQueueSize int

	HeartbeatEvery   time.Duration
	HeartbeatTimeout time.Duration

	RateEvents int
	RateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		OriginRequired:   true,
		AllowedOrigins:   splitCSV(wsDefaultAllowedOrigins),
		WriteTimeout:     wsDefaultWriteTimeout,
		HelloTimeout:     helloTimeout,
		SendQueueSize:    wsDefaultSendQueueSize,
		HeartbeatEvery:   heartbeatInterval,
		HeartbeatTimeout: heartbeatTimeout,
		RateEvents:       rateLimitEvents,
		RateWindow:       rateLimitWindow,
	}
}

// LoadConfigFromEnv reads FINLEARN_WS_* on top of DefaultConfig. Invalid
// values fall back to the default.
func LoadConfigFromEnv() Config {
	cfg := DefaultConfig()

	cfg.InsecureSkipVerify = envBool("FINLEARN_WS_DEV_INSECURE", cfg.InsecureSkipVerify)
	cfg.OriginRequired = envBool("FINLEARN_WS_ORIGIN_REQUIRED", cfg.OriginRequired)
	if raw, ok := os.LookupEnv("FINLEARN_WS_ALLOWED_ORIGINS"); ok {
		cfg.AllowedOrigins = splitCSV(raw)
	}

	cfg.WriteTimeout = envDuration("FINLEARN_WS_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.HelloTimeout = envDuration("FINLEARN_WS_HELLO_TIMEOUT", cfg.HelloTimeout)
	cfg.SendQueueSize = envInt("FINLEARN_WS_SEND_QUEUE", cfg.SendQueueSize)

	cfg.HeartbeatEvery = envDuration("FINLEARN_WS_HEARTBEAT_INTERVAL", cfg.HeartbeatEvery)
	cfg.HeartbeatTimeout = envDuration("FINLEARN_WS_HEARTBEAT_TIMEOUT", cfg.HeartbeatTimeout)

	cfg.RateEvents = envInt("FINLEARN_WS_RATE_EVENTS", cfg.RateEvents)
	cfg.RateWindow = envDuration("FINLEARN_WS_RATE_WINDOW", cfg.RateWindow)

	return cfg.normalized()
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.SendQueueSize < wsMinSendQueueSize {
		c.SendQueueSize = wsMinSendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HelloTimeout <= 0 {
		c.HelloTimeout = d.HelloTimeout
	}
	if c.HeartbeatEvery <= 0 {
		c.HeartbeatEvery = d.HeartbeatEvery
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	return c
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

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
