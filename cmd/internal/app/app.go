// Package app wires the finlearn server runtime: config, logging, stores,
// HTTP routes and the watchdog gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"finlearn/cmd/identity"
	authapi "finlearn/cmd/internal/auth/api"
	"finlearn/cmd/internal/auth/session"
	"finlearn/cmd/internal/profile"
	"finlearn/cmd/internal/realtime"
	"finlearn/cmd/internal/watchdog"
	"finlearn/cmd/security/password"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
)

// App owns the HTTP server and every long-lived dependency behind it.
type App struct {
	cfg Config
	log *slog.Logger

	dbPool   *pgxpool.Pool
	redis    *redis.Client
	registry *prometheus.Registry

	profiles profile.Store
	// listen is set for the postgres backend; it must run for changes to
	// reach subscribers.
	listen func(context.Context) error

	auth *authapi.Handler
	ws   *realtime.WSGateway
}

// New constructs a fully wired App. Resources it opened are released if a
// later step fails.
func New(ctx context.Context, cfg Config, log *slog.Logger) (_ *App, err error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	a := &App{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hasher, err := ValidateSecurityConfig(cfg)
	if err != nil {
		return nil, err
	}
	if ensureSigningKey(cfg) {
		log.Warn("auth.signing_key.ephemeral", "hint", "set "+pasetoKeyEnv+" to keep tokens valid across restarts")
	}

	if cfg.DatabaseURL != "" {
		if a.dbPool, err = NewDBPool(ctx, cfg); err != nil {
			return nil, fmt.Errorf("db: %w", err)
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	} else {
		log.Info("db.disabled.inmemory_store")
	}

	idStore, sessStore, audit, err := a.authStores(log)
	if err != nil {
		return nil, err
	}
	if err := a.openProfiles(ctx); err != nil {
		return nil, err
	}

	sessCfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("session config: %w", err)
	}
	tokens, err := session.NewPasetoV4PublicManager(sessCfg)
	if err != nil {
		return nil, fmt.Errorf("session tokens: %w", err)
	}
	pwCfg, err := password.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("password config: %w", err)
	}

	a.auth, err = authapi.NewHandler(authapi.LoadConfigFromEnv(), authapi.Deps{
		Identity:  idStore,
		Sessions:  session.NewService(sessCfg, sessStore, tokens, session.WithRefreshHasher(hasher)),
		Profiles:  a.profiles,
		Passwords: pwCfg,
		Audit:     audit,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	wdCfg, err := a.watchdogConfig()
	if err != nil {
		return nil, err
	}
	rtMetrics := realtime.NewMetrics(a.registry)
	a.ws, err = realtime.NewWSGateway(realtime.LoadConfigFromEnv(), realtime.Deps{
		Sessions:        a.auth,
		Profiles:        profile.WatchdogSource{Store: a.profiles},
		Watchdog:        wdCfg,
		WatchdogMetrics: watchdog.NewMetrics(a.registry),
		Hub:             realtime.NewHub(rtMetrics),
		Metrics:         rtMetrics,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) authStores(log *slog.Logger) (identity.Store, session.Store, authapi.AuditSink, error) {
	if a.dbPool == nil {
		return identity.NewMemoryStore(), session.NewMemoryStore(), authapi.LogAudit{Log: log}, nil
	}
	ids, err := identity.NewPostgresStore(a.dbPool, identity.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, nil, err
	}
	sess, err := session.NewPostgresStore(a.dbPool, session.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return nil, nil, nil, err
	}
	audit, err := authapi.NewPostgresAudit(a.dbPool, a.cfg.DBSchema, log)
	if err != nil {
		return nil, nil, nil, err
	}
	return ids, sess, audit, nil
}

func (a *App) openProfiles(ctx context.Context) error {
	backend := a.cfg.profileBackend()
	switch backend {
	case ProfileBackendMemory:
		a.profiles = profile.NewMemoryStore()

	case ProfileBackendPostgres:
		if a.dbPool == nil {
			return errors.New("profile backend postgres requires FINLEARN_DATABASE_URL")
		}
		st, err := profile.NewPostgresStore(a.dbPool,
			profile.WithSchema(a.cfg.DBSchema),
			profile.WithLogger(a.log),
		)
		if err != nil {
			return err
		}
		a.profiles = st
		a.listen = st.Listen

	case ProfileBackendRedis:
		if a.cfg.RedisAddr == "" {
			return errors.New("profile backend redis requires FINLEARN_REDIS_ADDR")
		}
		rdb, err := NewRedisClient(ctx, a.cfg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.redis = rdb
		st, err := profile.NewRedisStore(rdb, profile.WithRedisLogger(a.log))
		if err != nil {
			return err
		}
		a.profiles = st

	default:
		return fmt.Errorf("unknown profile backend %q", backend)
	}
	a.log.Info("profile.backend", "backend", backend)
	return nil
}

func (a *App) watchdogConfig() (watchdog.Config, error) {
	cfg := watchdog.DefaultConfig()
	if a.cfg.WatchdogPolicyFile != "" {
		var err error
		if cfg, err = watchdog.LoadConfigFile(cfg, a.cfg.WatchdogPolicyFile); err != nil {
			return watchdog.Config{}, err
		}
	}
	if a.cfg.WatchdogInactivityTimeout > 0 {
		cfg.InactivityTimeout = a.cfg.WatchdogInactivityTimeout
	}
	if err := cfg.Validate(); err != nil {
		return watchdog.Config{}, err
	}
	return cfg, nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	runCtx, stopBackground := context.WithCancel(ctx)
	var bg sync.WaitGroup
	if a.listen != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			if err := a.listen(runCtx); err != nil {
				a.log.Error("profile.listen.stopped", "err", err)
			}
		}()
	}
	defer func() {
		stopBackground()
		bg.Wait()
	}()

	mux := http.NewServeMux()
	a.registerHTTP(mux)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler(mux),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbPool != nil,
		"profile_backend", a.cfg.profileBackend(),
	)
	a.log.Info("server.urls", "http", base, "ws", wsBaseURL(base)+"/ws")

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases stores and connections. Safe on a partially built App.
func (a *App) close() {
	if m, ok := a.profiles.(*profile.MemoryStore); ok {
		m.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis.close.fail", "err", err)
		}
		a.redis = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
