// Package app wires the Krismini server runtime: config, logging, storage,
// the retry queue, auth and the HTTP and websocket routes.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"krismini/cmd/internal/auth"
	"krismini/cmd/internal/completion"
	"krismini/cmd/internal/gateway"
	"krismini/cmd/internal/messages"
	"krismini/cmd/internal/metrics"
	"krismini/cmd/internal/realtime"
	"krismini/cmd/internal/retryqueue"
	"krismini/cmd/security/token"
)

// App owns every long-lived resource and the HTTP server built on top of them.
type App struct {
	cfg Config
	log Logger

	dbPool *pgxpool.Pool
	redis  *redis.Client
	store  messages.Store

	registry *prometheus.Registry
	gateway  *gateway.Gateway
	queue    *retryqueue.Queue

	completion *completion.Handler
	ws         *realtime.WSGateway
}

// New constructs a fully wired App. Resources opened before a failure are released.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	ready := false
	defer func() {
		if !ready {
			a.closeResources()
		}
	}()

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(a.registry)

	a.gateway = gateway.New(log, a.store, cfg.Gateway, gateway.WithMetrics(m))
	a.queue = retryqueue.New(log, a.gateway, cfg.Queue, retryqueue.WithMetrics(m))

	digests, err := token.DigesterFromEnv(cfg.RequireTokenDigestKey)
	if err != nil {
		return nil, err
	}
	deny, err := a.openDenylist(ctx, digests)
	if err != nil {
		return nil, err
	}

	var vopts []auth.VerifierOption
	if cfg.JWTIssuer != "" {
		vopts = append(vopts, auth.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWTAudience != "" {
		vopts = append(vopts, auth.WithAudience(cfg.JWTAudience))
	}
	verifier, err := auth.NewVerifier([]byte(cfg.JWTSecret), vopts...)
	if err != nil {
		return nil, err
	}

	var completer completion.Completer
	if strings.TrimSpace(cfg.GeminiAPIKey) != "" {
		gc, err := completion.NewGeminiClient(ctx, log, completion.GeminiConfig{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.GeminiModel,
			Persona: cfg.Persona,
		})
		if err != nil {
			return nil, err
		}
		completer = gc
		log.Info("completion.enabled", "model", cfg.GeminiModel)
	} else {
		log.Info("completion.disabled", "reason", "GEMINI_API_KEY not set")
	}
	a.completion = completion.NewHandler(log, completer, m)

	ws, err := realtime.NewWSGateway(log, realtime.WSConfigFromEnv(), realtime.Deps{
		Gateway:   a.gateway,
		Queue:     a.queue,
		Verifier:  verifier,
		Denylist:  deny,
		Completer: completer,
		Metrics:   m,
		PageSize:  cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}
	a.ws = ws

	ready = true
	return a, nil
}

// openStore picks Postgres when a database URL is configured and the in-memory store otherwise.
func (a *App) openStore(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		a.log.Info("db.disabled.inmemory_store")
		a.store = messages.NewInMemoryStore()
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}
	a.dbPool = pool

	// The pool is owned here; PostgresStore.Close is a no-op.
	pg, err := messages.NewPostgresStore(pool, messages.WithSchema(a.cfg.DBSchema))
	if err != nil {
		return err
	}
	if a.cfg.DBAutoMigrate {
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
	}
	a.store = pg
	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema, "auto_migrate", a.cfg.DBAutoMigrate)
	return nil
}

func (a *App) openDenylist(ctx context.Context, digests *token.Digester) (auth.Denylist, error) {
	if a.cfg.RedisURL == "" {
		a.log.Info("auth.denylist.memory", "keyed", digests.Keyed())
		return auth.NewMemoryDenylist(digests), nil
	}
	rdb, err := auth.OpenRedis(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.log.Info("auth.denylist.redis", "keyed", digests.Keyed())
	return auth.NewRedisDenylist(rdb, "", digests)
}

// Handler returns the full middleware-wrapped route tree.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, routes{
		health:     a.gateway,
		dbRequired: a.cfg.ReadinessRequireDB,
		dbEnabled:  a.dbPool != nil,
		gatherer:   a.registry,
		completion: a.completion,
		ws:         a.ws,
	})

	var h http.Handler = mux
	h = WithRequestTimeout(h, a.cfg.WriteTimeout)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 90*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"base_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"db_enabled", a.dbPool != nil,
		"redis_enabled", a.redis != nil,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case runErr = <-errCh:
		a.log.Error("server.fail", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		if runErr == nil {
			runErr = err
		}
	}

	if n := a.queue.Status().QueueLength; n > 0 {
		a.log.Warn("retryqueue.pending_on_shutdown", "count", n)
	}
	a.closeResources()

	a.log.Info("server.stopped")
	return runErr
}

func (a *App) closeResources() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("redis.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
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

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
