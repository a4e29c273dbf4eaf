// Package app wires the tether server runtime: config, logging, HTTP routes, and the branch-sync gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"tether/cmd/internal/realtime"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// memoryStore is used when no database is configured.
type memoryStore struct {
	updates realtime.UpdateStore
}

func (s memoryStore) Close(_ context.Context) error { return s.updates.Close() }

// App is the tether server runtime: it owns HTTP server wiring and the branch-sync dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	hub  *realtime.Hub
	sync *realtime.Controller
	ws   *realtime.WSGateway

	// nil when metrics are disabled.
	metricsRegistry *prometheus.Registry
}

// Option customizes an App built by New.
type Option func(*options)

type options struct {
	merger realtime.Merger
}

// WithMerger supplies the CRDT merger used to compact branches that overflow.
// It is required when compact_on_overflow is enabled.
func WithMerger(m realtime.Merger) Option {
	return func(o *options) { o.merger = m }
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}
	if err := validateCompaction(cfg, o.merger); err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, updates, authorizer, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	a, err := newApp(cfg, log, st, updates, authorizer, o.merger)
	if err != nil {
		_ = st.Close(context.Background())
		return nil, err
	}
	a.dbPool = dbPool
	a.dbEnabled = dbEnabled
	return a, nil
}

func validateCompaction(cfg Config, merger realtime.Merger) error {
	if cfg.CompactOnOverflow && merger == nil {
		return errors.New("config: TETHER_COMPACT_ON_OVERFLOW=true but no merger is configured")
	}
	return nil
}

func newApp(cfg Config, log Logger, st Store, updates realtime.UpdateStore, authorizer realtime.BranchAuthorizer, merger realtime.Merger) (*App, error) {
	if err := validateCompaction(cfg, merger); err != nil {
		return nil, err
	}

	var (
		reg     *prometheus.Registry
		metrics *realtime.Metrics
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = realtime.NewMetrics(reg)
	}

	verifier, err := newTokenVerifier(cfg)
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		log.Info("auth.token_verification.disabled", "reason", "no public key configured")
	}

	hub := realtime.NewHub(log)
	ctrl, err := realtime.NewController(log, realtime.NewMemoryConnectionRegistry(), updates, hub,
		realtime.WithAuthorizer(authorizer),
		realtime.WithTokenVerifier(verifier),
		realtime.WithMetrics(metrics),
		realtime.WithMerger(merger),
		realtime.WithCompactOnOverflow(cfg.CompactOnOverflow),
		realtime.WithRequireAuth(cfg.WSRequireAuth),
	)
	if err != nil {
		return nil, err
	}

	ws, err := realtime.NewWSGateway(log, hub, ctrl, cfg.GatewayConfig())
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:             cfg,
		log:             log,
		store:           st,
		hub:             hub,
		sync:            ctrl,
		ws:              ws,
		metricsRegistry: reg,
	}, nil
}

// Handler returns the HTTP handler with every route and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	deps := httpDeps{
		log:       a.log,
		cfg:       a.cfg,
		dbPool:    a.dbPool,
		dbEnabled: a.dbEnabled,
		ws:        a.ws,
		sync:      a.sync,
	}
	if a.metricsRegistry != nil {
		deps.gatherer = a.metricsRegistry
	}
	registerHTTP(mux, deps)

	return WithSecurityHeaders(WithRequestLogging(mux, a.log))
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		a.log.Error("server.fail", "err", err)
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is done, then shuts down gracefully.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"db_enabled", a.dbEnabled,
		"metrics_enabled", a.metricsRegistry != nil,
		"max_branch_size_bytes", a.cfg.MaxBranchSizeBytes,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()

		// Hijacked websocket connections are not tracked by Shutdown.
		closed := a.hub.CloseAll()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}

		if err := a.store.Close(shutdownCtx); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}

		a.log.Info("server.stopped", "ws_closed", closed)
		return nil
	})

	return g.Wait()
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

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, realtime.UpdateStore, realtime.BranchAuthorizer, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		updates := realtime.NewMemoryUpdateStore(realtime.WithMemoryMaxBranchSize(cfg.MaxBranchSizeBytes))
		return memoryStore{updates: updates}, nil, false, updates, realtime.AllowAllAuthorizer{}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresUpdateStore.Close() is a no-op
	updates, err := realtime.NewPostgresUpdateStore(pool,
		realtime.WithSchema(cfg.DBSchema),
		realtime.WithPostgresMaxBranchSize(cfg.MaxBranchSizeBytes),
	)
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	authorizer, err := realtime.NewPostgresBranchAuthorizer(pool, realtime.WithAuthorizerSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, nil, err
	}

	return dbStore{pool: pool, updates: updates}, pool, true, updates, authorizer, nil
}

type dbStore struct {
	pool    *pgxpool.Pool
	updates realtime.UpdateStore
}

func (s dbStore) Close(_ context.Context) error {
	if s.updates != nil {
		_ = s.updates.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
