package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"notifier/internal/audit"
	"notifier/internal/config"
	"notifier/internal/dispatcher"
	"notifier/internal/observability"
	"notifier/internal/recorder"
	"notifier/internal/registry"
	"notifier/internal/scheduler"
	"notifier/internal/secrets"
	"notifier/internal/stats"
	"notifier/internal/store/memory"
	"notifier/internal/store/postgres"
	"notifier/internal/webhook"
	"time"
)

// app holds the components shared by serve and worker.
type app struct {
	cfg            *config.ServiceConfig
	store          webhook.Store
	metrics        *observability.Metrics
	metricsHandler http.Handler
	audit          *audit.Logger
	registry       *registry.Service
	scheduler      *scheduler.Scheduler
	recorder       *recorder.Recorder
	stats          *stats.Tracker
}

// newApp opens the configured store and wires the domain services over it.
func newApp(ctx context.Context, cfg *config.ServiceConfig, autoMigrate bool) (*app, error) {
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return nil, err
	}

	cipher, err := secrets.New(cfg.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("secret encryption key: %w", err)
	}
	if _, plain := cipher.(secrets.Plaintext); plain {
		slog.Warn("Signing secrets stored unencrypted - no SECRET_ENCRYPTION_KEY_FILE configured")
	}

	store, err := openStore(ctx, cfg, autoMigrate)
	if err != nil {
		return nil, err
	}

	auditLog := audit.New(store)
	reg := registry.NewService(store, cipher, auditLog)
	return &app{
		cfg:            cfg,
		store:          store,
		metrics:        metrics,
		metricsHandler: metricsHandler,
		audit:          auditLog,
		registry:       reg,
		scheduler:      scheduler.New(scheduler.Config{Events: store, Audit: auditLog, Metrics: metrics}),
		recorder:       recorder.New(recorder.Config{Matcher: reg, Events: store, Audit: auditLog, Metrics: metrics}),
		stats:          stats.NewTracker(store),
	}, nil
}

func openStore(ctx context.Context, cfg *config.ServiceConfig, autoMigrate bool) (webhook.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		slog.Warn("Using in-memory store - data is lost on restart and not shared between processes")
		return memory.New(), nil
	case config.BackendPostgres:
		db, err := postgres.Open(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if autoMigrate {
			if err := postgres.MigrateUp(ctx, db); err != nil {
				_ = db.Close()
				return nil, err
			}
		}
		if err := logSchemaVersion(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		return postgres.New(db), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %s or %s)", cfg.StoreBackend, config.BackendPostgres, config.BackendMemory)
	}
}

func logSchemaVersion(ctx context.Context, db *sql.DB) error {
	version, err := postgres.SchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if version == 0 {
		return errors.New("database schema is not initialized, run `notifier migrate up` or pass --migrate")
	}
	slog.Info("Connected to Postgres", "schemaVersion", version)
	return nil
}

// newDispatcher builds a dispatcher over the app's services.
func (a *app) newDispatcher(cfg dispatcher.Config) *dispatcher.Dispatcher {
	return dispatcher.New(cfg, dispatcher.Deps{
		Store:     a.store,
		Secrets:   a.registry,
		Scheduler: a.scheduler,
		Stats:     a.stats,
		Audit:     a.audit,
		Metrics:   a.metrics,
	})
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("Store close error", "error", err)
	}
}

// logPoolStats logs final pool counters after shutdown.
func logPoolStats(pool *dispatcher.Pool) {
	s := pool.Stats()
	slog.Info("Dispatcher stats",
		"claimed", s.Claimed,
		"delivered", s.Delivered,
		"failedAttempts", s.FailedAttempts,
		"exhausted", s.Exhausted,
		"leaseLost", s.LeaseLost,
		"polls", s.Polls,
		"errors", s.Errors,
	)
}

// newMetricsServer serves /metrics, plus any extra routes, on the metrics port.
func newMetricsServer(port string, metricsHandler http.Handler, extra func(*http.ServeMux)) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	if extra != nil {
		extra(mux)
	}
	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// startServer runs srv in the background and reports unexpected failures on errs.
func startServer(name string, srv *http.Server, errs chan<- error) {
	go func() {
		slog.Info("Starting "+name+" server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

// shutdownServers closes every server, waiting at most timeout overall.
func shutdownServers(timeout time.Duration, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server shutdown error", "addr", srv.Addr, "error", err)
		}
	}
}
