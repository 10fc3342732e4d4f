package cli

import (
	"context"
	"log/slog"
	"net/http"
	"notifier/internal/api"
	"notifier/internal/dispatcher"
	"notifier/internal/health"
	"time"

	"github.com/spf13/cobra"
)

type serveOptions struct {
	dispatch bool
	workers  int
	migrate  bool
}

func newServeCmd(root *rootOptions) *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the management API, optionally with delivery workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, root, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.dispatch, "dispatch", true, "Run delivery workers in this process")
	cmd.Flags().IntVar(&opts.workers, "workers", 0, "Number of delivery workers (overrides DISPATCHER_WORKERS)")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", false, "Apply pending migrations before starting (postgres only)")
	return cmd
}

func runServe(cmd *cobra.Command, root *rootOptions, opts *serveOptions) error {
	ctx := cmd.Context()
	svcCfg := root.serviceConfig()
	dispatcherCfg := dispatcher.LoadConfigFromEnv()
	if cmd.Flags().Changed("workers") {
		dispatcherCfg.Workers = opts.workers
	}

	a, err := newApp(ctx, svcCfg, opts.migrate)
	if err != nil {
		return err
	}
	defer a.close()

	var pool *dispatcher.Pool
	var checks []health.Option
	if opts.dispatch {
		pool = dispatcher.NewPool(a.newDispatcher(dispatcherCfg), dispatcherCfg)
		checks = append(checks, health.WithCheck("dispatcher", pool, false))
	} else {
		slog.Info("Delivery workers disabled, run `notifier worker` separately")
	}
	healthChecker := health.NewChecker(a.store, checks...)

	router := api.NewRouter(api.RouterConfig{
		Registry:      a.registry,
		Recorder:      a.recorder,
		Scheduler:     a.scheduler,
		Stats:         a.stats,
		Audit:         a.audit,
		Events:        a.store,
		Metrics:       a.metrics,
		HealthChecker: healthChecker,
		APIKey:        svcCfg.APIKey,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	apiServer := &http.Server{
		Addr:         ":" + svcCfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := newMetricsServer(svcCfg.MetricsPort, a.metricsHandler, nil)

	serverErr := make(chan error, 2)
	startServer("API", apiServer, serverErr)
	startServer("metrics", metricsServer, serverErr)

	if err := waitForShutdown(serverErr); err != nil {
		slog.Error("Server failed to start", "error", err)
		shutdownServers(5*time.Second, apiServer, metricsServer)
		if pool != nil {
			closePool(pool, 5*time.Second)
		}
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: stop accepting requests, finish in-flight ones
	slog.Info("Starting graceful shutdown")
	shutdownServers(25*time.Second, apiServer, metricsServer)

	// Phase 3: let workers finish the attempts they started
	if pool != nil {
		closePool(pool, 30*time.Second)
	}

	slog.Info("Shutdown complete")
	return nil
}

// closePool drains the pool. Events whose attempts are cut short are
// recovered by lease expiry.
func closePool(pool *dispatcher.Pool, timeout time.Duration) {
	slog.Info("Draining delivery workers")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		slog.Warn("Dispatcher shutdown error", "error", err)
	}
	logPoolStats(pool)
}
