package cli

import (
	"log/slog"
	"net/http"
	"notifier/internal/api"
	"notifier/internal/config"
	"notifier/internal/dispatcher"
	"notifier/internal/health"
	"time"

	"github.com/spf13/cobra"
)

func newWorkerCmd(root *rootOptions) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run delivery workers without the management API",
		Long: "Run delivery workers without the management API. Probes and /metrics " +
			"are served on METRICS_PORT. Any number of worker processes may share one database.",
		RunE: func(cmd *cobra.Command, args []string) error {
			svcCfg := root.serviceConfig()
			if svcCfg.StoreBackend == config.BackendMemory {
				slog.Warn("Worker with an in-memory store only sees events recorded by this process")
			}
			dispatcherCfg := dispatcher.LoadConfigFromEnv()
			if cmd.Flags().Changed("workers") {
				dispatcherCfg.Workers = workers
			}
			return runWorker(cmd, svcCfg, dispatcherCfg)
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Number of delivery workers (overrides DISPATCHER_WORKERS)")
	return cmd
}

func runWorker(cmd *cobra.Command, svcCfg *config.ServiceConfig, dispatcherCfg dispatcher.Config) error {
	a, err := newApp(cmd.Context(), svcCfg, false)
	if err != nil {
		return err
	}
	defer a.close()

	pool := dispatcher.NewPool(a.newDispatcher(dispatcherCfg), dispatcherCfg)
	slog.Info("Workers started", "workerIds", pool.WorkerIDs())

	healthChecker := health.NewChecker(a.store, health.WithCheck("dispatcher", pool, true))
	probes := api.NewHandler(api.RouterConfig{HealthChecker: healthChecker})
	metricsServer := newMetricsServer(svcCfg.MetricsPort, a.metricsHandler, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /livez", probes.Livez)
		mux.HandleFunc("GET /readyz", probes.Readyz)
	})

	serverErr := make(chan error, 1)
	startServer("metrics", metricsServer, serverErr)

	if err := waitForShutdown(serverErr); err != nil {
		slog.Error("Server failed to start", "error", err)
		closePool(pool, 5*time.Second)
		return err
	}

	healthChecker.SetShuttingDown()
	closePool(pool, 30*time.Second)
	shutdownServers(5*time.Second, metricsServer)

	slog.Info("Shutdown complete")
	return nil
}
