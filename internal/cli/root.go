// Package cli implements the notifier command line: the API server, the
// delivery workers and schema migrations.
package cli

import (
	"log/slog"
	"notifier/internal/config"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFiles []string
	logLevel string
	backend  string
}

// NewRootCmd builds the notifier command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "notifier",
		Short:         "Outbound webhook delivery engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			config.LoadDotEnv(opts.envFiles...)
			level := config.ParseLogLevel(config.GetEnv("LOG_LEVEL", "info"))
			if opts.logLevel != "" {
				level = config.ParseLogLevel(opts.logLevel)
			}
			slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "Env files to load before reading configuration (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error (overrides LOG_LEVEL)")
	cmd.PersistentFlags().StringVar(&opts.backend, "backend", "", "Store backend: postgres or memory (overrides STORE_BACKEND)")

	cmd.AddCommand(newServeCmd(opts), newWorkerCmd(opts), newMigrateCmd())
	return cmd
}

// serviceConfig loads the service configuration and applies flag overrides.
func (o *rootOptions) serviceConfig() *config.ServiceConfig {
	cfg := config.LoadServiceConfig()
	if o.backend != "" {
		cfg.StoreBackend = o.backend
	}
	return cfg
}

// waitForShutdown blocks until SIGINT/SIGTERM or a server error.
func waitForShutdown(serverErr <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
		return nil
	case err := <-serverErr:
		return err
	}
}
