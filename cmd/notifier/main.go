// notifier delivers signed webhooks to subscribed endpoints.
package main

import (
	"context"
	"log/slog"
	"notifier/internal/cli"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		slog.Error("Notifier failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	return cli.NewRootCmd().ExecuteContext(context.Background())
}
