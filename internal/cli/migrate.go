package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"notifier/internal/config"
	"notifier/internal/store/postgres"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}
	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", postgres.MigrateUp),
		migrateSubcommand("down", "Roll back the most recent migration", postgres.MigrateDown),
		migrateSubcommand("status", "Show the state of every migration", postgres.MigrateStatus),
	)
	return cmd
}

func migrateSubcommand(use, short string, step func(context.Context, *sql.DB) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := postgres.Open(ctx, config.LoadDatabaseConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			if err := step(ctx, db); err != nil {
				return err
			}
			version, err := postgres.SchemaVersion(ctx, db)
			if err != nil {
				return err
			}
			slog.Info("Migration complete", "command", use, "schemaVersion", version)
			fmt.Fprintf(cmd.OutOrStdout(), "schema version %d\n", version)
			return nil
		},
	}
}
