package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pricewatch/ingestd/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Long: `Apply the embedded schema migrations that have not run yet. Migrations
are recorded in schema_migrations and applied in name order.`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if cfg.Database.Driver == "memory" {
		return fmt.Errorf("nothing to migrate for memory storage")
	}

	db, err := connectDatabase(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db, database.Migrations(), logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Migrations up to date.")
	return nil
}
