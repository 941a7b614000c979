package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/adapters/sqlite"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Long: `Create or upgrade the database schema and exit.

Migrations are also applied by serve; use this command to prepare the
database ahead of a deployment.`,
	RunE: runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := sqlite.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Database migrated: %s\n", cfg.Database.DSN)
	return nil
}
