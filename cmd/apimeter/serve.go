package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/bootstrap"
	"github.com/artpar/apimeter/config"
)

var (
	hotReload bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server, scheduler and job workers",
	Long: `Start apimeter.

The server will:
  - Load configuration from apimeter.yaml (or --config)
  - Or load configuration from APIMETER_* environment variables
  - Migrate the database
  - Accept gateway logs and payment webhooks
  - Trigger usage aggregation and renewals on the configured cron specs
  - Process billing jobs with the configured number of workers

With a config file and --hot-reload, the log level and job retry policy
are re-read when the file changes or on SIGHUP.

Environment variables (for Docker deployments):
  APIMETER_PAYMENT_WEBHOOK_SECRET   - Provider webhook secret (required)
  APIMETER_WEBHOOKS_SECRET          - Events endpoint secret (required)
  APIMETER_SCHEDULER_TRIGGER_SECRET - Operator bearer token (required)
  APIMETER_DATABASE_DSN             - Database path (default: apimeter.db)
  APIMETER_REDIS_ADDR               - Use Redis for the job queue

Examples:
  apimeter serve
  apimeter serve --config /etc/apimeter/apimeter.yaml
  apimeter serve --hot-reload=false`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&hotReload, "hot-reload", true, "enable hot reload of configuration")
}

func runServe(cmd *cobra.Command, args []string) error {
	hasConfigFile := false
	if _, err := os.Stat(cfgFile); err == nil {
		hasConfigFile = true
	}

	if !hasConfigFile && !config.HasEnvConfig() {
		fmt.Println("No configuration found.")
		fmt.Println()
		fmt.Printf("Option 1: Create %s\n", cfgFile)
		fmt.Println("Option 2: Set APIMETER_* environment variables")
		fmt.Println()
		fmt.Println("Example (env vars):")
		fmt.Println("  APIMETER_PAYMENT_WEBHOOK_SECRET=... APIMETER_WEBHOOKS_SECRET=... \\")
		fmt.Println("  APIMETER_SCHEDULER_TRIGGER_SECRET=... apimeter serve")
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !hasConfigFile {
		fmt.Println("Running with environment variables (no config file)")
	}

	ctx := cmd.Context()
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}

	// Hot reload only works with a config file
	if hasConfigFile && hotReload {
		holder, err := config.NewHolder(cfgFile, app.Logger)
		if err != nil {
			app.Close()
			return fmt.Errorf("error initializing config watcher: %w", err)
		}
		defer holder.Stop()

		app.WatchConfig(holder)
		if err := holder.WatchFile(); err != nil {
			app.Logger.Warn().Err(err).Msg("config file watch unavailable")
		}
		holder.WatchSignals()
	}

	// Run (blocks until shutdown)
	return app.Run(ctx)
}
