package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/adapters/redis"
	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration before deployment",
	Long: `Validate the apimeter configuration file.

Checks:
  - YAML syntax is valid
  - Required secrets and provider credentials are present
  - Gateway admin API is reachable (optional)
  - Redis is reachable (optional)
  - Database is writable (optional)

Examples:
  apimeter validate
  apimeter validate --config /etc/apimeter/apimeter.yaml --check-gateway`,
	RunE: runValidate,
}

var (
	validateCheckGateway  bool
	validateCheckRedis    bool
	validateCheckDatabase bool
)

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVar(&validateCheckGateway, "check-gateway", false, "check if the gateway admin API is reachable")
	validateCmd.Flags().BoolVar(&validateCheckRedis, "check-redis", false, "check if redis is reachable")
	validateCmd.Flags().BoolVar(&validateCheckDatabase, "check-database", false, "check if database is writable")
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Validating %s...\n\n", cfgFile)

	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		fmt.Fprintf(out, "  %s Config file exists\n", crossMark)
		return fmt.Errorf("config file not found: %s", cfgFile)
	}
	fmt.Fprintf(out, "  %s Config file exists\n", checkMark)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(out, "  %s Config valid\n", crossMark)
		return fmt.Errorf("config error: %w", err)
	}
	fmt.Fprintf(out, "  %s Config valid\n", checkMark)

	fmt.Fprintf(out, "  %s Listen: %s\n", checkMark, cfg.Server.Addr())
	fmt.Fprintf(out, "  %s Database: %s\n", checkMark, cfg.Database.DSN)
	fmt.Fprintf(out, "  %s Payment provider: %s (sandbox: %t)\n", checkMark, cfg.Payment.Provider, cfg.Payment.Sandbox)
	if cfg.Redis.Enabled {
		fmt.Fprintf(out, "  %s Job queue: redis at %s\n", checkMark, cfg.Redis.Addr)
	} else {
		fmt.Fprintf(out, "  %s Job queue: in-memory\n", checkMark)
	}
	if cfg.Scheduler.Enabled {
		fmt.Fprintf(out, "  %s Scheduler: aggregation %q, billing %q\n", checkMark, cfg.Scheduler.AggregationSpec, cfg.Scheduler.BillingSpec)
	} else {
		fmt.Fprintf(out, "  %s Scheduler: disabled\n", checkMark)
	}

	if validateCheckGateway {
		printCheck(cmd, "Gateway reachable", checkGatewayReachable(cfg.Gateway.AdminURL))
	}
	if validateCheckRedis {
		printCheck(cmd, "Redis reachable", checkRedisReachable(cfg.Redis))
	}
	if validateCheckDatabase {
		printCheck(cmd, "Database writable", checkDatabaseWritable(cfg.Database.DSN))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration is valid.")
	return nil
}

func printCheck(cmd *cobra.Command, name string, err error) {
	out := cmd.OutOrStdout()
	if err != nil {
		fmt.Fprintf(out, "  %s %s\n", crossMark, name)
		fmt.Fprintf(out, "      Error: %v\n", err)
		return
	}
	fmt.Fprintf(out, "  %s %s\n", checkMark, name)
}

func checkGatewayReachable(url string) error {
	if url == "" {
		return fmt.Errorf("gateway.admin_url is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func checkRedisReachable(rc config.RedisConfig) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := redis.Dial(ctx, rc.Addr, rc.Password, rc.DB, redis.Options{Prefix: rc.Prefix})
	if err != nil {
		return err
	}
	return q.Close()
}

func checkDatabaseWritable(dsn string) error {
	db, err := sqlite.Open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = db.ExecContext(ctx, "CREATE TEMP TABLE IF NOT EXISTS write_check (id INTEGER)")
	return err
}

const (
	checkMark = "\033[32m✓\033[0m"
	crossMark = "\033[31m✗\033[0m"
)
