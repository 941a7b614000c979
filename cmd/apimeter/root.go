package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/config"
)

var (
	// Global flags
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "apimeter",
	Short: "API usage metering, overage billing and subscription lifecycle",
	Long: `apimeter meters API usage from gateway logs and bills subscriptions.

It ingests access logs shipped by the gateway, evaluates daily quotas and
overage, charges recurring payments through the payment provider and keeps
subscription state in sync with provider webhooks.

Quick start:
  apimeter validate   # Check configuration
  apimeter migrate    # Create the database schema
  apimeter serve      # Start the HTTP server, scheduler and job workers

Operations:
  apimeter run renewal             # Enqueue and process today's renewals
  apimeter export invoices --user  # Export a user's invoices as CSV`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultPath, "config file path")
}

// loadConfig reads the config file, falling back to APIMETER_* variables.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadWithFallback(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}
