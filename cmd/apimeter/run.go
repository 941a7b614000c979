package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/bootstrap"
	"github.com/artpar/apimeter/domain/job"
)

var runDate string

var runCmd = &cobra.Command{
	Use:   "run <usage-aggregation|renewal>",
	Short: "Run a scheduled job kind once",
	Long: `Enqueue the daily jobs of one kind and process the queue until it is
empty.

Each (kind, subscription, date) is claimed once, so running a kind twice
for the same date enqueues nothing the second time.

Usage aggregation defaults to yesterday; renewal defaults to today.

Examples:
  apimeter run renewal
  apimeter run usage-aggregation --date 2024-03-14`,
	Args: cobra.ExactArgs(1),
	RunE: runJobs,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runDate, "date", "", "run date (YYYY-MM-DD, UTC)")
}

func runJobs(cmd *cobra.Command, args []string) error {
	kind, err := job.ParseKind(args[0])
	if err != nil {
		return err
	}
	if !kind.Scheduled() {
		return fmt.Errorf("%s jobs are not scheduled by date", kind)
	}

	date := app.RunDate(kind, time.Now().UTC())
	if runDate != "" {
		date, err = time.Parse(time.DateOnly, runDate)
		if err != nil {
			return fmt.Errorf("invalid --date %q: %w", runDate, err)
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error initializing: %w", err)
	}
	defer a.Close()

	run, err := a.Scheduler.RunDaily(ctx, kind, date)
	if err != nil {
		return err
	}

	processed, err := a.Runner.Drain(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s\n", run.Kind, run.Date.Format(time.DateOnly))
	fmt.Fprintf(out, "  enqueued:  %d\n", run.Enqueued)
	fmt.Fprintf(out, "  skipped:   %d\n", run.Skipped)
	fmt.Fprintf(out, "  processed: %d\n", processed)
	return nil
}
