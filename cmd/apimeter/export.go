package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/artpar/apimeter/bootstrap"
)

var (
	exportUser    string
	exportOutput  string
	exportArchive bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export billing data",
}

var exportInvoicesCmd = &cobra.Command{
	Use:   "invoices",
	Short: "Export a user's invoices as CSV",
	Long: `Write a user's invoices as CSV, newest first.

With --archive the export is uploaded to the configured S3 bucket instead
and its location printed.

Examples:
  apimeter export invoices --user user-1
  apimeter export invoices --user user-1 --output invoices.csv
  apimeter export invoices --user user-1 --archive`,
	RunE: runExportInvoices,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.AddCommand(exportInvoicesCmd)

	exportInvoicesCmd.Flags().StringVar(&exportUser, "user", "", "user ID (required)")
	exportInvoicesCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "output file (default: stdout)")
	exportInvoicesCmd.Flags().BoolVar(&exportArchive, "archive", false, "upload to the invoice archive")
	exportInvoicesCmd.MarkFlagRequired("user")
}

func runExportInvoices(cmd *cobra.Command, args []string) (err error) {
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

	if exportArchive {
		loc, err := a.Invoices.Archive(ctx, exportUser)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), loc)
		return nil
	}

	var w io.Writer = cmd.OutOrStdout()
	if exportOutput != "" {
		f, err := os.Create(exportOutput)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer func() {
			err = errors.Join(err, f.Close())
		}()
		w = f
	}

	return a.Invoices.WriteCSV(ctx, exportUser, w)
}
