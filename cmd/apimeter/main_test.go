package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	content := `
database:
  dsn: "` + filepath.Join(dir, "cli.db") + `"
logging:
  level: error
payment:
  webhook_secret: "whsec_provider"
scheduler:
  trigger_secret: "run-now"
webhooks:
  secret: "whsec_events"
jobs:
  workers: 1
`
	path := filepath.Join(dir, "apimeter.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	runDate = ""
	exportUser = ""
	exportOutput = ""
	exportArchive = false
	validateCheckGateway = false
	validateCheckRedis = false
	validateCheckDatabase = false

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "apimeter ") {
		t.Errorf("output = %q", out)
	}
}

func TestValidateCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "validate", "--config", path, "--check-database")
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid.") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "Job queue: in-memory") {
		t.Errorf("output missing queue summary: %s", out)
	}
	if strings.Contains(out, crossMark) {
		t.Errorf("unexpected failed check: %s", out)
	}
}

func TestValidateCommand_MissingFile(t *testing.T) {
	_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestMigrateCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "migrate", "--config", path)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "Database migrated") {
		t.Errorf("output = %s", out)
	}
}

func TestRunCommand(t *testing.T) {
	path := writeTestConfig(t)

	out, err := execute(t, "run", "renewal", "--config", path, "--date", "2024-03-15")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "billing 2024-03-15") {
		t.Errorf("output = %s", out)
	}
	if !strings.Contains(out, "enqueued:  0") {
		t.Errorf("expected nothing enqueued on an empty database: %s", out)
	}
}

func TestRunCommand_RejectsUnscheduledKind(t *testing.T) {
	path := writeTestConfig(t)

	if _, err := execute(t, "run", "gateway-sync", "--config", path); err == nil {
		t.Error("expected error for gateway_sync")
	}
	if _, err := execute(t, "run", "reports", "--config", path); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := execute(t, "run", "renewal", "--config", path, "--date", "15/03/2024"); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestExportInvoicesCommand(t *testing.T) {
	path := writeTestConfig(t)
	output := filepath.Join(t.TempDir(), "invoices.csv")

	if _, err := execute(t, "export", "invoices", "--config", path, "--user", "user-1", "--output", output); err != nil {
		t.Fatalf("export: %v", err)
	}

	data, err := os.ReadFile(output)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if !strings.HasPrefix(string(data), "invoice_id,subscription_id,") {
		t.Errorf("export = %q, want CSV header", data)
	}
}

func TestExportInvoicesCommand_ArchiveDisabled(t *testing.T) {
	path := writeTestConfig(t)

	_, err := execute(t, "export", "invoices", "--config", path, "--user", "user-1", "--archive")
	if err == nil || !strings.Contains(err.Error(), "archive") {
		t.Errorf("err = %v, want archive disabled error", err)
	}
}
