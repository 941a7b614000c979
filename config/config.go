// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/artpar/apimeter/domain/job"
)

// DefaultPath is the config file looked up when none is given.
const DefaultPath = "apimeter.yaml"

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Redis     RedisConfig     `yaml:"redis"`
	Payment   PaymentConfig   `yaml:"payment"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Webhooks  WebhooksConfig  `yaml:"webhooks"`
	Billing   BillingConfig   `yaml:"billing"`
	Export    ExportConfig    `yaml:"export"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	PublicURL      string        `yaml:"public_url"` // used to build provider return URLs
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig configures the SQLite database.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "console"
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// SchedulerConfig configures the daily cron triggers.
type SchedulerConfig struct {
	Enabled         bool   `yaml:"enabled"`
	AggregationSpec string `yaml:"aggregation_spec"`
	BillingSpec     string `yaml:"billing_spec"`
	// TriggerSecret authorizes manual runs and the admin endpoints.
	TriggerSecret string `yaml:"trigger_secret"`
}

// JobsConfig configures the worker pool and retry policy.
type JobsConfig struct {
	Workers           int           `yaml:"workers"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// RetryPolicy returns the configured backoff policy.
func (j JobsConfig) RetryPolicy() job.RetryPolicy {
	return job.RetryPolicy{
		MaxAttempts:       j.MaxAttempts,
		InitialDelay:      j.InitialDelay,
		MaxDelay:          j.MaxDelay,
		BackoffMultiplier: j.BackoffMultiplier,
	}.Normalize()
}

// RedisConfig selects the Redis job queue. The in-memory queue is used when
// disabled.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	Poll     time.Duration `yaml:"poll"`
}

// PaymentConfig configures the payment provider.
type PaymentConfig struct {
	Provider      string        `yaml:"provider"` // "paypal" or "dummy"
	ClientID      string        `yaml:"client_id"`
	ClientSecret  string        `yaml:"client_secret"`
	WebhookSecret string        `yaml:"webhook_secret"`
	Sandbox       bool          `yaml:"sandbox"`
	BaseURL       string        `yaml:"base_url,omitempty"`
	ReturnURL     string        `yaml:"return_url"`
	CancelURL     string        `yaml:"cancel_url"`
	Timeout       time.Duration `yaml:"timeout"`
}

// GatewayConfig configures log ingestion and the gateway admin API.
type GatewayConfig struct {
	AdminURL    string            `yaml:"admin_url"` // empty disables policy sync
	AdminKey    string            `yaml:"admin_key"`
	LogToken    string            `yaml:"log_token"` // bearer token for log shipping; empty leaves it open
	Timeout     time.Duration     `yaml:"timeout"`
	Headers     map[string]string `yaml:"headers,omitempty"`
	Concurrency int               `yaml:"concurrency"`
	CacheSize   int               `yaml:"cache_size"`
	CacheTTL    time.Duration     `yaml:"cache_ttl"`
}

// WebhooksConfig configures the generic events endpoint.
type WebhooksConfig struct {
	Secret string `yaml:"secret"`
}

// BillingConfig configures renewal policy.
type BillingConfig struct {
	MaxFailedPayments int `yaml:"max_failed_payments"`
}

// ExportConfig configures invoice export archiving.
type ExportConfig struct {
	S3 S3Config `yaml:"s3"`
}

// S3Config configures the archive bucket. An empty bucket disables archiving.
type S3Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	UsePathStyle bool   `yaml:"use_path_style"`
	Prefix       string `yaml:"prefix"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse builds a configuration from YAML. Environment variables in the
// document are expanded and APIMETER_* overrides applied before defaults and
// validation.
func Parse(data []byte) (*Config, error) {
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadFromEnv creates configuration entirely from environment variables.
//
// Environment variables:
//
//	APIMETER_SERVER_HOST              - Server host (default: 0.0.0.0)
//	APIMETER_SERVER_PORT              - Server port (default: 8080)
//	APIMETER_SERVER_PUBLIC_URL        - Externally visible base URL
//	APIMETER_DATABASE_DSN             - Database path (default: apimeter.db)
//	APIMETER_LOG_LEVEL                - debug, info, warn, error (default: info)
//	APIMETER_LOG_FORMAT               - json or console (default: json)
//	APIMETER_METRICS_ENABLED          - Enable /metrics
//	APIMETER_SCHEDULER_ENABLED        - Enable cron triggers
//	APIMETER_SCHEDULER_TRIGGER_SECRET - Operator bearer token (required)
//	APIMETER_JOBS_WORKERS             - Worker count (default: 4)
//	APIMETER_JOBS_MAX_ATTEMPTS        - Attempts before dead-lettering (default: 5)
//	APIMETER_REDIS_ADDR               - Redis address; setting it enables the Redis queue
//	APIMETER_REDIS_PASSWORD           - Redis password
//	APIMETER_PAYMENT_PROVIDER         - paypal or dummy (default: dummy)
//	APIMETER_PAYMENT_CLIENT_ID        - Provider client ID
//	APIMETER_PAYMENT_CLIENT_SECRET    - Provider client secret
//	APIMETER_PAYMENT_WEBHOOK_SECRET   - Provider webhook HMAC secret (required)
//	APIMETER_PAYMENT_SANDBOX          - Use the provider sandbox
//	APIMETER_GATEWAY_ADMIN_URL        - Gateway admin API URL
//	APIMETER_GATEWAY_ADMIN_KEY        - Gateway admin API key
//	APIMETER_GATEWAY_LOG_TOKEN        - Bearer token required on log shipping
//	APIMETER_WEBHOOKS_SECRET          - Events endpoint HMAC secret (required)
//	APIMETER_EXPORT_S3_BUCKET         - Invoice archive bucket
func LoadFromEnv() (*Config, error) {
	var cfg Config

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// LoadWithFallback loads path when it exists and falls back to the
// environment otherwise.
func LoadWithFallback(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	if HasEnvConfig() {
		return LoadFromEnv()
	}
	return nil, fmt.Errorf("no configuration found: provide %s or set APIMETER_PAYMENT_WEBHOOK_SECRET", DefaultPath)
}

// HasEnvConfig returns true if essential environment variables are set.
func HasEnvConfig() bool {
	return os.Getenv("APIMETER_PAYMENT_WEBHOOK_SECRET") != ""
}

// applyEnvOverrides applies APIMETER_* environment variables to the config.
// Environment variables always override file-based configuration.
func applyEnvOverrides(cfg *Config) {
	setString(&cfg.Server.Host, "APIMETER_SERVER_HOST")
	setInt(&cfg.Server.Port, "APIMETER_SERVER_PORT")
	setString(&cfg.Server.PublicURL, "APIMETER_SERVER_PUBLIC_URL")
	setDuration(&cfg.Server.ReadTimeout, "APIMETER_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "APIMETER_SERVER_WRITE_TIMEOUT")

	setString(&cfg.Database.DSN, "APIMETER_DATABASE_DSN")

	setString(&cfg.Logging.Level, "APIMETER_LOG_LEVEL")
	setString(&cfg.Logging.Format, "APIMETER_LOG_FORMAT")

	setBool(&cfg.Metrics.Enabled, "APIMETER_METRICS_ENABLED")

	setBool(&cfg.Scheduler.Enabled, "APIMETER_SCHEDULER_ENABLED")
	setString(&cfg.Scheduler.AggregationSpec, "APIMETER_SCHEDULER_AGGREGATION_SPEC")
	setString(&cfg.Scheduler.BillingSpec, "APIMETER_SCHEDULER_BILLING_SPEC")
	setString(&cfg.Scheduler.TriggerSecret, "APIMETER_SCHEDULER_TRIGGER_SECRET")

	setInt(&cfg.Jobs.Workers, "APIMETER_JOBS_WORKERS")
	setInt(&cfg.Jobs.MaxAttempts, "APIMETER_JOBS_MAX_ATTEMPTS")

	if v := os.Getenv("APIMETER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	setString(&cfg.Redis.Password, "APIMETER_REDIS_PASSWORD")

	setString(&cfg.Payment.Provider, "APIMETER_PAYMENT_PROVIDER")
	setString(&cfg.Payment.ClientID, "APIMETER_PAYMENT_CLIENT_ID")
	setString(&cfg.Payment.ClientSecret, "APIMETER_PAYMENT_CLIENT_SECRET")
	setString(&cfg.Payment.WebhookSecret, "APIMETER_PAYMENT_WEBHOOK_SECRET")
	setBool(&cfg.Payment.Sandbox, "APIMETER_PAYMENT_SANDBOX")
	setDuration(&cfg.Payment.Timeout, "APIMETER_PAYMENT_TIMEOUT")

	setString(&cfg.Gateway.AdminURL, "APIMETER_GATEWAY_ADMIN_URL")
	setString(&cfg.Gateway.AdminKey, "APIMETER_GATEWAY_ADMIN_KEY")
	setString(&cfg.Gateway.LogToken, "APIMETER_GATEWAY_LOG_TOKEN")

	setString(&cfg.Webhooks.Secret, "APIMETER_WEBHOOKS_SECRET")

	setInt(&cfg.Billing.MaxFailedPayments, "APIMETER_BILLING_MAX_FAILED_PAYMENTS")

	setString(&cfg.Export.S3.Bucket, "APIMETER_EXPORT_S3_BUCKET")
	setString(&cfg.Export.S3.Region, "APIMETER_EXPORT_S3_REGION")
	setString(&cfg.Export.S3.Endpoint, "APIMETER_EXPORT_S3_ENDPOINT")
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = parseBool(v)
	}
}

func setDuration(dst *time.Duration, env string) {
	if v := os.Getenv(env); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// parseBool parses a boolean from common string values.
func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.PublicURL == "" {
		cfg.Server.PublicURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodyBytes == 0 {
		cfg.Server.MaxBodyBytes = 5 << 20
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "apimeter.db"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Scheduler.AggregationSpec == "" {
		cfg.Scheduler.AggregationSpec = "15 0 * * *"
	}
	if cfg.Scheduler.BillingSpec == "" {
		cfg.Scheduler.BillingSpec = "30 0 * * *"
	}

	if cfg.Jobs.Workers == 0 {
		cfg.Jobs.Workers = 4
	}
	if cfg.Jobs.Timeout == 0 {
		cfg.Jobs.Timeout = time.Minute
	}
	p := cfg.Jobs.RetryPolicy()
	cfg.Jobs.MaxAttempts = p.MaxAttempts
	cfg.Jobs.InitialDelay = p.InitialDelay
	cfg.Jobs.MaxDelay = p.MaxDelay
	cfg.Jobs.BackoffMultiplier = p.BackoffMultiplier

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "apimeter:jobs"
	}

	if cfg.Payment.Provider == "" {
		cfg.Payment.Provider = "dummy"
	}
	if cfg.Payment.Timeout == 0 {
		cfg.Payment.Timeout = 10 * time.Second
	}

	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 10 * time.Second
	}
	if cfg.Gateway.Concurrency == 0 {
		cfg.Gateway.Concurrency = 8
	}
	if cfg.Gateway.CacheSize == 0 {
		cfg.Gateway.CacheSize = 1024
	}
	if cfg.Gateway.CacheTTL == 0 {
		cfg.Gateway.CacheTTL = time.Minute
	}

	if cfg.Billing.MaxFailedPayments == 0 {
		cfg.Billing.MaxFailedPayments = 3
	}

	if cfg.Export.S3.Region == "" {
		cfg.Export.S3.Region = "us-east-1"
	}
}

// Validate reports every configuration problem. Missing secrets and
// provider credentials are fatal.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Payment.WebhookSecret == "" {
		errs = append(errs, errors.New("payment.webhook_secret is required"))
	}
	if cfg.Scheduler.TriggerSecret == "" {
		errs = append(errs, errors.New("scheduler.trigger_secret is required"))
	}
	if cfg.Webhooks.Secret == "" {
		errs = append(errs, errors.New("webhooks.secret is required"))
	}

	switch cfg.Payment.Provider {
	case "paypal":
		if cfg.Payment.ClientID == "" || cfg.Payment.ClientSecret == "" {
			errs = append(errs, errors.New("payment.client_id and payment.client_secret are required for paypal"))
		}
	case "dummy":
	default:
		errs = append(errs, fmt.Errorf("payment.provider must be 'paypal' or 'dummy', got %q", cfg.Payment.Provider))
	}

	if _, err := zerolog.ParseLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level %q is not a valid level", cfg.Logging.Level))
	}
	if cfg.Logging.Format != "json" && cfg.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("logging.format must be 'json' or 'console', got %q", cfg.Logging.Format))
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range", cfg.Server.Port))
	}
	if cfg.Jobs.Workers < 1 {
		errs = append(errs, errors.New("jobs.workers must be at least 1"))
	}
	if cfg.Billing.MaxFailedPayments < 0 {
		errs = append(errs, errors.New("billing.max_failed_payments must not be negative"))
	}
	if cfg.Redis.Enabled && cfg.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}

	return errors.Join(errs...)
}

// ReloadableFields returns which fields can be changed without restart.
func ReloadableFields() []string {
	return []string{
		"logging.level",
		"jobs.max_attempts",
		"jobs.initial_delay",
		"jobs.max_delay",
		"jobs.backoff_multiplier",
	}
}

// NonReloadableFields returns which fields require a restart.
func NonReloadableFields() []string {
	return []string{
		"server.host",
		"server.port",
		"database.dsn",
		"redis.addr",
		"payment.provider",
		"scheduler.aggregation_spec",
		"scheduler.billing_spec",
	}
}
