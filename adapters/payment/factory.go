package payment

import (
	"fmt"
	"time"

	"github.com/artpar/apimeter/ports"
)

// Config selects and configures a payment provider.
type Config struct {
	Provider      string
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	Sandbox       bool
	BaseURL       string
	ReturnURL     string
	CancelURL     string
	PublicURL     string
	Timeout       time.Duration
}

// NewProvider creates a payment provider from configuration.
func NewProvider(cfg Config) (ports.PaymentProvider, error) {
	switch cfg.Provider {
	case "paypal":
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("paypal client ID and secret are required")
		}
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("paypal webhook secret is required")
		}
		return NewPayPalProvider(PayPalConfig{
			ClientID:      cfg.ClientID,
			ClientSecret:  cfg.ClientSecret,
			WebhookSecret: cfg.WebhookSecret,
			Sandbox:       cfg.Sandbox,
			BaseURL:       cfg.BaseURL,
			ReturnURL:     cfg.ReturnURL,
			CancelURL:     cfg.CancelURL,
			Timeout:       cfg.Timeout,
		}), nil

	case "dummy", "test":
		// Dummy provider for development/testing - simulates successful payments
		if cfg.WebhookSecret == "" {
			return nil, fmt.Errorf("webhook secret is required")
		}
		baseURL := cfg.PublicURL
		if baseURL == "" {
			baseURL = "http://localhost:8080"
		}
		return NewDummyProvider(baseURL, cfg.WebhookSecret), nil

	default:
		return nil, fmt.Errorf("unknown payment provider: %q", cfg.Provider)
	}
}
