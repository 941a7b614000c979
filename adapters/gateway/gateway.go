// Package gateway pushes consumer policy to the reverse proxy's admin API.
//
// API Contract:
//
//	PUT /consumers/{subscriptionId}
//	Request:  {"api_id": "weather", "enabled": true, "daily_quota": 1000, "key_hash": "..."}
//	Response: any 2xx
//
//	DELETE /consumers/{subscriptionId}
//	Response: any 2xx, or 404 when the consumer is already gone
//
// The gateway reports the consumer's custom_id (the subscription ID) on every
// access log entry, which is how usage is attributed.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/apimeter/ports"
)

// Config configures the admin API client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Headers map[string]string
}

// Client implements ports.GatewayConfigurator over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	headers    map[string]string
}

// New creates a new admin API client.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		headers:    cfg.Headers,
	}
}

var _ ports.GatewayConfigurator = (*Client)(nil)

type consumerBody struct {
	APIID      string `json:"api_id"`
	Enabled    bool   `json:"enabled"`
	DailyQuota *int64 `json:"daily_quota"`
	KeyHash    string `json:"key_hash"`
}

// ApplyPolicy creates or replaces the consumer for a subscription.
func (c *Client) ApplyPolicy(ctx context.Context, p ports.ConsumerPolicy) error {
	body := consumerBody{
		APIID:      p.APISlug,
		Enabled:    p.Enabled,
		DailyQuota: p.DailyQuota,
		KeyHash:    p.KeyHash,
	}
	return c.request(ctx, http.MethodPut, consumerPath(p.SubscriptionID), body)
}

// RemoveConsumer deletes the consumer for a subscription.
func (c *Client) RemoveConsumer(ctx context.Context, subscriptionID string) error {
	err := c.request(ctx, http.MethodDelete, consumerPath(subscriptionID), nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func consumerPath(subscriptionID string) string {
	return "/consumers/" + url.PathEscape(subscriptionID)
}

func (c *Client) request(ctx context.Context, method, path string, body any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &AdminError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// AdminError is a non-2xx answer from the admin API.
type AdminError struct {
	StatusCode int
	Message    string
}

func (e *AdminError) Error() string {
	return fmt.Sprintf("gateway admin error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool {
	var ae *AdminError
	if errors.As(err, &ae) {
		return ae.StatusCode == http.StatusNotFound
	}
	return false
}

// Noop discards policy updates. It is used when no admin URL is configured.
type Noop struct{}

var _ ports.GatewayConfigurator = Noop{}

func (Noop) ApplyPolicy(context.Context, ports.ConsumerPolicy) error { return nil }
func (Noop) RemoveConsumer(context.Context, string) error            { return nil }
