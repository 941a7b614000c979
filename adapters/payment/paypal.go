package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

const (
	PayPalLiveURL    = "https://api.paypal.com"
	PayPalSandboxURL = "https://api.sandbox.paypal.com"
)

// PayPalConfig holds PayPal REST configuration.
type PayPalConfig struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	Sandbox       bool
	BaseURL       string // overrides the live/sandbox URL when set
	ReturnURL     string
	CancelURL     string
	Timeout       time.Duration
}

// PayPalProvider implements ports.PaymentProvider against the PayPal
// billing plans and agreements REST API.
type PayPalProvider struct {
	config     PayPalConfig
	httpClient *http.Client
	baseURL    string

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalProvider creates a new PayPal payment provider.
func NewPayPalProvider(config PayPalConfig) *PayPalProvider {
	baseURL := PayPalLiveURL
	if config.Sandbox {
		baseURL = PayPalSandboxURL
	}
	if config.BaseURL != "" {
		baseURL = strings.TrimRight(config.BaseURL, "/")
	}
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &PayPalProvider{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

var _ ports.PaymentProvider = (*PayPalProvider)(nil)

// Name returns the provider name.
func (p *PayPalProvider) Name() string {
	return "paypal"
}

type paypalAmount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type paypalLink struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

// CreateBillingPlan registers a plan with PayPal and returns its ID. The
// REGULAR definition carries a zero amount and auto billing is off: each
// cycle is collected only by ChargeAgreement from the renewal job. Trial days
// become a zero-priced TRIAL payment definition.
func (p *PayPalProvider) CreateBillingPlan(ctx context.Context, pl plan.Plan) (string, error) {
	definitions := []map[string]any{{
		"name":               "Regular payments",
		"type":               "REGULAR",
		"frequency":          pl.Cycle.ProviderInterval(),
		"frequency_interval": "1",
		"cycles":             "0",
		"amount":             paypalAmount{Value: "0.00", Currency: pl.Currency},
	}}
	if pl.TrialDays > 0 {
		definitions = append(definitions, map[string]any{
			"name":               "Trial",
			"type":               "TRIAL",
			"frequency":          "DAY",
			"frequency_interval": strconv.Itoa(pl.TrialDays),
			"cycles":             "1",
			"amount":             paypalAmount{Value: "0.00", Currency: pl.Currency},
		})
	}

	payload := map[string]any{
		"name":                pl.Name,
		"description":         planDescription(pl),
		"type":                "INFINITE",
		"payment_definitions": definitions,
		"merchant_preferences": map[string]any{
			"return_url":                 p.config.ReturnURL,
			"cancel_url":                 p.config.CancelURL,
			"auto_bill_amount":           "NO",
			"initial_fail_amount_action": "CONTINUE",
			"max_fail_attempts":          "0",
		},
	}

	var resp struct {
		ID string `json:"id"`
	}
	if err := p.doRequest(ctx, "create billing plan", http.MethodPost, "/v1/payments/billing-plans", payload, "", &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &ports.ProviderError{Op: "create billing plan", Err: errors.New("response has no plan id")}
	}
	return resp.ID, nil
}

func planDescription(pl plan.Plan) string {
	if pl.Description != "" {
		return pl.Description
	}
	return pl.Name
}

// ActivatePlan moves a created plan to the ACTIVE state.
func (p *PayPalProvider) ActivatePlan(ctx context.Context, planRef string) error {
	patch := []map[string]any{{
		"op":    "replace",
		"path":  "/",
		"value": map[string]string{"state": "ACTIVE"},
	}}
	return p.doRequest(ctx, "activate plan", http.MethodPatch,
		"/v1/payments/billing-plans/"+url.PathEscape(planRef), patch, "", nil)
}

// CreateAgreement creates a billing agreement and returns the approval link
// the buyer must visit.
func (p *PayPalProvider) CreateAgreement(ctx context.Context, req ports.AgreementRequest) (ports.Agreement, error) {
	returnURL := firstNonEmpty(req.ReturnURL, p.config.ReturnURL)
	cancelURL := firstNonEmpty(req.CancelURL, p.config.CancelURL)

	payload := map[string]any{
		"name":        req.Name,
		"description": firstNonEmpty(req.Description, req.Name),
		"start_date":  req.StartAt.UTC().Format("2006-01-02T15:04:05Z"),
		"plan":        map[string]string{"id": req.PlanRef},
		"payer":       map[string]string{"payment_method": "paypal"},
		"override_merchant_preferences": map[string]string{
			"return_url": returnURL,
			"cancel_url": cancelURL,
		},
		"custom_id": req.SubscriptionID,
	}

	var resp struct {
		Links []paypalLink `json:"links"`
	}
	if err := p.doRequest(ctx, "create agreement", http.MethodPost, "/v1/payments/billing-agreements", payload, "", &resp); err != nil {
		return ports.Agreement{}, err
	}

	for _, l := range resp.Links {
		if l.Rel != "approval_url" {
			continue
		}
		u, err := url.Parse(l.Href)
		if err != nil {
			return ports.Agreement{}, &ports.ProviderError{Op: "create agreement", Err: fmt.Errorf("bad approval url: %w", err)}
		}
		token := u.Query().Get("token")
		if token == "" {
			return ports.Agreement{}, &ports.ProviderError{Op: "create agreement", Err: errors.New("approval url has no token")}
		}
		return ports.Agreement{Token: token, ApprovalURL: l.Href}, nil
	}
	return ports.Agreement{}, &ports.ProviderError{Op: "create agreement", Err: errors.New("response has no approval url")}
}

// ExecuteAgreement completes an approved agreement and returns its ID.
func (p *PayPalProvider) ExecuteAgreement(ctx context.Context, token string) (string, error) {
	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	path := "/v1/payments/billing-agreements/" + url.PathEscape(token) + "/agreement-execute"
	if err := p.doRequest(ctx, "execute agreement", http.MethodPost, path, map[string]any{}, "", &resp); err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &ports.ProviderError{Op: "execute agreement", Err: errors.New("response has no agreement id")}
	}
	return resp.ID, nil
}

// CancelAgreement cancels a billing agreement.
func (p *PayPalProvider) CancelAgreement(ctx context.Context, agreementRef, note string) error {
	path := "/v1/payments/billing-agreements/" + url.PathEscape(agreementRef) + "/cancel"
	return p.doRequest(ctx, "cancel agreement", http.MethodPost, path, map[string]string{"note": note}, "", nil)
}

// ChargeAgreement bills an outstanding amount against an agreement. PayPal
// accepts the request without a result body; the outcome then arrives as a
// PAYMENT.SALE notification, so an empty answer is reported as pending.
func (p *PayPalProvider) ChargeAgreement(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	payload := map[string]any{
		"note":   req.Note,
		"amount": paypalAmount{Value: req.Amount.StringFixed(2), Currency: req.Currency},
	}

	var resp struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}
	path := "/v1/payments/billing-agreements/" + url.PathEscape(req.AgreementRef) + "/bill-balance"
	err := p.doRequest(ctx, "charge agreement", http.MethodPost, path, payload, req.IdempotencyKey, &resp)
	if err != nil {
		var pe *ports.ProviderError
		if errors.As(err, &pe) && pe.StatusCode == http.StatusUnprocessableEntity {
			return ports.ChargeResult{Status: ports.ChargeDeclined}, nil
		}
		return ports.ChargeResult{}, err
	}

	result := ports.ChargeResult{TransactionRef: resp.ID, Status: ports.ChargePending}
	switch strings.ToLower(resp.State) {
	case "completed":
		result.Status = ports.ChargeCompleted
	case "denied", "failed":
		result.Status = ports.ChargeDeclined
	}
	return result, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature of a notification body.
func (p *PayPalProvider) VerifyWebhook(payload []byte, signature string) error {
	if !webhook.VerifySignature(payload, signature, p.config.WebhookSecret) {
		return ports.ErrInvalidSignature
	}
	return nil
}

// token returns a cached OAuth2 access token, fetching a new one when the
// cached token is within a minute of expiry.
func (p *PayPalProvider) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(p.config.ClientID, p.config.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", &ports.ProviderError{Op: "oauth token", Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", statusError("oauth token", resp.StatusCode, body)
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &ports.ProviderError{Op: "oauth token", Err: errors.New("malformed token response")}
	}

	p.accessToken = tok.AccessToken
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *PayPalProvider) doRequest(ctx context.Context, op, method, path string, payload any, idempotencyKey string, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return &ports.ProviderError{Op: op, Err: err}
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return &ports.ProviderError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("PayPal-Request-Id", idempotencyKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &ports.ProviderError{Op: op, Retryable: true, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &ports.ProviderError{Op: op, Retryable: true, Err: err}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		p.mu.Lock()
		p.accessToken = ""
		p.mu.Unlock()
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, respBody)
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &ports.ProviderError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// statusError classifies a non-2xx answer. Throttling, auth expiry and server
// errors are retryable.
func statusError(op string, status int, body []byte) error {
	var apiErr struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	msg := http.StatusText(status)
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Name != "" {
		msg = apiErr.Name + ": " + apiErr.Message
	}
	return &ports.ProviderError{
		Op:         op,
		StatusCode: status,
		Retryable:  status == http.StatusTooManyRequests || status == http.StatusUnauthorized || status >= 500,
		Err:        errors.New(msg),
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
