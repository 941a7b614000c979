package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// fakePayPal serves the token endpoint and delegates the rest to api.
func fakePayPal(t *testing.T, api http.HandlerFunc) (*PayPalProvider, *int32) {
	t.Helper()
	var tokenCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		if !ok || user != "client" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		api(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p := NewPayPalProvider(PayPalConfig{
		ClientID:      "client",
		ClientSecret:  "secret",
		WebhookSecret: "whsec",
		BaseURL:       srv.URL,
		ReturnURL:     "https://meter.example/return",
		CancelURL:     "https://meter.example/cancel",
		Timeout:       5 * time.Second,
	})
	return p, &tokenCalls
}

func TestNewPayPalProvider_BaseURL(t *testing.T) {
	tests := []struct {
		name   string
		config PayPalConfig
		want   string
	}{
		{"live", PayPalConfig{}, PayPalLiveURL},
		{"sandbox", PayPalConfig{Sandbox: true}, PayPalSandboxURL},
		{"override", PayPalConfig{Sandbox: true, BaseURL: "http://localhost:9/"}, "http://localhost:9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPayPalProvider(tt.config)
			if p.baseURL != tt.want {
				t.Errorf("baseURL = %s, want %s", p.baseURL, tt.want)
			}
			if p.Name() != "paypal" {
				t.Errorf("Name() = %s", p.Name())
			}
		})
	}
}

func TestPayPalProvider_CreateBillingPlan(t *testing.T) {
	var got map[string]any
	p, tokenCalls := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/payments/billing-plans" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "P-123", "state": "CREATED"})
	})

	ref, err := p.CreateBillingPlan(context.Background(), plan.Plan{
		ID:        "plan-pro",
		Name:      "Pro",
		Price:     decimal.RequireFromString("10"),
		Currency:  "USD",
		Cycle:     plan.CycleMonthly,
		TrialDays: 14,
	})
	if err != nil {
		t.Fatalf("CreateBillingPlan() error = %v", err)
	}
	if ref != "P-123" {
		t.Errorf("ref = %s, want P-123", ref)
	}

	defs := got["payment_definitions"].([]any)
	if len(defs) != 2 {
		t.Fatalf("payment_definitions = %d, want 2", len(defs))
	}
	regular := defs[0].(map[string]any)
	if regular["frequency"] != "MONTH" {
		t.Errorf("frequency = %v", regular["frequency"])
	}
	// The renewal job collects each cycle; PayPal must not bill the plan on its own.
	if amount := regular["amount"].(map[string]any); amount["value"] != "0.00" || amount["currency"] != "USD" {
		t.Errorf("amount = %v, want a zero regular amount", amount)
	}
	prefs := got["merchant_preferences"].(map[string]any)
	if prefs["auto_bill_amount"] != "NO" {
		t.Errorf("auto_bill_amount = %v, want NO", prefs["auto_bill_amount"])
	}
	trial := defs[1].(map[string]any)
	if trial["type"] != "TRIAL" || trial["frequency_interval"] != "14" {
		t.Errorf("trial = %v", trial)
	}

	// Token is cached across calls.
	if _, err := p.CreateBillingPlan(context.Background(), plan.Plan{Name: "Basic", Currency: "USD", Cycle: plan.CycleWeekly}); err != nil {
		t.Fatalf("second CreateBillingPlan() error = %v", err)
	}
	if n := atomic.LoadInt32(tokenCalls); n != 1 {
		t.Errorf("token calls = %d, want 1", n)
	}
}

func TestPayPalProvider_ActivatePlan(t *testing.T) {
	p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/v1/payments/billing-plans/P-123" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var patch []map[string]any
		json.NewDecoder(r.Body).Decode(&patch)
		if len(patch) != 1 || patch[0]["op"] != "replace" {
			t.Errorf("patch = %v", patch)
		}
		w.WriteHeader(http.StatusOK)
	})

	if err := p.ActivatePlan(context.Background(), "P-123"); err != nil {
		t.Fatalf("ActivatePlan() error = %v", err)
	}
}

func TestPayPalProvider_CreateAndExecuteAgreement(t *testing.T) {
	p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/payments/billing-agreements":
			var body map[string]any
			json.NewDecoder(r.Body).Decode(&body)
			if body["custom_id"] != "sub-1" {
				t.Errorf("custom_id = %v", body["custom_id"])
			}
			if body["start_date"] != "2024-03-02T00:00:00Z" {
				t.Errorf("start_date = %v", body["start_date"])
			}
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(map[string]any{
				"links": []map[string]string{
					{"rel": "approval_url", "href": "https://www.sandbox.paypal.com/cgi-bin/webscr?cmd=_express-checkout&token=EC-9X"},
					{"rel": "execute", "href": "https://api.sandbox.paypal.com/v1/payments/billing-agreements/EC-9X/agreement-execute"},
				},
			})
		case "/v1/payments/billing-agreements/EC-9X/agreement-execute":
			json.NewEncoder(w).Encode(map[string]string{"id": "I-AGREEMENT", "state": "Active"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	ctx := context.Background()

	ag, err := p.CreateAgreement(ctx, ports.AgreementRequest{
		PlanRef:        "P-123",
		SubscriptionID: "sub-1",
		Name:           "Weather API - Pro",
		StartAt:        time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("CreateAgreement() error = %v", err)
	}
	if ag.Token != "EC-9X" {
		t.Errorf("Token = %s, want EC-9X", ag.Token)
	}

	ref, err := p.ExecuteAgreement(ctx, ag.Token)
	if err != nil {
		t.Fatalf("ExecuteAgreement() error = %v", err)
	}
	if ref != "I-AGREEMENT" {
		t.Errorf("ref = %s, want I-AGREEMENT", ref)
	}
}

func TestPayPalProvider_CreateAgreementWithoutApproval(t *testing.T) {
	p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"links": []any{}})
	})

	_, err := p.CreateAgreement(context.Background(), ports.AgreementRequest{PlanRef: "P-1"})
	if err == nil {
		t.Fatal("expected error for missing approval url")
	}
}

func TestPayPalProvider_ChargeAgreement(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus ports.ChargeStatus
		wantRef    string
	}{
		{"accepted without body", http.StatusNoContent, "", ports.ChargePending, ""},
		{"completed sale", http.StatusOK, `{"id":"SALE-1","state":"completed"}`, ports.ChargeCompleted, "SALE-1"},
		{"denied sale", http.StatusOK, `{"id":"SALE-2","state":"denied"}`, ports.ChargeDeclined, "SALE-2"},
		{"unprocessable", http.StatusUnprocessableEntity, `{"name":"INSUFFICIENT_FUNDS","message":"no money"}`, ports.ChargeDeclined, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/v1/payments/billing-agreements/I-1/bill-balance" {
					t.Errorf("path = %s", r.URL.Path)
				}
				if got := r.Header.Get("PayPal-Request-Id"); got != "inv-1" {
					t.Errorf("PayPal-Request-Id = %q, want inv-1", got)
				}
				w.WriteHeader(tt.status)
				io.WriteString(w, tt.body)
			})

			res, err := p.ChargeAgreement(context.Background(), ports.ChargeRequest{
				AgreementRef:   "I-1",
				Amount:         decimal.RequireFromString("10.25"),
				Currency:       "USD",
				IdempotencyKey: "inv-1",
			})
			if err != nil {
				t.Fatalf("ChargeAgreement() error = %v", err)
			}
			if res.Status != tt.wantStatus || res.TransactionRef != tt.wantRef {
				t.Errorf("result = %+v, want %s/%s", res, tt.wantStatus, tt.wantRef)
			}
		})
	}
}

func TestPayPalProvider_ErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusNotFound, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"name":"ERR","message":"boom"}`)
			})

			err := p.CancelAgreement(context.Background(), "I-1", "bye")
			var pe *ports.ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("error = %v, want *ports.ProviderError", err)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d", pe.StatusCode)
			}
			if ports.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", ports.IsRetryable(err), tt.retryable)
			}
		})
	}
}

func TestPayPalProvider_BadCredentials(t *testing.T) {
	p, _ := fakePayPal(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("API must not be called without a token")
	})
	p.config.ClientSecret = "wrong"

	err := p.ActivatePlan(context.Background(), "P-1")
	var pe *ports.ProviderError
	if !errors.As(err, &pe) || pe.Op != "oauth token" {
		t.Fatalf("error = %v, want oauth token failure", err)
	}
}

func TestPayPalProvider_VerifyWebhook(t *testing.T) {
	p := NewPayPalProvider(PayPalConfig{WebhookSecret: "whsec"})
	payload := []byte(`{"id":"WH-1"}`)

	if err := p.VerifyWebhook(payload, webhook.SignPayload(payload, "whsec")); err != nil {
		t.Errorf("VerifyWebhook() valid signature error = %v", err)
	}
	if err := p.VerifyWebhook(payload, "deadbeef"); !errors.Is(err, ports.ErrInvalidSignature) {
		t.Errorf("VerifyWebhook() bad signature error = %v", err)
	}
	if err := p.VerifyWebhook(payload, ""); !errors.Is(err, ports.ErrInvalidSignature) {
		t.Errorf("VerifyWebhook() empty signature error = %v", err)
	}
}
