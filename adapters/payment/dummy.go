package payment

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// DummyProvider is a test/demo payment provider that simulates successful payments.
// Use this for development and demos when real payment credentials aren't available.
// Webhook signatures are still checked against the configured secret.
type DummyProvider struct {
	baseURL       string
	webhookSecret string

	mu        sync.Mutex
	charges   map[string]ports.ChargeResult // by idempotency key
	cancelled map[string]bool

	// Decline makes every charge come back declined.
	Decline bool
	// Pending leaves charges pending; the sale completes by notification.
	Pending bool
}

// NewDummyProvider creates a new dummy payment provider.
func NewDummyProvider(baseURL, webhookSecret string) *DummyProvider {
	return &DummyProvider{
		baseURL:       strings.TrimRight(baseURL, "/"),
		webhookSecret: webhookSecret,
		charges:       make(map[string]ports.ChargeResult),
		cancelled:     make(map[string]bool),
	}
}

var _ ports.PaymentProvider = (*DummyProvider)(nil)

// Name returns the provider name.
func (p *DummyProvider) Name() string {
	return "dummy"
}

// CreateBillingPlan returns a plan reference derived from the plan ID.
func (p *DummyProvider) CreateBillingPlan(ctx context.Context, pl plan.Plan) (string, error) {
	return "P-DUMMY-" + pl.ID, nil
}

// ActivatePlan always succeeds.
func (p *DummyProvider) ActivatePlan(ctx context.Context, planRef string) error {
	return nil
}

// CreateAgreement skips the approval page and points straight at the return URL.
func (p *DummyProvider) CreateAgreement(ctx context.Context, req ports.AgreementRequest) (ports.Agreement, error) {
	token := "EC-" + req.SubscriptionID
	returnURL := req.ReturnURL
	if returnURL == "" {
		returnURL = p.baseURL + "/subscriptions/" + url.PathEscape(req.SubscriptionID) + "/execute"
	}
	return ports.Agreement{
		Token:       token,
		ApprovalURL: returnURL + "?token=" + url.QueryEscape(token),
	}, nil
}

// ExecuteAgreement turns an approval token into an agreement reference.
func (p *DummyProvider) ExecuteAgreement(ctx context.Context, token string) (string, error) {
	return "I-" + strings.TrimPrefix(token, "EC-"), nil
}

// CancelAgreement records the cancellation.
func (p *DummyProvider) CancelAgreement(ctx context.Context, agreementRef, note string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[agreementRef] = true
	return nil
}

// ChargeAgreement settles immediately. Repeating an idempotency key returns
// the first result.
func (p *DummyProvider) ChargeAgreement(ctx context.Context, req ports.ChargeRequest) (ports.ChargeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if res, ok := p.charges[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := ports.ChargeResult{TransactionRef: "DUMMY-" + req.IdempotencyKey, Status: ports.ChargeCompleted}
	switch {
	case p.Decline || p.cancelled[req.AgreementRef]:
		res = ports.ChargeResult{Status: ports.ChargeDeclined}
	case p.Pending:
		res.Status = ports.ChargePending
	}
	p.charges[req.IdempotencyKey] = res
	return res, nil
}

// Charges returns how many distinct charges were requested.
func (p *DummyProvider) Charges() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.charges)
}

// VerifyWebhook checks the HMAC-SHA256 signature of a notification body.
func (p *DummyProvider) VerifyWebhook(payload []byte, signature string) error {
	if !webhook.VerifySignature(payload, signature, p.webhookSecret) {
		return ports.ErrInvalidSignature
	}
	return nil
}
