// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/domain/webhook"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// KeyGenerator issues subscriber API keys.
type KeyGenerator interface {
	// Generate returns a new plaintext key.
	Generate() (string, error)
}

// Hasher provides one-way hashing for secrets.
type Hasher interface {
	// Hash generates a hash from a plaintext value.
	Hash(plaintext string) ([]byte, error)

	// Compare checks if plaintext matches hash.
	Compare(hash []byte, plaintext string) bool
}

// Transactor runs a function inside a single store transaction. Store calls
// made with the context passed to fn participate in that transaction; the
// transaction commits when fn returns nil and rolls back otherwise.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists per-day usage records.
type UsageStore interface {
	// Increment atomically folds one request into the record for key,
	// creating it on first use. Concurrent increments never lose updates.
	Increment(ctx context.Context, key usage.Key, statusCode int, latencyMs float64, at time.Time) error

	// Get returns the record for key.
	Get(ctx context.Context, key usage.Key) (usage.Record, error)

	// ListRange returns a subscription's records with day in [from, to).
	ListRange(ctx context.Context, subscriptionID string, from, to time.Time) ([]usage.Record, error)

	// SaveSummary stores a rolled-up period summary with its overage,
	// replacing any earlier summary for the same period.
	SaveSummary(ctx context.Context, s usage.Summary, overageUnits int64, overageCharge decimal.Decimal) error

	// GetSummary returns the stored summary for the period starting at periodStart.
	GetSummary(ctx context.Context, subscriptionID string, periodStart time.Time) (usage.Summary, error)
}

// APIStore persists metered APIs.
type APIStore interface {
	Get(ctx context.Context, id string) (usage.API, error)
	GetBySlug(ctx context.Context, slug string) (usage.API, error)
	List(ctx context.Context) ([]usage.API, error)
	Create(ctx context.Context, api usage.API) error
}

// PlanStore persists plans. Plans are never updated after creation.
type PlanStore interface {
	Get(ctx context.Context, id string) (plan.Plan, error)
	List(ctx context.Context) ([]plan.Plan, error)
	Create(ctx context.Context, p plan.Plan) error
}

// SubscriptionStore reads and creates subscriptions. It has no status
// mutator; status changes go through SubscriptionStatusWriter.
type SubscriptionStore interface {
	Get(ctx context.Context, id string) (billing.Subscription, error)
	GetByAgreement(ctx context.Context, agreementRef string) (billing.Subscription, error)
	GetByAPIKeyHash(ctx context.Context, keyHash string) (billing.Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]billing.Subscription, error)

	// ListBillable returns active and suspended subscriptions.
	ListBillable(ctx context.Context) ([]billing.Subscription, error)

	// ListRenewalsDue returns active subscriptions renewing in [from, to) and
	// suspended subscriptions renewing before to.
	ListRenewalsDue(ctx context.Context, from, to time.Time) ([]billing.Subscription, error)

	// Create stores a new subscription. Its status must be pending.
	Create(ctx context.Context, sub billing.Subscription) error
}

// SubscriptionStatusWriter persists lifecycle transitions. Only the
// lifecycle manager holds one.
type SubscriptionStatusWriter interface {
	// SaveTransition writes next if the stored row still has prev's version.
	// It returns ErrConflict when another writer got there first.
	SaveTransition(ctx context.Context, prev, next billing.Subscription) error
}

// InvoiceStore persists invoices. A subscription has at most one pending
// invoice, and paid invoices are immutable.
type InvoiceStore interface {
	// CreatePending stores inv as the subscription's pending invoice. When a
	// pending invoice for the same period exists it is returned instead;
	// a pending invoice for a different period yields ErrPendingInvoice.
	CreatePending(ctx context.Context, inv billing.Invoice) (billing.Invoice, error)

	Get(ctx context.Context, id string) (billing.Invoice, error)
	GetPending(ctx context.Context, subscriptionID string) (billing.Invoice, error)
	GetByTransactionRef(ctx context.Context, txRef string) (billing.Invoice, error)

	// FindForPeriod returns the newest invoice billing the given period.
	FindForPeriod(ctx context.Context, subscriptionID string, periodStart time.Time) (billing.Invoice, error)

	// MarkPaid settles a pending invoice. Settling an invoice already paid
	// with the same transaction ref returns it unchanged; any other change
	// to a non-pending invoice yields ErrInvoiceClosed.
	MarkPaid(ctx context.Context, id, txRef string, at time.Time) (billing.Invoice, error)

	// MarkFailed closes a pending invoice as failed. It reports whether the
	// invoice was pending.
	MarkFailed(ctx context.Context, id string) (bool, error)

	ListByUser(ctx context.Context, userID string) ([]billing.Invoice, error)
	ExportRows(ctx context.Context, userID string) ([]billing.ExportRow, error)
}

// WebhookEventStore is the ledger of processed notifications.
type WebhookEventStore interface {
	// Exists reports whether an event from source was already processed.
	Exists(ctx context.Context, source webhook.Source, id string) (bool, error)

	// Record adds an entry; an existing (source, ID) yields ErrDuplicate.
	Record(ctx context.Context, ev webhook.ProcessedEvent) error
}

// JobStore is the durable ledger behind the job queue: enqueue claims and
// dead letters.
type JobStore interface {
	// Claim records the job's idempotency key. It reports false when the
	// key was already claimed.
	Claim(ctx context.Context, j job.Job) (bool, error)

	// Release removes a claim so the job can be enqueued again.
	Release(ctx context.Context, id string) error

	// DeadLetter records a job that exhausted its retries.
	DeadLetter(ctx context.Context, j job.Job, lastErr string, at time.Time) error

	ListDeadLetters(ctx context.Context, limit int) ([]job.DeadLetter, error)
}

// -----------------------------------------------------------------------------
// Queue Ports
// -----------------------------------------------------------------------------

// JobQueue is an at-least-once task queue.
type JobQueue interface {
	Enqueue(ctx context.Context, j job.Job) error

	// Dequeue waits for the next ready job. It returns nil, nil when none
	// became ready before the queue's poll interval elapsed.
	Dequeue(ctx context.Context) (*job.Job, error)

	// Ack removes a delivered job permanently.
	Ack(ctx context.Context, j job.Job) error

	// Retry hands a delivered job back to the queue to become ready after delay.
	Retry(ctx context.Context, j job.Job, delay time.Duration) error

	Close() error
}

// -----------------------------------------------------------------------------
// Payment Ports
// -----------------------------------------------------------------------------

// AgreementRequest asks the provider for a billing agreement.
type AgreementRequest struct {
	PlanRef        string
	SubscriptionID string // echoed back as custom_id on notifications
	Name           string
	Description    string
	StartAt        time.Time
	ReturnURL      string
	CancelURL      string
}

// Agreement is a created, not yet approved, billing agreement.
type Agreement struct {
	Token       string
	ApprovalURL string
}

// ChargeRequest bills an amount against an agreement.
type ChargeRequest struct {
	AgreementRef   string
	Amount         decimal.Decimal
	Currency       string
	Note           string
	IdempotencyKey string
}

// ChargeStatus is the provider's immediate answer to a charge.
type ChargeStatus string

const (
	ChargeCompleted ChargeStatus = "completed"
	ChargePending   ChargeStatus = "pending" // outcome arrives by notification
	ChargeDeclined  ChargeStatus = "declined"
)

// ChargeResult is the outcome of a charge request.
type ChargeResult struct {
	TransactionRef string
	Status         ChargeStatus
}

// PaymentProvider is the narrow contract with the payment provider.
type PaymentProvider interface {
	// Name returns the provider name.
	Name() string

	CreateBillingPlan(ctx context.Context, p plan.Plan) (planRef string, err error)
	ActivatePlan(ctx context.Context, planRef string) error
	CreateAgreement(ctx context.Context, req AgreementRequest) (Agreement, error)
	ExecuteAgreement(ctx context.Context, token string) (agreementRef string, err error)
	CancelAgreement(ctx context.Context, agreementRef, note string) error
	ChargeAgreement(ctx context.Context, req ChargeRequest) (ChargeResult, error)

	// VerifyWebhook authenticates a raw notification body.
	VerifyWebhook(payload []byte, signature string) error
}

// ProviderError is a typed payment provider failure.
type ProviderError struct {
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("payment %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("payment %s: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// -----------------------------------------------------------------------------
// Gateway and Archive Ports
// -----------------------------------------------------------------------------

// ConsumerPolicy is the access policy pushed to the gateway for one
// subscription.
type ConsumerPolicy struct {
	SubscriptionID string
	APISlug        string
	KeyHash        string
	Enabled        bool
	DailyQuota     *int64
}

// GatewayConfigurator pushes consumer policy to the gateway admin API.
// Calls are idempotent: the latest policy wins.
type GatewayConfigurator interface {
	ApplyPolicy(ctx context.Context, p ConsumerPolicy) error
	RemoveConsumer(ctx context.Context, subscriptionID string) error
}

// ObjectStore stores exported documents.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) (location string, err error)
}

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	ErrNotFound       = errors.New("not found")
	ErrDuplicate      = errors.New("already exists")
	ErrConflict       = errors.New("concurrent update")
	ErrPendingInvoice = errors.New("subscription already has a pending invoice for another period")
	ErrInvoiceClosed  = errors.New("invoice is not pending")

	ErrInvalidSignature = errors.New("invalid webhook signature")
)
