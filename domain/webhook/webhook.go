// Package webhook provides payment notification types and pure functions for
// parsing and authenticating them.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the normalized meaning of a notification.
type Kind string

const (
	KindActivated        Kind = "subscription.activated"
	KindPaymentSucceeded Kind = "payment.succeeded"
	KindPaymentFailed    Kind = "payment.failed"
	KindCancelled        Kind = "subscription.cancelled"
	KindUnknown          Kind = "unknown"
)

// Source identifies which endpoint a notification arrived on.
type Source string

const (
	SourceProvider Source = "provider" // payment provider notifications
	SourceEvents   Source = "events"   // generic signed events
	SourceGateway  Source = "gateway"  // gateway log batches carrying a batch ID
)

// Outcome records what processing a notification did.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeNoop      Outcome = "noop"      // state already reflected the event
	OutcomeDiscarded Outcome = "discarded" // not a permitted transition
	OutcomeIgnored   Outcome = "ignored"   // event type not handled
)

// providerKinds maps provider event types to kinds.
var providerKinds = map[string]Kind{
	"BILLING.SUBSCRIPTION.ACTIVATED":      KindActivated,
	"BILLING.SUBSCRIPTION.RE-ACTIVATED":   KindActivated,
	"PAYMENT.SALE.COMPLETED":              KindPaymentSucceeded,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": KindPaymentFailed,
	"PAYMENT.SALE.DENIED":                 KindPaymentFailed,
	"BILLING.SUBSCRIPTION.CANCELLED":      KindCancelled,
	"BILLING.SUBSCRIPTION.EXPIRED":        KindCancelled,
}

var (
	ErrMissingID   = errors.New("event id is required")
	ErrMissingType = errors.New("event type is required")
	ErrMalformed   = errors.New("malformed event payload")
)

// Event is a normalized notification (value type).
type Event struct {
	ID             string
	Source         Source
	Type           string // raw type as delivered
	Kind           Kind
	SubscriptionID string // our subscription ID, when the sender knows it
	AgreementRef   string
	TransactionRef string
	Amount         *decimal.Decimal
	Currency       string
	OccurredAt     time.Time
}

// ProcessedEvent is a ledger entry for a handled notification.
type ProcessedEvent struct {
	ID          string
	Source      Source
	Type        string
	Outcome     Outcome
	ProcessedAt time.Time
}

// providerEnvelope is the provider's notification body.
type providerEnvelope struct {
	ID           string           `json:"id"`
	EventType    string           `json:"event_type"`
	CreateTime   time.Time        `json:"create_time"`
	ResourceType string           `json:"resource_type"`
	Resource     providerResource `json:"resource"`
}

type providerResource struct {
	ID                 string          `json:"id"`
	CustomID           string          `json:"custom_id"`
	BillingAgreementID string          `json:"billing_agreement_id"`
	State              string          `json:"state"`
	Amount             *providerAmount `json:"amount"`
}

type providerAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

// ParseProvider decodes a payment provider notification.
// This is a PURE function.
func ParseProvider(body []byte) (Event, error) {
	var env providerEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, ErrMalformed
	}
	if env.ID == "" {
		return Event{}, ErrMissingID
	}
	if env.EventType == "" {
		return Event{}, ErrMissingType
	}

	ev := Event{
		ID:             env.ID,
		Source:         SourceProvider,
		Type:           env.EventType,
		Kind:           KindOfProviderType(env.EventType),
		SubscriptionID: env.Resource.CustomID,
		OccurredAt:     env.CreateTime,
	}

	// Sale resources reference the agreement they were charged against;
	// agreement resources are the agreement.
	if env.Resource.BillingAgreementID != "" {
		ev.AgreementRef = env.Resource.BillingAgreementID
		ev.TransactionRef = env.Resource.ID
	} else {
		ev.AgreementRef = env.Resource.ID
	}

	if a := env.Resource.Amount; a != nil && a.Total != "" {
		amount, err := decimal.NewFromString(a.Total)
		if err != nil {
			return Event{}, ErrMalformed
		}
		ev.Amount = &amount
		ev.Currency = a.Currency
	}
	return ev, nil
}

// KindOfProviderType maps a provider event type to a Kind.
// This is a PURE function.
func KindOfProviderType(eventType string) Kind {
	if k, ok := providerKinds[strings.ToUpper(eventType)]; ok {
		return k
	}
	return KindUnknown
}

// genericEnvelope is the body accepted on the signed events endpoint.
type genericEnvelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      genericData `json:"data"`
}

type genericData struct {
	SubscriptionID string `json:"subscription_id"`
	AgreementID    string `json:"agreement_id"`
	TransactionID  string `json:"transaction_id"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

// ParseGeneric decodes a signed event from the generic events endpoint.
// This is a PURE function.
func ParseGeneric(body []byte) (Event, error) {
	var env genericEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, ErrMalformed
	}
	if env.ID == "" {
		return Event{}, ErrMissingID
	}
	if env.Type == "" {
		return Event{}, ErrMissingType
	}

	kind := Kind(env.Type)
	switch kind {
	case KindActivated, KindPaymentSucceeded, KindPaymentFailed, KindCancelled:
	default:
		kind = KindUnknown
	}

	ev := Event{
		ID:             env.ID,
		Source:         SourceEvents,
		Type:           env.Type,
		Kind:           kind,
		SubscriptionID: env.Data.SubscriptionID,
		AgreementRef:   env.Data.AgreementID,
		TransactionRef: env.Data.TransactionID,
		Currency:       env.Data.Currency,
		OccurredAt:     env.Timestamp,
	}
	if env.Data.Amount != "" {
		amount, err := decimal.NewFromString(env.Data.Amount)
		if err != nil {
			return Event{}, ErrMalformed
		}
		ev.Amount = &amount
	}
	return ev, nil
}

// SignPayload generates an HMAC-SHA256 signature for a payload.
// This is a PURE function.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies that a signature matches the payload. An optional
// "sha256=" prefix on the signature is accepted. An empty secret never
// verifies.
// This is a PURE function.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected))
}
