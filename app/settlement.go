package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/quota"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// Settlement applies payment outcomes to invoices and the lifecycle. Both the
// renewal job and the webhook reconciler settle through it, so either may
// arrive first and redeliveries converge. Callers run it inside a store
// transaction.
type Settlement struct {
	subs      ports.SubscriptionStore
	plans     ports.PlanStore
	invoices  ports.InvoiceStore
	lifecycle *LifecycleManager
	ids       ports.IDGenerator
	metrics   *metrics.Collector
	logger    zerolog.Logger
}

// SettlementDeps contains dependencies for Settlement.
type SettlementDeps struct {
	Subscriptions ports.SubscriptionStore
	Plans         ports.PlanStore
	Invoices      ports.InvoiceStore
	Lifecycle     *LifecycleManager
	IDGen         ports.IDGenerator
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// NewSettlement creates a settlement service.
func NewSettlement(deps SettlementDeps) *Settlement {
	return &Settlement{
		subs:      deps.Subscriptions,
		plans:     deps.Plans,
		invoices:  deps.Invoices,
		lifecycle: deps.Lifecycle,
		ids:       deps.IDGen,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
}

// PaymentSucceeded settles a successful payment. A transaction already
// recorded on a paid invoice is a no-op. Otherwise the pending invoice is
// marked paid (or a paid invoice is recorded for a payment the provider
// collected on its own) and the renewal date advances one cycle. Without a
// pending invoice the cycle must be due: a payment arriving after the cycle
// was settled is a no-op.
func (s *Settlement) PaymentSucceeded(ctx context.Context, subscriptionID, txRef string, amount *decimal.Decimal, at time.Time) (webhook.Outcome, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if !sub.Billable() {
		return "", billing.ErrInvalidTransition
	}

	if txRef != "" {
		inv, err := s.invoices.GetByTransactionRef(ctx, txRef)
		switch {
		case err == nil && inv.Status == billing.InvoiceStatusPaid:
			return webhook.OutcomeNoop, nil
		case err != nil && !isNotFound(err):
			return "", fmt.Errorf("lookup transaction %s: %w", txRef, err)
		}
	}

	pending, err := s.invoices.GetPending(ctx, sub.ID)
	switch {
	case err == nil:
		if txRef == "" {
			txRef = pending.ID
		}
		if _, err := s.invoices.MarkPaid(ctx, pending.ID, txRef, at); err != nil {
			return "", fmt.Errorf("mark invoice %s paid: %w", pending.ID, err)
		}
		s.countInvoice(billing.InvoiceStatusPaid)
	case isNotFound(err):
		if sub.RenewalDate != nil && sub.RenewalDate.After(usage.Day(at)) {
			s.logger.Warn().
				Str("subscription_id", sub.ID).
				Str("transaction_ref", txRef).
				Str("renewal_date", sub.RenewalDate.Format(usage.DayLayout)).
				Msg("payment for a cycle already settled, not applied")
			return webhook.OutcomeNoop, nil
		}
		if err := s.recordCollected(ctx, sub, txRef, amount, at); err != nil {
			return "", err
		}
	default:
		return "", fmt.Errorf("load pending invoice: %w", err)
	}

	_, changed, err := s.lifecycle.Transition(ctx, sub.ID, billing.Event{
		Kind: billing.EventPaymentSucceeded,
		At:   at,
	})
	if err != nil {
		return "", err
	}
	if !changed {
		return webhook.OutcomeNoop, nil
	}
	return webhook.OutcomeApplied, nil
}

// recordCollected stores a paid invoice for a payment that arrived with no
// pending invoice, covering the cycle that starts at the renewal date.
func (s *Settlement) recordCollected(ctx context.Context, sub billing.Subscription, txRef string, amount *decimal.Decimal, at time.Time) error {
	if txRef == "" || sub.RenewalDate == nil {
		return nil
	}
	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}

	start := *sub.RenewalDate
	inv := billing.RenewalInvoice(sub, p, quota.OverageResult{}, start, p.Cycle.Advance(start), at)
	inv.ID = s.ids.New()
	if amount != nil {
		inv.Amount = *amount
	}

	created, err := s.invoices.CreatePending(ctx, inv)
	if err != nil {
		return fmt.Errorf("record collected payment: %w", err)
	}
	if _, err := s.invoices.MarkPaid(ctx, created.ID, txRef, at); err != nil {
		return fmt.Errorf("mark invoice %s paid: %w", created.ID, err)
	}
	s.countInvoice(billing.InvoiceStatusPaid)

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("invoice_id", created.ID).
		Str("transaction_ref", txRef).
		Msg("recorded payment collected without pending invoice")
	return nil
}

// PaymentFailed settles a failed payment: the pending invoice, if any, is
// closed as failed and the subscription is suspended. A failure notice for an
// attempt that was already counted leaves the failure count unchanged. A
// subscription that is not billable is left untouched.
func (s *Settlement) PaymentFailed(ctx context.Context, subscriptionID string, at time.Time) (webhook.Outcome, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return "", fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if !sub.Billable() {
		return "", billing.ErrInvalidTransition
	}

	marked := false
	pending, err := s.invoices.GetPending(ctx, sub.ID)
	switch {
	case err == nil:
		marked, err = s.invoices.MarkFailed(ctx, pending.ID)
		if err != nil {
			return "", fmt.Errorf("mark invoice %s failed: %w", pending.ID, err)
		}
		if marked {
			s.countInvoice(billing.InvoiceStatusFailed)
		}
	case !isNotFound(err):
		return "", fmt.Errorf("load pending invoice: %w", err)
	}

	_, changed, err := s.lifecycle.Transition(ctx, sub.ID, billing.Event{
		Kind:         billing.EventPaymentFailed,
		At:           at,
		CountAttempt: marked,
	})
	if err != nil {
		return "", err
	}
	if !changed && !marked {
		return webhook.OutcomeNoop, nil
	}
	return webhook.OutcomeApplied, nil
}

func (s *Settlement) countInvoice(status billing.InvoiceStatus) {
	if s.metrics != nil {
		s.metrics.InvoicesTotal.WithLabelValues(string(status)).Inc()
	}
}
