package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// Reconciler consumes signed payment notifications and applies them to
// subscriptions and invoices. Each event is applied and recorded in the
// ledger inside one transaction, so a redelivered event is acknowledged
// without touching state again.
type Reconciler struct {
	subs       ports.SubscriptionStore
	events     ports.WebhookEventStore
	tx         ports.Transactor
	payments   ports.PaymentProvider
	lifecycle  *LifecycleManager
	settlement *Settlement
	enqueuer   JobEnqueuer
	ids        ports.IDGenerator
	clock      ports.Clock
	metrics    *metrics.Collector
	logger     zerolog.Logger

	eventsSecret string
}

// ReconcilerDeps contains dependencies for Reconciler.
type ReconcilerDeps struct {
	Subscriptions ports.SubscriptionStore
	Events        ports.WebhookEventStore
	Tx            ports.Transactor
	Payments      ports.PaymentProvider
	Lifecycle     *LifecycleManager
	Settlement    *Settlement
	Enqueuer      JobEnqueuer // optional
	IDGen         ports.IDGenerator
	Clock         ports.Clock
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// NewReconciler creates a reconciler. eventsSecret authenticates the generic
// events endpoint.
func NewReconciler(deps ReconcilerDeps, eventsSecret string) *Reconciler {
	return &Reconciler{
		subs:         deps.Subscriptions,
		events:       deps.Events,
		tx:           deps.Tx,
		payments:     deps.Payments,
		lifecycle:    deps.Lifecycle,
		settlement:   deps.Settlement,
		enqueuer:     deps.Enqueuer,
		ids:          deps.IDGen,
		clock:        deps.Clock,
		metrics:      deps.Metrics,
		logger:       deps.Logger,
		eventsSecret: eventsSecret,
	}
}

// HandleProvider processes a notification from the payment provider. The
// signature is verified before any state is read.
func (r *Reconciler) HandleProvider(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error) {
	if err := r.payments.VerifyWebhook(payload, signature); err != nil {
		r.reject(webhook.SourceProvider, "signature")
		return "", ErrInvalidSignature
	}
	ev, err := webhook.ParseProvider(payload)
	if err != nil {
		r.reject(webhook.SourceProvider, "malformed")
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return r.handle(ctx, ev)
}

// HandleEvent processes a notification from the generic signed events
// endpoint.
func (r *Reconciler) HandleEvent(ctx context.Context, payload []byte, signature string) (webhook.Outcome, error) {
	if !webhook.VerifySignature(payload, signature, r.eventsSecret) {
		r.reject(webhook.SourceEvents, "signature")
		return "", ErrInvalidSignature
	}
	ev, err := webhook.ParseGeneric(payload)
	if err != nil {
		r.reject(webhook.SourceEvents, "malformed")
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return r.handle(ctx, ev)
}

func (r *Reconciler) handle(ctx context.Context, ev webhook.Event) (webhook.Outcome, error) {
	log := r.logger.With().
		Str("event_id", ev.ID).
		Str("source", string(ev.Source)).
		Str("type", ev.Type).
		Logger()

	var (
		outcome webhook.Outcome
		sub     billing.Subscription
	)
	err := r.tx.WithinTx(ctx, func(ctx context.Context) error {
		seen, err := r.events.Exists(ctx, ev.Source, ev.ID)
		if err != nil {
			return fmt.Errorf("check ledger: %w", err)
		}
		if seen {
			return ErrDuplicateEvent
		}

		if ev.Kind == webhook.KindUnknown {
			outcome = webhook.OutcomeIgnored
		} else {
			sub, err = r.resolve(ctx, ev)
			if err != nil {
				return err
			}
			outcome, err = r.apply(ctx, ev, sub, log)
			if errors.Is(err, billing.ErrInvalidTransition) || errors.Is(err, billing.ErrMissingAgreement) {
				log.Warn().Err(err).Str("subscription_id", sub.ID).Str("status", string(sub.Status)).Msg("event discarded")
				outcome, err = webhook.OutcomeDiscarded, nil
			}
			if err != nil {
				return err
			}
		}

		err = r.events.Record(ctx, webhook.ProcessedEvent{
			ID:          ev.ID,
			Source:      ev.Source,
			Type:        ev.Type,
			Outcome:     outcome,
			ProcessedAt: r.clock.Now(),
		})
		if errors.Is(err, ports.ErrDuplicate) {
			return ErrDuplicateEvent
		}
		return err
	})

	switch {
	case errors.Is(err, ErrDuplicateEvent):
		r.count(ev, "duplicate")
		log.Info().Msg("duplicate event acknowledged")
		return webhook.OutcomeNoop, ErrDuplicateEvent
	case errors.Is(err, ErrRetryable):
		r.count(ev, "retry")
		log.Warn().Err(err).Msg("event deferred for redelivery")
		return "", err
	case err != nil:
		r.count(ev, "error")
		log.Error().Err(err).Msg("event processing failed")
		return "", err
	}

	r.count(ev, string(outcome))
	log.Info().Str("subscription_id", sub.ID).Str("outcome", string(outcome)).Msg("event processed")

	if outcome == webhook.OutcomeApplied {
		r.followUp(ctx, ev, sub.ID, log)
	}
	return outcome, nil
}

// resolve finds the subscription an event refers to. A miss is retryable:
// the notification may have overtaken our own write.
func (r *Reconciler) resolve(ctx context.Context, ev webhook.Event) (billing.Subscription, error) {
	var (
		sub billing.Subscription
		err error
	)
	switch {
	case ev.SubscriptionID != "":
		sub, err = r.subs.Get(ctx, ev.SubscriptionID)
	case ev.AgreementRef != "":
		sub, err = r.subs.GetByAgreement(ctx, ev.AgreementRef)
	default:
		return sub, fmt.Errorf("%w: event %s names no subscription", ErrInvalidRequest, ev.ID)
	}
	if isNotFound(err) {
		return sub, fmt.Errorf("%w: %w", ErrRetryable, ErrUnknownSubscription)
	}
	if err != nil {
		return sub, fmt.Errorf("resolve subscription: %w", err)
	}
	return sub, nil
}

func (r *Reconciler) apply(ctx context.Context, ev webhook.Event, sub billing.Subscription, log zerolog.Logger) (webhook.Outcome, error) {
	at := ev.OccurredAt
	if at.IsZero() {
		at = r.clock.Now()
	}

	switch ev.Kind {
	case webhook.KindActivated:
		_, changed, err := r.lifecycle.Transition(ctx, sub.ID, billing.Event{
			Kind:         billing.EventActivate,
			AgreementRef: ev.AgreementRef,
			At:           at,
		})
		return outcomeOf(changed), err

	case webhook.KindPaymentSucceeded:
		if !r.agreementMatches(ev, sub) {
			log.Warn().
				Str("subscription_id", sub.ID).
				Str("agreement_ref", ev.AgreementRef).
				Msg("payment references a different agreement")
			return webhook.OutcomeDiscarded, nil
		}
		return r.settlement.PaymentSucceeded(ctx, sub.ID, ev.TransactionRef, ev.Amount, at)

	case webhook.KindPaymentFailed:
		if !r.agreementMatches(ev, sub) {
			log.Warn().
				Str("subscription_id", sub.ID).
				Str("agreement_ref", ev.AgreementRef).
				Msg("payment references a different agreement")
			return webhook.OutcomeDiscarded, nil
		}
		return r.settlement.PaymentFailed(ctx, sub.ID, at)

	case webhook.KindCancelled:
		_, changed, err := r.lifecycle.Transition(ctx, sub.ID, billing.Event{
			Kind: billing.EventCancel,
			At:   at,
		})
		return outcomeOf(changed), err
	}
	return webhook.OutcomeIgnored, nil
}

func (r *Reconciler) agreementMatches(ev webhook.Event, sub billing.Subscription) bool {
	return ev.AgreementRef == "" || sub.ExternalAgreementRef == "" || ev.AgreementRef == sub.ExternalAgreementRef
}

// followUp enqueues the work an applied event implies: a gateway policy
// push, and after activation the first renewal if it is already due.
func (r *Reconciler) followUp(ctx context.Context, ev webhook.Event, subscriptionID string, log zerolog.Logger) {
	if r.enqueuer == nil {
		return
	}
	now := r.clock.Now()
	if err := r.enqueuer.Enqueue(ctx, gatewaySyncJob(subscriptionID, now, r.ids)); err != nil {
		log.Error().Err(err).Msg("failed to enqueue gateway sync")
	}

	if ev.Kind != webhook.KindActivated {
		return
	}
	sub, err := r.subs.Get(ctx, subscriptionID)
	if err != nil {
		log.Error().Err(err).Msg("failed to reload activated subscription")
		return
	}
	enqueueDueRenewal(ctx, r.enqueuer, sub, now, log)
}

func (r *Reconciler) reject(source webhook.Source, reason string) {
	if r.metrics != nil {
		r.metrics.WebhookRejected.WithLabelValues(string(source), reason).Inc()
	}
	r.logger.Warn().Str("source", string(source)).Str("reason", reason).Msg("webhook rejected")
}

func (r *Reconciler) count(ev webhook.Event, outcome string) {
	if r.metrics != nil {
		r.metrics.WebhookEvents.WithLabelValues(string(ev.Source), string(ev.Kind), outcome).Inc()
	}
}

func outcomeOf(changed bool) webhook.Outcome {
	if changed {
		return webhook.OutcomeApplied
	}
	return webhook.OutcomeNoop
}

// enqueueDueRenewal enqueues today's renewal for a subscription whose first
// renewal is already due, as happens when a plan has no trial.
func enqueueDueRenewal(ctx context.Context, enq JobEnqueuer, sub billing.Subscription, now time.Time, log zerolog.Logger) {
	if sub.RenewalDate == nil || sub.RenewalDate.After(usage.Day(now)) {
		return
	}
	if _, err := enq.EnqueueOnce(ctx, job.New(job.KindBilling, sub.ID, now, now)); err != nil {
		log.Error().Err(err).Str("subscription_id", sub.ID).Msg("failed to enqueue first renewal")
	}
}
