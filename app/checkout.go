package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// CheckoutService starts and ends subscriptions: it issues the API key,
// creates the pending subscription and drives the provider's agreement
// calls.
type CheckoutService struct {
	subs        ports.SubscriptionStore
	plans       ports.PlanStore
	apis        ports.APIStore
	payments    ports.PaymentProvider
	lifecycle   *LifecycleManager
	enqueuer    JobEnqueuer
	keys        ports.KeyGenerator
	fingerprint func(string) string
	ids         ports.IDGenerator
	clock       ports.Clock
	metrics     *metrics.Collector
	logger      zerolog.Logger

	returnURL string
	cancelURL string
}

// CheckoutDeps contains dependencies for CheckoutService.
type CheckoutDeps struct {
	Subscriptions ports.SubscriptionStore
	Plans         ports.PlanStore
	APIs          ports.APIStore
	Payments      ports.PaymentProvider
	Lifecycle     *LifecycleManager
	Enqueuer      JobEnqueuer // optional
	Keys          ports.KeyGenerator
	Fingerprint   func(string) string
	IDGen         ports.IDGenerator
	Clock         ports.Clock
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// CheckoutConfig holds the provider redirect URLs.
type CheckoutConfig struct {
	ReturnURL string
	CancelURL string
}

// CheckoutRequest asks for a new subscription.
type CheckoutRequest struct {
	UserID string
	APIID  string
	PlanID string
}

// CheckoutResult is a created subscription awaiting approval. APIKey is
// shown once and never stored.
type CheckoutResult struct {
	Subscription billing.Subscription
	ApprovalURL  string
	APIKey       string
}

// NewCheckoutService creates a checkout service.
func NewCheckoutService(deps CheckoutDeps, cfg CheckoutConfig) *CheckoutService {
	return &CheckoutService{
		subs:        deps.Subscriptions,
		plans:       deps.Plans,
		apis:        deps.APIs,
		payments:    deps.Payments,
		lifecycle:   deps.Lifecycle,
		enqueuer:    deps.Enqueuer,
		keys:        deps.Keys,
		fingerprint: deps.Fingerprint,
		ids:         deps.IDGen,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		returnURL:   cfg.ReturnURL,
		cancelURL:   cfg.CancelURL,
	}
}

// Checkout creates a pending subscription and a provider agreement for the
// user to approve.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	if req.UserID == "" || req.APIID == "" || req.PlanID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: userId, apiId and planId are required", ErrInvalidRequest)
	}
	api, err := s.apis.Get(ctx, req.APIID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load api %s: %w", req.APIID, err)
	}
	p, err := s.plans.Get(ctx, req.PlanID)
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("load plan %s: %w", req.PlanID, err)
	}
	if !p.Published() {
		return CheckoutResult{}, ErrPlanNotPublished
	}

	key, err := s.keys.Generate()
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("generate api key: %w", err)
	}

	now := s.clock.Now()
	sub := billing.Subscription{
		ID:         s.ids.New(),
		UserID:     req.UserID,
		APIID:      api.ID,
		PlanID:     p.ID,
		Status:     billing.StatusPending,
		APIKeyHash: s.fingerprint(key),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		return CheckoutResult{}, fmt.Errorf("create subscription: %w", err)
	}

	start := time.Now()
	agreement, err := s.payments.CreateAgreement(ctx, ports.AgreementRequest{
		PlanRef:        p.ExternalRef,
		SubscriptionID: sub.ID,
		Name:           p.Name,
		Description:    api.Name + " - " + p.Name,
		StartAt:        usage.Day(now).AddDate(0, 0, 1),
		ReturnURL:      s.returnURL,
		CancelURL:      s.cancelURL,
	})
	observeCall(s.metrics, s.payments.Name(), "create_agreement", start, err)
	if err != nil {
		// A subscription without an agreement can never activate.
		if _, _, cerr := s.lifecycle.Transition(ctx, sub.ID, billing.Event{Kind: billing.EventCancel, At: now}); cerr != nil {
			s.logger.Error().Err(cerr).Str("subscription_id", sub.ID).Msg("failed to cancel orphaned subscription")
		}
		return CheckoutResult{}, fmt.Errorf("create agreement: %w", err)
	}

	s.logger.Info().
		Str("subscription_id", sub.ID).
		Str("user_id", sub.UserID).
		Str("plan_id", p.ID).
		Str("api", api.Slug).
		Msg("checkout started")

	return CheckoutResult{Subscription: sub, ApprovalURL: agreement.ApprovalURL, APIKey: key}, nil
}

// Execute completes an approved agreement and activates the subscription.
func (s *CheckoutService) Execute(ctx context.Context, subscriptionID, token string) (billing.Subscription, error) {
	if token == "" {
		return billing.Subscription{}, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if sub.Status != billing.StatusPending {
		return sub, billing.ErrInvalidTransition
	}

	start := time.Now()
	ref, err := s.payments.ExecuteAgreement(ctx, token)
	observeCall(s.metrics, s.payments.Name(), "execute_agreement", start, err)
	if err != nil {
		return sub, fmt.Errorf("execute agreement: %w", err)
	}

	now := s.clock.Now()
	next, changed, err := s.lifecycle.Transition(ctx, sub.ID, billing.Event{
		Kind:         billing.EventActivate,
		AgreementRef: ref,
		At:           now,
	})
	if err != nil {
		return sub, err
	}
	if changed && s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(ctx, gatewaySyncJob(next.ID, now, s.ids)); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", next.ID).Msg("failed to enqueue gateway sync")
		}
		enqueueDueRenewal(ctx, s.enqueuer, next, now, s.logger)
	}
	return next, nil
}

// Cancel ends a subscription, cancelling its provider agreement first.
func (s *CheckoutService) Cancel(ctx context.Context, subscriptionID string) (billing.Subscription, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return billing.Subscription{}, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	if sub.Status == billing.StatusCancelled {
		return sub, nil
	}

	if sub.ExternalAgreementRef != "" {
		start := time.Now()
		err := s.payments.CancelAgreement(ctx, sub.ExternalAgreementRef, "cancelled by subscriber")
		observeCall(s.metrics, s.payments.Name(), "cancel_agreement", start, err)
		if err != nil {
			return sub, fmt.Errorf("cancel agreement: %w", err)
		}
	}

	now := s.clock.Now()
	next, changed, err := s.lifecycle.Transition(ctx, sub.ID, billing.Event{Kind: billing.EventCancel, At: now})
	if err != nil {
		return sub, err
	}
	if changed && s.enqueuer != nil {
		if err := s.enqueuer.Enqueue(ctx, gatewaySyncJob(next.ID, now, s.ids)); err != nil {
			s.logger.Error().Err(err).Str("subscription_id", next.ID).Msg("failed to enqueue gateway sync")
		}
	}
	return next, nil
}
