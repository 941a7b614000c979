package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// PlanService manages the catalog: metered APIs and the plans published to
// the payment provider.
type PlanService struct {
	plans    ports.PlanStore
	apis     ports.APIStore
	payments ports.PaymentProvider
	ids      ports.IDGenerator
	clock    ports.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

// PlanDeps contains dependencies for PlanService.
type PlanDeps struct {
	Plans    ports.PlanStore
	APIs     ports.APIStore
	Payments ports.PaymentProvider
	IDGen    ports.IDGenerator
	Clock    ports.Clock
	Metrics  *metrics.Collector // optional
	Logger   zerolog.Logger
}

// NewPlanService creates a plan service.
func NewPlanService(deps PlanDeps) *PlanService {
	return &PlanService{
		plans:    deps.Plans,
		apis:     deps.APIs,
		payments: deps.Payments,
		ids:      deps.IDGen,
		clock:    deps.Clock,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
}

// Publish validates p, creates and activates it at the provider and stores
// it. The stored plan is immutable.
func (s *PlanService) Publish(ctx context.Context, p plan.Plan) (plan.Plan, error) {
	if p.Currency == "" {
		p.Currency = "USD"
	}
	if err := plan.Validate(p); err != nil {
		return p, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if p.ID == "" {
		p.ID = s.ids.New()
	}

	start := time.Now()
	ref, err := s.payments.CreateBillingPlan(ctx, p)
	observeCall(s.metrics, s.payments.Name(), "create_plan", start, err)
	if err != nil {
		return p, fmt.Errorf("create provider plan: %w", err)
	}
	start = time.Now()
	err = s.payments.ActivatePlan(ctx, ref)
	observeCall(s.metrics, s.payments.Name(), "activate_plan", start, err)
	if err != nil {
		return p, fmt.Errorf("activate provider plan %s: %w", ref, err)
	}

	now := s.clock.Now()
	p.ExternalRef = ref
	p.PublishedAt = &now
	p.CreatedAt = now
	if err := s.plans.Create(ctx, p); err != nil {
		return p, fmt.Errorf("store plan: %w", err)
	}

	s.logger.Info().
		Str("plan_id", p.ID).
		Str("external_ref", ref).
		Str("cycle", string(p.Cycle)).
		Msg("plan published")
	return p, nil
}

// CreateAPI registers a metered API.
func (s *PlanService) CreateAPI(ctx context.Context, api usage.API) (usage.API, error) {
	if !usage.ValidSlug(api.Slug) {
		return api, fmt.Errorf("%w: invalid slug %q", ErrInvalidRequest, api.Slug)
	}
	if api.Name == "" {
		api.Name = api.Slug
	}
	if api.ID == "" {
		api.ID = s.ids.New()
	}
	api.CreatedAt = s.clock.Now()
	if err := s.apis.Create(ctx, api); err != nil {
		return api, fmt.Errorf("store api: %w", err)
	}
	s.logger.Info().Str("api_id", api.ID).Str("slug", api.Slug).Msg("api registered")
	return api, nil
}

// Plans lists all plans.
func (s *PlanService) Plans(ctx context.Context) ([]plan.Plan, error) {
	return s.plans.List(ctx)
}

// APIs lists all metered APIs.
func (s *PlanService) APIs(ctx context.Context) ([]usage.API, error) {
	return s.apis.List(ctx)
}
