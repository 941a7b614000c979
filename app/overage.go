package app

import (
	"context"
	"fmt"
	"time"

	"github.com/artpar/apimeter/domain/quota"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// OverageService evaluates a subscription's usage against its plan.
type OverageService struct {
	subs  ports.SubscriptionStore
	plans ports.PlanStore
	usage ports.UsageStore
	clock ports.Clock
}

// NewOverageService creates an overage service.
func NewOverageService(subs ports.SubscriptionStore, plans ports.PlanStore, usageStore ports.UsageStore, clock ports.Clock) *OverageService {
	return &OverageService{subs: subs, plans: plans, usage: usageStore, clock: clock}
}

// ForSubscription evaluates usage so far against the quota of the whole
// current month. Any failure to load the subscription, plan or usage is
// returned; a zero result is never substituted.
func (s *OverageService) ForSubscription(ctx context.Context, subscriptionID string) (quota.OverageResult, error) {
	start, end := usage.MonthBounds(s.clock.Now())
	return s.ForPeriod(ctx, subscriptionID, start, end)
}

// ForPeriod evaluates usage over [start, end).
func (s *OverageService) ForPeriod(ctx context.Context, subscriptionID string, start, end time.Time) (quota.OverageResult, error) {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return quota.OverageResult{}, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return quota.OverageResult{}, fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}
	records, err := s.usage.ListRange(ctx, sub.ID, start, end)
	if err != nil {
		return quota.OverageResult{}, fmt.Errorf("load usage: %w", err)
	}
	return quota.Evaluate(p, usage.Total(sub.ID, records, start, end)), nil
}

// Summary returns the stored aggregation for the month containing month. It
// is written by the usage aggregation job; a month not yet aggregated is
// ports.ErrNotFound.
func (s *OverageService) Summary(ctx context.Context, subscriptionID string, month time.Time) (usage.Summary, error) {
	if _, err := s.subs.Get(ctx, subscriptionID); err != nil {
		return usage.Summary{}, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	start, _ := usage.MonthBounds(month)
	sum, err := s.usage.GetSummary(ctx, subscriptionID, start)
	if err != nil {
		return usage.Summary{}, fmt.Errorf("load summary %s: %w", start.Format("2006-01"), err)
	}
	return sum, nil
}
