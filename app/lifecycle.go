package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

// maxConflictRetries bounds how often a transition is recomputed after losing
// a compare-and-set race.
const maxConflictRetries = 3

// LifecycleManager is the single writer of subscription status. Every other
// service asks it to apply events.
type LifecycleManager struct {
	subs    ports.SubscriptionStore
	plans   ports.PlanStore
	writer  ports.SubscriptionStatusWriter
	metrics *metrics.Collector
	logger  zerolog.Logger

	maxFailedPayments int
}

// LifecycleDeps contains dependencies for LifecycleManager.
type LifecycleDeps struct {
	Subscriptions ports.SubscriptionStore
	Plans         ports.PlanStore
	StatusWriter  ports.SubscriptionStatusWriter
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// NewLifecycleManager creates a lifecycle manager. maxFailedPayments of zero
// disables automatic cancellation.
func NewLifecycleManager(deps LifecycleDeps, maxFailedPayments int) *LifecycleManager {
	return &LifecycleManager{
		subs:              deps.Subscriptions,
		plans:             deps.Plans,
		writer:            deps.StatusWriter,
		metrics:           deps.Metrics,
		logger:            deps.Logger,
		maxFailedPayments: maxFailedPayments,
	}
}

// Transition applies ev to the subscription and persists the result. It
// returns the resulting subscription and whether anything changed; an event
// whose effect is already in place is a successful no-op. Transitions the
// lifecycle forbids return billing.ErrInvalidTransition.
func (m *LifecycleManager) Transition(ctx context.Context, subscriptionID string, ev billing.Event) (billing.Subscription, bool, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		sub, err := m.subs.Get(ctx, subscriptionID)
		if err != nil {
			return billing.Subscription{}, false, fmt.Errorf("load subscription %s: %w", subscriptionID, err)
		}
		p, err := m.plans.Get(ctx, sub.PlanID)
		if err != nil {
			return sub, false, fmt.Errorf("load plan %s: %w", sub.PlanID, err)
		}

		next, changed, err := billing.Transition(sub, ev, billing.Rules{
			Cycle:             p.Cycle,
			TrialDays:         p.TrialDays,
			MaxFailedPayments: m.maxFailedPayments,
		})
		if err != nil {
			m.logger.Warn().Err(err).
				Str("subscription_id", sub.ID).
				Str("status", string(sub.Status)).
				Str("event", string(ev.Kind)).
				Msg("transition rejected")
			return sub, false, err
		}
		if !changed {
			return sub, false, nil
		}

		err = m.writer.SaveTransition(ctx, sub, next)
		if errors.Is(err, ports.ErrConflict) {
			m.logger.Debug().Str("subscription_id", sub.ID).Int("attempt", attempt+1).Msg("transition conflict, retrying")
			continue
		}
		if err != nil {
			return sub, false, fmt.Errorf("save transition: %w", err)
		}

		if m.metrics != nil {
			m.metrics.SubscriptionTransitions.WithLabelValues(string(sub.Status), string(next.Status)).Inc()
		}
		m.logger.Info().
			Str("subscription_id", sub.ID).
			Str("event", string(ev.Kind)).
			Str("from", string(sub.Status)).
			Str("to", string(next.Status)).
			Int("failed_payments", next.FailedPayments).
			Msg("subscription transitioned")

		next.Version = sub.Version + 1
		return next, true, nil
	}
	return billing.Subscription{}, false, fmt.Errorf("transition %s: %w", subscriptionID, ports.ErrConflict)
}
