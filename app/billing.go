package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/quota"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// BillingService executes background jobs: usage aggregation, renewal
// billing and gateway policy sync.
type BillingService struct {
	subs       ports.SubscriptionStore
	plans      ports.PlanStore
	apis       ports.APIStore
	usage      ports.UsageStore
	invoices   ports.InvoiceStore
	tx         ports.Transactor
	payments   ports.PaymentProvider
	gateway    ports.GatewayConfigurator
	settlement *Settlement
	ids        ports.IDGenerator
	clock      ports.Clock
	metrics    *metrics.Collector
	logger     zerolog.Logger

	callTimeout time.Duration
}

// BillingDeps contains dependencies for BillingService.
type BillingDeps struct {
	Subscriptions ports.SubscriptionStore
	Plans         ports.PlanStore
	APIs          ports.APIStore
	Usage         ports.UsageStore
	Invoices      ports.InvoiceStore
	Tx            ports.Transactor
	Payments      ports.PaymentProvider
	Gateway       ports.GatewayConfigurator
	Settlement    *Settlement
	IDGen         ports.IDGenerator
	Clock         ports.Clock
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// NewBillingService creates a billing service. callTimeout bounds each
// outbound provider or gateway call.
func NewBillingService(deps BillingDeps, callTimeout time.Duration) *BillingService {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &BillingService{
		subs:        deps.Subscriptions,
		plans:       deps.Plans,
		apis:        deps.APIs,
		usage:       deps.Usage,
		invoices:    deps.Invoices,
		tx:          deps.Tx,
		payments:    deps.Payments,
		gateway:     deps.Gateway,
		settlement:  deps.Settlement,
		ids:         deps.IDGen,
		clock:       deps.Clock,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
		callTimeout: callTimeout,
	}
}

// Handle dispatches a job to its handler.
func (s *BillingService) Handle(ctx context.Context, j job.Job) error {
	date, err := j.LogicalDate()
	if err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}
	switch j.Kind {
	case job.KindUsageAggregation:
		return s.RunAggregation(ctx, j.SubscriptionID, date)
	case job.KindBilling:
		return s.RunRenewal(ctx, j.SubscriptionID, date)
	case job.KindGatewaySync:
		return s.SyncGateway(ctx, j.SubscriptionID)
	default:
		return job.ErrUnknownKind
	}
}

// RunAggregation rolls the subscription's usage from the start of the month
// through date into a stored summary with its overage.
func (s *BillingService) RunAggregation(ctx context.Context, subscriptionID string, date time.Time) error {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}

	start, end := usage.MonthToDate(date)
	records, err := s.usage.ListRange(ctx, sub.ID, start, end)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}

	// The quota covers the whole month; usage so far is measured against it.
	monthStart, monthEnd := usage.MonthBounds(date)
	summary := usage.Summarize(sub.ID, records, start, end)
	result := quota.Evaluate(p, usage.Total(sub.ID, records, monthStart, monthEnd))
	if err := s.usage.SaveSummary(ctx, summary, result.OverageUnits, result.ChargeAmount); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	evt := s.logger.Info()
	if result.WarningLevel >= quota.WarningCritical {
		evt = s.logger.Warn()
	}
	evt.Str("subscription_id", sub.ID).
		Str("period_start", start.Format(usage.DayLayout)).
		Int64("requests", summary.RequestCount).
		Int64("plan_limit", result.PlanLimit).
		Int64("overage_units", result.OverageUnits).
		Str("overage_charge", billing.FormatAmount(result.ChargeAmount)).
		Str("warning", result.WarningLevel.String()).
		Msg("usage aggregated")
	return nil
}

// RunRenewal bills the cycle starting at the subscription's renewal date when
// that date is on or before date. It creates the period's pending invoice
// (reusing one left by an earlier attempt), charges it with the invoice ID as
// idempotency key and settles the immediate outcome. A pending charge is left
// for the payment notification to settle.
func (s *BillingService) RunRenewal(ctx context.Context, subscriptionID string, date time.Time) error {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}
	log := s.logger.With().Str("subscription_id", sub.ID).Str("date", date.Format(usage.DayLayout)).Logger()

	if !sub.Billable() {
		log.Info().Str("status", string(sub.Status)).Msg("renewal skipped, subscription not billable")
		return nil
	}
	if sub.RenewalDate == nil || sub.RenewalDate.After(usage.Day(date)) {
		log.Info().Msg("renewal skipped, not due")
		return nil
	}

	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}
	periodStart := *sub.RenewalDate
	periodEnd := p.Cycle.Advance(periodStart)

	if prev, err := s.invoices.FindForPeriod(ctx, sub.ID, periodStart); err == nil && prev.Status == billing.InvoiceStatusPaid {
		log.Info().Str("invoice_id", prev.ID).Msg("renewal skipped, period already paid")
		return nil
	} else if err != nil && !isNotFound(err) {
		return fmt.Errorf("lookup invoice: %w", err)
	}

	// Overage is billed for the cycle that just ended.
	prevStart := p.Cycle.Rewind(periodStart)
	records, err := s.usage.ListRange(ctx, sub.ID, prevStart, periodStart)
	if err != nil {
		return fmt.Errorf("load usage: %w", err)
	}
	overage := quota.Evaluate(p, usage.Total(sub.ID, records, prevStart, periodStart))

	now := s.clock.Now()
	draft := billing.RenewalInvoice(sub, p, overage, periodStart, periodEnd, now)
	draft.ID = s.ids.New()
	inv, err := s.invoices.CreatePending(ctx, draft)
	if err != nil {
		return fmt.Errorf("create invoice: %w", err)
	}
	if inv.ID == draft.ID && s.metrics != nil {
		s.metrics.InvoicesTotal.WithLabelValues(string(billing.InvoiceStatusPending)).Inc()
	}
	log = log.With().Str("invoice_id", inv.ID).Str("amount", billing.FormatAmount(inv.Amount)).Logger()

	if inv.Amount.IsZero() {
		return s.settle(ctx, sub.ID, ports.ChargeResult{TransactionRef: "free-" + inv.ID, Status: ports.ChargeCompleted})
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	start := time.Now()
	res, err := s.payments.ChargeAgreement(callCtx, ports.ChargeRequest{
		AgreementRef:   sub.ExternalAgreementRef,
		Amount:         inv.Amount,
		Currency:       inv.Currency,
		Note:           fmt.Sprintf("%s %s - %s", p.Name, periodStart.Format(usage.DayLayout), periodEnd.Format(usage.DayLayout)),
		IdempotencyKey: inv.ID,
	})
	cancel()
	observeCall(s.metrics, s.payments.Name(), "charge", start, err)
	if err != nil {
		log.Warn().Err(err).Bool("retryable", ports.IsRetryable(err)).Msg("charge failed")
		return fmt.Errorf("charge invoice %s: %w", inv.ID, err)
	}

	log.Info().Str("charge_status", string(res.Status)).Str("transaction_ref", res.TransactionRef).Msg("renewal charged")
	if res.Status == ports.ChargeCompleted && res.TransactionRef == "" {
		res.TransactionRef = inv.ID
	}
	return s.settle(ctx, sub.ID, res)
}

func (s *BillingService) settle(ctx context.Context, subscriptionID string, res ports.ChargeResult) error {
	now := s.clock.Now()
	switch res.Status {
	case ports.ChargeCompleted:
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, err := s.settlement.PaymentSucceeded(ctx, subscriptionID, res.TransactionRef, nil, now)
			return err
		})
	case ports.ChargeDeclined:
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			_, err := s.settlement.PaymentFailed(ctx, subscriptionID, now)
			return err
		})
	default:
		return nil
	}
}

// SyncGateway pushes the subscription's current policy to the gateway. Active
// subscriptions are enabled, suspended and pending ones disabled, cancelled
// ones removed.
func (s *BillingService) SyncGateway(ctx context.Context, subscriptionID string) error {
	sub, err := s.subs.Get(ctx, subscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription %s: %w", subscriptionID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	start := time.Now()

	if sub.Status == billing.StatusCancelled {
		err = s.gateway.RemoveConsumer(callCtx, sub.ID)
		observeCall(s.metrics, "gateway", "remove_consumer", start, err)
		if err != nil {
			return fmt.Errorf("remove consumer %s: %w", sub.ID, err)
		}
		s.logger.Info().Str("subscription_id", sub.ID).Msg("gateway consumer removed")
		return nil
	}

	api, err := s.apis.Get(ctx, sub.APIID)
	if err != nil {
		return fmt.Errorf("load api %s: %w", sub.APIID, err)
	}
	p, err := s.plans.Get(ctx, sub.PlanID)
	if err != nil {
		return fmt.Errorf("load plan %s: %w", sub.PlanID, err)
	}

	policy := ports.ConsumerPolicy{
		SubscriptionID: sub.ID,
		APISlug:        api.Slug,
		KeyHash:        sub.APIKeyHash,
		Enabled:        sub.Status == billing.StatusActive,
		DailyQuota:     p.DailyQuota,
	}
	err = s.gateway.ApplyPolicy(callCtx, policy)
	observeCall(s.metrics, "gateway", "apply_policy", start, err)
	if err != nil {
		return fmt.Errorf("apply policy %s: %w", sub.ID, err)
	}
	s.logger.Info().Str("subscription_id", sub.ID).Bool("enabled", policy.Enabled).Msg("gateway policy applied")
	return nil
}
