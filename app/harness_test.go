package app_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/clock"
	"github.com/artpar/apimeter/adapters/hasher"
	"github.com/artpar/apimeter/adapters/idgen"
	"github.com/artpar/apimeter/adapters/memory"
	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/adapters/payment"
	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/app"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

const webhookSecret = "whsec_test"

// fakeGateway records pushed policies.
type fakeGateway struct {
	mu       sync.Mutex
	policies map[string]ports.ConsumerPolicy
	removed  map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{policies: map[string]ports.ConsumerPolicy{}, removed: map[string]bool{}}
}

func (g *fakeGateway) ApplyPolicy(ctx context.Context, p ports.ConsumerPolicy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[p.SubscriptionID] = p
	return nil
}

func (g *fakeGateway) RemoveConsumer(ctx context.Context, subscriptionID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.policies, subscriptionID)
	g.removed[subscriptionID] = true
	return nil
}

func (g *fakeGateway) policy(id string) (ports.ConsumerPolicy, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.policies[id]
	return p, ok
}

// harness wires every application service over a temp SQLite database.
type harness struct {
	db       *sqlite.DB
	clock    *clock.Fake
	provider *payment.DummyProvider
	queue    *memory.Queue
	gateway  *fakeGateway
	metrics  *metrics.Collector

	subs     *sqlite.SubscriptionStore
	invoices *sqlite.InvoiceStore
	usage    *sqlite.UsageStore
	jobs     *sqlite.JobStore
	events   *sqlite.WebhookEventStore

	lifecycle  *app.LifecycleManager
	settlement *app.Settlement
	ingest     *app.UsageService
	overage    *app.OverageService
	billing    *app.BillingService
	scheduler  *app.Scheduler
	runner     *app.JobRunner
	reconciler *app.Reconciler
	checkout   *app.CheckoutService
	plans      *app.PlanService
	invoiceSvc *app.InvoiceService
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "apimeter-test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		clock:    clock.NewFake(now),
		provider: payment.NewDummyProvider("http://localhost:8080", webhookSecret),
		queue:    memory.NewQueueWithPoll(20 * time.Millisecond),
		gateway:  newFakeGateway(),
		metrics:  metrics.NewWithRegistry(prometheus.NewRegistry()),
		subs:     sqlite.NewSubscriptionStore(db),
		invoices: sqlite.NewInvoiceStore(db),
		usage:    sqlite.NewUsageStore(db),
		jobs:     sqlite.NewJobStore(db),
		events:   sqlite.NewWebhookEventStore(db),
	}
	logger := zerolog.Nop()
	ids := idgen.NewSequential("id-")
	plans := sqlite.NewPlanStore(db)
	apis := sqlite.NewAPIStore(db)

	h.lifecycle = app.NewLifecycleManager(app.LifecycleDeps{
		Subscriptions: h.subs,
		Plans:         plans,
		StatusWriter:  h.subs,
		Metrics:       h.metrics,
		Logger:        logger,
	}, 3)
	h.settlement = app.NewSettlement(app.SettlementDeps{
		Subscriptions: h.subs,
		Plans:         plans,
		Invoices:      h.invoices,
		Lifecycle:     h.lifecycle,
		IDGen:         ids,
		Metrics:       h.metrics,
		Logger:        logger,
	})
	h.ingest = app.NewUsageService(app.UsageDeps{
		Usage:         h.usage,
		APIs:          apis,
		Subscriptions: h.subs,
		Events:        h.events,
		Tx:            db,
		Clock:         h.clock,
		Fingerprint:   hasher.Fingerprint,
		Metrics:       h.metrics,
		Logger:        logger,
	}, app.UsageConfig{Concurrency: 4})
	h.overage = app.NewOverageService(h.subs, plans, h.usage, h.clock)
	h.scheduler = app.NewScheduler(app.SchedulerDeps{
		Subscriptions: h.subs,
		Jobs:          h.jobs,
		Queue:         h.queue,
		Clock:         h.clock,
		Metrics:       h.metrics,
		Logger:        logger,
	}, app.SchedulerConfig{})
	h.billing = app.NewBillingService(app.BillingDeps{
		Subscriptions: h.subs,
		Plans:         plans,
		APIs:          apis,
		Usage:         h.usage,
		Invoices:      h.invoices,
		Tx:            db,
		Payments:      h.provider,
		Gateway:       h.gateway,
		Settlement:    h.settlement,
		IDGen:         ids,
		Clock:         h.clock,
		Metrics:       h.metrics,
		Logger:        logger,
	}, time.Second)
	h.runner = app.NewJobRunner(app.RunnerDeps{
		Queue:   h.queue,
		Jobs:    h.jobs,
		Handler: h.billing,
		Clock:   h.clock,
		Metrics: h.metrics,
		Logger:  logger,
	}, app.RunnerConfig{Workers: 2, JobTimeout: time.Second})
	h.reconciler = app.NewReconciler(app.ReconcilerDeps{
		Subscriptions: h.subs,
		Events:        h.events,
		Tx:            db,
		Payments:      h.provider,
		Lifecycle:     h.lifecycle,
		Settlement:    h.settlement,
		Enqueuer:      h.scheduler,
		IDGen:         ids,
		Clock:         h.clock,
		Metrics:       h.metrics,
		Logger:        logger,
	}, webhookSecret)
	h.checkout = app.NewCheckoutService(app.CheckoutDeps{
		Subscriptions: h.subs,
		Plans:         plans,
		APIs:          apis,
		Payments:      h.provider,
		Lifecycle:     h.lifecycle,
		Enqueuer:      h.scheduler,
		Keys:          idgen.Keys{},
		Fingerprint:   hasher.Fingerprint,
		IDGen:         ids,
		Clock:         h.clock,
		Metrics:       h.metrics,
		Logger:        logger,
	}, app.CheckoutConfig{})
	h.plans = app.NewPlanService(app.PlanDeps{
		Plans:    plans,
		APIs:     apis,
		Payments: h.provider,
		IDGen:    ids,
		Clock:    h.clock,
		Metrics:  h.metrics,
		Logger:   logger,
	})
	h.invoiceSvc = app.NewInvoiceService(app.InvoiceDeps{
		Invoices: h.invoices,
		Clock:    h.clock,
		Metrics:  h.metrics,
		Logger:   logger,
	})
	return h
}

// catalog publishes the weather API and a Pro plan: 10 USD monthly,
// 100 requests a day, 0.001 per extra request.
func (h *harness) catalog(t *testing.T) (usage.API, plan.Plan) {
	t.Helper()
	ctx := context.Background()

	api, err := h.plans.CreateAPI(ctx, usage.API{Slug: "weather", Name: "Weather"})
	require.NoError(t, err)
	p, err := h.plans.Publish(ctx, plan.Plan{
		Name:        "Pro",
		Price:       decimal.RequireFromString("10"),
		Currency:    "USD",
		Cycle:       plan.CycleMonthly,
		DailyQuota:  plan.Quota(100),
		OverageRate: decimal.RequireFromString("0.001"),
	})
	require.NoError(t, err)
	return api, p
}

// subscribe checks out a pending subscription and returns it with its key.
func (h *harness) subscribe(t *testing.T, api usage.API, p plan.Plan) (billing.Subscription, string) {
	t.Helper()
	res, err := h.checkout.Checkout(context.Background(), app.CheckoutRequest{
		UserID: "user-1",
		APIID:  api.ID,
		PlanID: p.ID,
	})
	require.NoError(t, err)
	return res.Subscription, res.APIKey
}

// activeSubscription subscribes and executes the agreement.
func (h *harness) activeSubscription(t *testing.T, api usage.API, p plan.Plan) (billing.Subscription, string) {
	t.Helper()
	sub, key := h.subscribe(t, api, p)
	active, err := h.checkout.Execute(context.Background(), sub.ID, "EC-"+sub.ID)
	require.NoError(t, err)
	return active, key
}

func (h *harness) subscription(t *testing.T, id string) billing.Subscription {
	t.Helper()
	sub, err := h.subs.Get(context.Background(), id)
	require.NoError(t, err)
	return sub
}
