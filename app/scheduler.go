package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// Default cron specs, evaluated in UTC.
const (
	DefaultAggregationSpec = "15 0 * * *"
	DefaultBillingSpec     = "30 0 * * *"
)

// Scheduler produces the daily aggregation and renewal jobs. Every job is
// claimed by its idempotency key before it is enqueued, so re-running a day
// never enqueues the same work twice.
type Scheduler struct {
	subs    ports.SubscriptionStore
	jobs    ports.JobStore
	queue   ports.JobQueue
	clock   ports.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger

	cfg  SchedulerConfig
	cron *cron.Cron
}

// SchedulerDeps contains dependencies for Scheduler.
type SchedulerDeps struct {
	Subscriptions ports.SubscriptionStore
	Jobs          ports.JobStore
	Queue         ports.JobQueue
	Clock         ports.Clock
	Metrics       *metrics.Collector // optional
	Logger        zerolog.Logger
}

// SchedulerConfig holds the cron specs.
type SchedulerConfig struct {
	Enabled         bool
	AggregationSpec string
	BillingSpec     string
}

// DailyRun reports what one scheduled run produced.
type DailyRun struct {
	Kind     job.Kind
	Date     time.Time
	Enqueued int
	Skipped  int // already claimed
}

// NewScheduler creates a scheduler. Call Start to register the cron entries.
func NewScheduler(deps SchedulerDeps, cfg SchedulerConfig) *Scheduler {
	if cfg.AggregationSpec == "" {
		cfg.AggregationSpec = DefaultAggregationSpec
	}
	if cfg.BillingSpec == "" {
		cfg.BillingSpec = DefaultBillingSpec
	}
	return &Scheduler{
		subs:    deps.Subscriptions,
		jobs:    deps.Jobs,
		queue:   deps.Queue,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		cfg:     cfg,
		cron:    cron.New(cron.WithLocation(time.UTC)),
	}
}

// Start registers the cron entries and starts the cron loop. It is a no-op
// when the scheduler is disabled.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info().Msg("scheduler disabled")
		return nil
	}

	if _, err := s.cron.AddFunc(s.cfg.AggregationSpec, func() {
		s.runScheduled(ctx, job.KindUsageAggregation, RunDate(job.KindUsageAggregation, s.clock.Now()))
	}); err != nil {
		return fmt.Errorf("aggregation spec %q: %w", s.cfg.AggregationSpec, err)
	}
	if _, err := s.cron.AddFunc(s.cfg.BillingSpec, func() {
		s.runScheduled(ctx, job.KindBilling, RunDate(job.KindBilling, s.clock.Now()))
	}); err != nil {
		return fmt.Errorf("billing spec %q: %w", s.cfg.BillingSpec, err)
	}

	s.cron.Start()
	s.logger.Info().
		Str("aggregation", s.cfg.AggregationSpec).
		Str("billing", s.cfg.BillingSpec).
		Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running entry to finish or ctx
// to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out")
	}
}

func (s *Scheduler) runScheduled(ctx context.Context, kind job.Kind, date time.Time) {
	run, err := s.RunDaily(ctx, kind, date)
	if err != nil {
		s.logger.Error().Err(err).Str("kind", string(kind)).Msg("scheduled run failed")
		return
	}
	s.logger.Info().
		Str("kind", string(kind)).
		Str("date", run.Date.Format(usage.DayLayout)).
		Int("enqueued", run.Enqueued).
		Int("skipped", run.Skipped).
		Msg("scheduled run complete")
}

// RunDate returns the logical date a run of kind triggered at now covers.
// Aggregation runs for the day that just ended.
func RunDate(kind job.Kind, now time.Time) time.Time {
	if kind == job.KindUsageAggregation {
		return now.AddDate(0, 0, -1)
	}
	return now
}

// RunDaily enqueues one job of kind per eligible subscription for date.
// Aggregation covers every billable subscription; billing covers those whose
// renewal falls on date, plus suspended ones still overdue.
func (s *Scheduler) RunDaily(ctx context.Context, kind job.Kind, date time.Time) (DailyRun, error) {
	if !kind.Scheduled() {
		return DailyRun{}, fmt.Errorf("%w: %s is not a scheduled kind", job.ErrUnknownKind, kind)
	}
	day := usage.Day(date)
	run := DailyRun{Kind: kind, Date: day}

	var (
		subs []billing.Subscription
		err  error
	)
	switch kind {
	case job.KindUsageAggregation:
		subs, err = s.subs.ListBillable(ctx)
	case job.KindBilling:
		subs, err = s.subs.ListRenewalsDue(ctx, day, day.AddDate(0, 0, 1))
	}
	if err != nil {
		return run, fmt.Errorf("list subscriptions: %w", err)
	}

	now := s.clock.Now()
	for _, sub := range subs {
		ok, err := s.EnqueueOnce(ctx, job.New(kind, sub.ID, day, now))
		if err != nil {
			return run, err
		}
		if ok {
			run.Enqueued++
		} else {
			run.Skipped++
		}
	}
	return run, nil
}

// EnqueueOnce claims j's idempotency key and enqueues it. It reports false
// when the key was already claimed. A failed enqueue releases the claim.
func (s *Scheduler) EnqueueOnce(ctx context.Context, j job.Job) (bool, error) {
	claimed, err := s.jobs.Claim(ctx, j)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", j.ID, err)
	}
	if !claimed {
		s.logger.Debug().Str("job_id", j.ID).Msg("job already claimed")
		return false, nil
	}
	if err := s.Enqueue(ctx, j); err != nil {
		if rerr := s.jobs.Release(ctx, j.ID); rerr != nil {
			s.logger.Error().Err(rerr).Str("job_id", j.ID).Msg("failed to release job claim")
		}
		return false, err
	}
	return true, nil
}

// Enqueue places j on the queue without claiming it.
func (s *Scheduler) Enqueue(ctx context.Context, j job.Job) error {
	if err := s.queue.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue job %s: %w", j.ID, err)
	}
	if s.metrics != nil {
		s.metrics.JobsEnqueued.WithLabelValues(string(j.Kind)).Inc()
	}
	s.logger.Debug().Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("job enqueued")
	return nil
}

var _ JobEnqueuer = (*Scheduler)(nil)
