package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/ports"
)

// JobHandler executes one job.
type JobHandler interface {
	Handle(ctx context.Context, j job.Job) error
}

// JobRunner drains the job queue with a fixed pool of workers. Failed jobs
// are retried with backoff until the retry policy gives up, then
// dead-lettered.
type JobRunner struct {
	queue   ports.JobQueue
	jobs    ports.JobStore
	handler JobHandler
	clock   ports.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger

	workers    int
	jobTimeout time.Duration

	mu     sync.RWMutex
	policy job.RetryPolicy
}

// RunnerDeps contains dependencies for JobRunner.
type RunnerDeps struct {
	Queue   ports.JobQueue
	Jobs    ports.JobStore
	Handler JobHandler
	Clock   ports.Clock
	Metrics *metrics.Collector // optional
	Logger  zerolog.Logger
}

// RunnerConfig configures the worker pool.
type RunnerConfig struct {
	Workers    int
	JobTimeout time.Duration
	Retry      job.RetryPolicy
}

// NewJobRunner creates a job runner.
func NewJobRunner(deps RunnerDeps, cfg RunnerConfig) *JobRunner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = time.Minute
	}
	return &JobRunner{
		queue:      deps.Queue,
		jobs:       deps.Jobs,
		handler:    deps.Handler,
		clock:      deps.Clock,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		workers:    cfg.Workers,
		jobTimeout: cfg.JobTimeout,
		policy:     cfg.Retry.Normalize(),
	}
}

// Run starts the workers and blocks until ctx is cancelled. A job in flight
// when ctx ends is left unacknowledged for redelivery.
func (r *JobRunner) Run(ctx context.Context) error {
	r.logger.Info().Int("workers", r.workers).Dur("job_timeout", r.jobTimeout).Msg("job runner started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		worker := i
		g.Go(func() error {
			return r.work(ctx, worker)
		})
	}
	err := g.Wait()
	r.logger.Info().Msg("job runner stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *JobRunner) work(ctx context.Context, worker int) error {
	log := r.logger.With().Int("worker", worker).Logger()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		j, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if j == nil {
			continue
		}
		r.Process(ctx, *j)
	}
}

// Process runs a single delivered job and acknowledges, retries or
// dead-letters it.
func (r *JobRunner) Process(ctx context.Context, j job.Job) {
	log := r.logger.With().
		Str("job_id", j.ID).
		Str("kind", string(j.Kind)).
		Int("attempt", j.Attempts+1).
		Logger()

	jobCtx, cancel := context.WithTimeout(ctx, r.jobTimeout)
	start := time.Now()
	err := r.handler.Handle(jobCtx, j)
	cancel()
	elapsed := time.Since(start)

	if r.metrics != nil {
		r.metrics.JobDuration.WithLabelValues(string(j.Kind)).Observe(elapsed.Seconds())
	}

	if err == nil {
		r.count(j.Kind, "success")
		if aerr := r.queue.Ack(ctx, j); aerr != nil {
			log.Error().Err(aerr).Msg("ack failed")
		}
		log.Debug().Dur("duration", elapsed).Msg("job completed")
		return
	}

	if ctx.Err() != nil {
		// Shutting down; the queue redelivers unacknowledged jobs.
		log.Warn().Err(err).Msg("job interrupted")
		return
	}

	j.Attempts++
	j.LastError = err.Error()

	policy := r.RetryPolicy()
	if policy.ShouldRetry(j.Attempts) && !errors.Is(err, job.ErrUnknownKind) {
		delay := policy.Delay(j.Attempts)
		r.count(j.Kind, "retry")
		log.Warn().Err(err).Dur("retry_in", delay).Msg("job failed, retrying")
		if rerr := r.queue.Retry(ctx, j, delay); rerr != nil {
			log.Error().Err(rerr).Msg("retry failed")
		}
		return
	}

	r.deadLetter(ctx, j, log)
}

// RetryPolicy returns the policy applied to failed jobs.
func (r *JobRunner) RetryPolicy() job.RetryPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// SetRetryPolicy replaces the retry policy. Jobs already scheduled for retry
// keep their delay.
func (r *JobRunner) SetRetryPolicy(p job.RetryPolicy) {
	r.mu.Lock()
	r.policy = p.Normalize()
	r.mu.Unlock()
}

func (r *JobRunner) deadLetter(ctx context.Context, j job.Job, log zerolog.Logger) {
	r.count(j.Kind, "dead_letter")
	if r.metrics != nil {
		r.metrics.JobsDeadLettered.WithLabelValues(string(j.Kind)).Inc()
	}

	if err := r.jobs.DeadLetter(ctx, j, j.LastError, r.clock.Now()); err != nil {
		// Leave the job unacknowledged so it is not lost.
		log.Error().Err(err).Msg("failed to store dead letter")
		return
	}
	if err := r.queue.Ack(ctx, j); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}

	log.Error().
		Bool("alert", true).
		Str("subscription_id", j.SubscriptionID).
		Str("date", j.Date).
		Int("attempts", j.Attempts).
		Str("last_error", j.LastError).
		Msg("job dead-lettered")
}

func (r *JobRunner) count(kind job.Kind, result string) {
	if r.metrics != nil {
		r.metrics.JobsProcessed.WithLabelValues(string(kind), result).Inc()
	}
}

// Drain processes jobs on the calling goroutine until the queue has nothing
// ready within its poll interval. It returns the number of jobs processed.
func (r *JobRunner) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		j, err := r.queue.Dequeue(ctx)
		if err != nil {
			return n, fmt.Errorf("dequeue: %w", err)
		}
		if j == nil {
			return n, nil
		}
		r.Process(ctx, *j)
		n++
	}
}
