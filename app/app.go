// Package app provides application services that orchestrate domain logic.
// Services receive their stores and outbound ports through Deps structs and
// never touch SQL or HTTP directly.
package app

import (
	"context"
	"errors"
	"time"

	"github.com/artpar/apimeter/adapters/metrics"
	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/ports"
)

var (
	// ErrInvalidSignature rejects a notification whose signature does not verify.
	ErrInvalidSignature = ports.ErrInvalidSignature

	// ErrDuplicateEvent acknowledges a notification that was already processed.
	ErrDuplicateEvent = errors.New("event already processed")

	// ErrRetryable marks failures the sender should redeliver, such as an
	// event referencing a subscription this service has not seen yet.
	ErrRetryable = errors.New("retryable failure")

	ErrUnknownSubscription = errors.New("unknown subscription")
	ErrPlanNotPublished    = errors.New("plan is not published")
	ErrArchiveDisabled     = errors.New("invoice archive is not configured")
	ErrInvalidRequest      = errors.New("invalid request")
)

// JobEnqueuer places jobs on the queue.
type JobEnqueuer interface {
	// EnqueueOnce enqueues j unless its idempotency key was claimed before.
	EnqueueOnce(ctx context.Context, j job.Job) (bool, error)

	// Enqueue enqueues j unconditionally.
	Enqueue(ctx context.Context, j job.Job) error
}

// observeCall records the duration and failure of an outbound call.
func observeCall(m *metrics.Collector, target, op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.ProviderDuration.WithLabelValues(target, op).Observe(time.Since(start).Seconds())
	if err != nil {
		m.ProviderErrors.WithLabelValues(target, op).Inc()
	}
}

// isNotFound reports whether a store lookup missed.
func isNotFound(err error) bool {
	return errors.Is(err, ports.ErrNotFound)
}

// gatewaySyncJob builds a policy push for a subscription. Syncs are not
// deduplicated, so each gets a unique ID.
func gatewaySyncJob(subscriptionID string, now time.Time, ids ports.IDGenerator) job.Job {
	j := job.New(job.KindGatewaySync, subscriptionID, now, now)
	j.ID = j.ID + ":" + ids.New()
	return j
}
