// Package job provides background job value types, idempotency keys and the
// retry policy.
package job

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/artpar/apimeter/domain/usage"
)

// Kind names a background job.
type Kind string

const (
	KindUsageAggregation Kind = "usage_aggregation"
	KindBilling          Kind = "billing"
	KindGatewaySync      Kind = "gateway_sync"
)

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindUsageAggregation, KindBilling, KindGatewaySync:
		return true
	}
	return false
}

// Scheduled reports whether the daily scheduler produces this kind.
func (k Kind) Scheduled() bool {
	return k == KindUsageAggregation || k == KindBilling
}

var ErrUnknownKind = errors.New("unknown job kind")

// ParseKind converts a trigger path segment such as "renewal" or
// "usage-aggregation" to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ReplaceAll(strings.ToLower(s), "-", "_"))
	if k == "renewal" {
		k = KindBilling
	}
	if !k.Valid() {
		return "", ErrUnknownKind
	}
	return k, nil
}

// Job is one unit of background work. It carries everything needed to
// replay it from scratch.
type Job struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	SubscriptionID string    `json:"subscription_id"`
	Date           string    `json:"date"` // logical date, YYYY-MM-DD
	Attempts       int       `json:"attempts"`
	LastError      string    `json:"last_error,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	NotBefore      time.Time `json:"not_before,omitempty"`
}

// New builds a job for a subscription and logical date.
func New(kind Kind, subscriptionID string, date time.Time, now time.Time) Job {
	j := Job{
		Kind:           kind,
		SubscriptionID: subscriptionID,
		Date:           usage.Day(date).Format(usage.DayLayout),
		EnqueuedAt:     now,
	}
	j.ID = IdempotencyKey(kind, subscriptionID, j.Date)
	return j
}

// IdempotencyKey derives the deduplication key for a job.
// This is a PURE function.
func IdempotencyKey(kind Kind, subscriptionID, date string) string {
	return string(kind) + ":" + subscriptionID + ":" + date
}

// LogicalDate parses the job's date.
func (j Job) LogicalDate() (time.Time, error) {
	return time.Parse(usage.DayLayout, j.Date)
}

// DeadLetter is a job that exhausted its retries.
type DeadLetter struct {
	Job      Job
	Error    string
	FailedAt time.Time
}

// RetryPolicy is an exponential backoff policy with a bounded number of
// attempts (value type).
type RetryPolicy struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Normalize fills unset fields with defaults.
func (p RetryPolicy) Normalize() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.BackoffMultiplier <= 1.0 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	return p
}

// ShouldRetry reports whether a job that has made the given number of
// attempts may run again.
func (p RetryPolicy) ShouldRetry(attempts int) bool {
	return attempts < p.MaxAttempts
}

// Delay returns the backoff before the next attempt:
// initial * multiplier^(attempts-1), capped at MaxDelay.
// This is a PURE function.
func (p RetryPolicy) Delay(attempts int) time.Duration {
	if attempts <= 1 {
		return p.InitialDelay
	}
	delay := float64(p.InitialDelay) * math.Pow(p.BackoffMultiplier, float64(attempts-1))
	if delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}
