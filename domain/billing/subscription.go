// Package billing provides subscription lifecycle and invoice value types
// and pure functions.
package billing

import (
	"errors"
	"time"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
)

// Status is the lifecycle state of a subscription.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// Subscription binds a user to a plan for one API (value type).
type Subscription struct {
	ID                   string
	UserID               string
	APIID                string
	PlanID               string
	Status               Status
	APIKeyHash           string
	ExternalAgreementRef string     // set once the subscription reaches active
	RenewalDate          *time.Time // next billing date, UTC day
	CancelledAt          *time.Time
	FailedPayments       int
	Version              int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Billable reports whether the subscription should be charged on renewal.
func (s Subscription) Billable() bool {
	return s.Status == StatusActive || s.Status == StatusSuspended
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventActivate         EventKind = "activate"
	EventPaymentSucceeded EventKind = "payment_succeeded"
	EventPaymentFailed    EventKind = "payment_failed"
	EventCancel           EventKind = "cancel"
)

// Event is a lifecycle input. AgreementRef is required for activation.
// CountAttempt marks a payment failure that corresponds to a distinct charge
// attempt; repeated notices about the same attempt leave the counter alone.
type Event struct {
	Kind         EventKind
	AgreementRef string
	At           time.Time
	CountAttempt bool
}

// Rules carries the plan and policy inputs a transition needs.
type Rules struct {
	Cycle             plan.Cycle
	TrialDays         int
	MaxFailedPayments int // 0 disables automatic cancellation
}

var (
	ErrInvalidTransition = errors.New("invalid subscription transition")
	ErrMissingAgreement  = errors.New("activation requires an agreement reference")
	ErrUnknownEvent      = errors.New("unknown lifecycle event")
)

// transitions lists every status change the lifecycle permits.
var transitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusActive, StatusSuspended, StatusCancelled},
	StatusSuspended: {StatusActive, StatusSuspended, StatusCancelled},
	StatusCancelled: {},
}

// CanTransition reports whether from -> to is a permitted status change.
// This is a PURE function.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition applies ev to s and returns the resulting subscription and
// whether anything changed. Re-applying an event whose effect is already in
// place returns changed=false and no error. Transitions not in the table
// return ErrInvalidTransition.
// This is a PURE function.
func Transition(s Subscription, ev Event, rules Rules) (Subscription, bool, error) {
	next := s

	switch ev.Kind {
	case EventActivate:
		if ev.AgreementRef == "" {
			return s, false, ErrMissingAgreement
		}
		switch s.Status {
		case StatusActive:
			if s.ExternalAgreementRef == ev.AgreementRef {
				return s, false, nil
			}
			return s, false, ErrInvalidTransition
		case StatusSuspended:
			if s.ExternalAgreementRef != ev.AgreementRef {
				return s, false, ErrInvalidTransition
			}
			next.FailedPayments = 0
		case StatusPending:
			renewal := usage.Day(ev.At).AddDate(0, 0, rules.TrialDays)
			next.RenewalDate = &renewal
			next.ExternalAgreementRef = ev.AgreementRef
		}
		next.Status = StatusActive

	case EventPaymentSucceeded:
		if s.Status != StatusActive && s.Status != StatusSuspended {
			return s, false, ErrInvalidTransition
		}
		base := usage.Day(ev.At)
		if s.RenewalDate != nil {
			base = *s.RenewalDate
		}
		renewal := rules.Cycle.Advance(base)
		next.RenewalDate = &renewal
		next.FailedPayments = 0
		next.Status = StatusActive

	case EventPaymentFailed:
		switch s.Status {
		case StatusActive:
			next.FailedPayments++
		case StatusSuspended:
			if !ev.CountAttempt {
				return s, false, nil
			}
			next.FailedPayments++
		default:
			return s, false, ErrInvalidTransition
		}
		next.Status = StatusSuspended
		if rules.MaxFailedPayments > 0 && next.FailedPayments >= rules.MaxFailedPayments {
			next.Status = StatusCancelled
			at := ev.At
			next.CancelledAt = &at
		}

	case EventCancel:
		if s.Status == StatusCancelled {
			return s, false, nil
		}
		next.Status = StatusCancelled
		at := ev.At
		next.CancelledAt = &at

	default:
		return s, false, ErrUnknownEvent
	}

	if !CanTransition(s.Status, next.Status) {
		return s, false, ErrInvalidTransition
	}
	next.UpdatedAt = ev.At
	return next, true, nil
}
