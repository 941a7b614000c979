package billing_test

import (
	"errors"
	"testing"
	"time"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/plan"
)

var (
	now   = time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)
	rules = billing.Rules{Cycle: plan.CycleMonthly, MaxFailedPayments: 3}
)

func day(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestTransition_ActivatePending(t *testing.T) {
	sub := billing.Subscription{ID: "s1", Status: billing.StatusPending}

	got, changed, err := billing.Transition(sub, billing.Event{Kind: billing.EventActivate, AgreementRef: "I-1", At: now}, rules)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !changed {
		t.Error("expected changed")
	}
	if got.Status != billing.StatusActive || got.ExternalAgreementRef != "I-1" {
		t.Errorf("got status=%s ref=%s", got.Status, got.ExternalAgreementRef)
	}
	if got.RenewalDate == nil || !got.RenewalDate.Equal(*day(2024, 3, 10)) {
		t.Errorf("RenewalDate = %v, want 2024-03-10", got.RenewalDate)
	}
}

func TestTransition_ActivateWithTrial(t *testing.T) {
	sub := billing.Subscription{Status: billing.StatusPending}
	r := rules
	r.TrialDays = 14

	got, _, err := billing.Transition(sub, billing.Event{Kind: billing.EventActivate, AgreementRef: "I-1", At: now}, r)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !got.RenewalDate.Equal(*day(2024, 3, 24)) {
		t.Errorf("RenewalDate = %v, want 2024-03-24", got.RenewalDate)
	}
}

func TestTransition_ActivateIdempotent(t *testing.T) {
	sub := billing.Subscription{Status: billing.StatusActive, ExternalAgreementRef: "I-1", RenewalDate: day(2024, 4, 1)}

	got, changed, err := billing.Transition(sub, billing.Event{Kind: billing.EventActivate, AgreementRef: "I-1", At: now}, rules)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if changed {
		t.Error("re-activation should be a no-op")
	}
	if !got.RenewalDate.Equal(*day(2024, 4, 1)) {
		t.Errorf("RenewalDate changed to %v", got.RenewalDate)
	}
}

func TestTransition_ActivateRequiresRef(t *testing.T) {
	sub := billing.Subscription{Status: billing.StatusPending}
	_, _, err := billing.Transition(sub, billing.Event{Kind: billing.EventActivate, At: now}, rules)
	if !errors.Is(err, billing.ErrMissingAgreement) {
		t.Errorf("err = %v, want ErrMissingAgreement", err)
	}
}

func TestTransition_PaymentSucceededAdvancesOneCycle(t *testing.T) {
	sub := billing.Subscription{Status: billing.StatusSuspended, ExternalAgreementRef: "I-1", RenewalDate: day(2024, 3, 1), FailedPayments: 2}

	got, changed, err := billing.Transition(sub, billing.Event{Kind: billing.EventPaymentSucceeded, At: now}, rules)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if !changed || got.Status != billing.StatusActive {
		t.Errorf("got status=%s changed=%v", got.Status, changed)
	}
	if !got.RenewalDate.Equal(*day(2024, 4, 1)) {
		t.Errorf("RenewalDate = %v, want 2024-04-01", got.RenewalDate)
	}
	if got.FailedPayments != 0 {
		t.Errorf("FailedPayments = %d, want 0", got.FailedPayments)
	}
}

func TestTransition_PaymentFailed(t *testing.T) {
	active := billing.Subscription{Status: billing.StatusActive, ExternalAgreementRef: "I-1"}

	suspended, changed, err := billing.Transition(active, billing.Event{Kind: billing.EventPaymentFailed, At: now, CountAttempt: true}, rules)
	if err != nil || !changed {
		t.Fatalf("Transition: changed=%v err=%v", changed, err)
	}
	if suspended.Status != billing.StatusSuspended || suspended.FailedPayments != 1 {
		t.Fatalf("got status=%s failed=%d", suspended.Status, suspended.FailedPayments)
	}

	// A repeated notice for the same attempt is absorbed.
	same, changed, err := billing.Transition(suspended, billing.Event{Kind: billing.EventPaymentFailed, At: now}, rules)
	if err != nil || changed || same.FailedPayments != 1 {
		t.Errorf("uncounted failure: changed=%v failed=%d err=%v", changed, same.FailedPayments, err)
	}

	second, _, _ := billing.Transition(suspended, billing.Event{Kind: billing.EventPaymentFailed, At: now, CountAttempt: true}, rules)
	if second.Status != billing.StatusSuspended || second.FailedPayments != 2 {
		t.Errorf("second failure: status=%s failed=%d", second.Status, second.FailedPayments)
	}

	third, _, _ := billing.Transition(second, billing.Event{Kind: billing.EventPaymentFailed, At: now, CountAttempt: true}, rules)
	if third.Status != billing.StatusCancelled || third.CancelledAt == nil {
		t.Errorf("third failure: status=%s cancelledAt=%v", third.Status, third.CancelledAt)
	}
}

func TestTransition_Cancel(t *testing.T) {
	for _, from := range []billing.Status{billing.StatusPending, billing.StatusActive, billing.StatusSuspended} {
		t.Run(string(from), func(t *testing.T) {
			got, changed, err := billing.Transition(billing.Subscription{Status: from}, billing.Event{Kind: billing.EventCancel, At: now}, rules)
			if err != nil || !changed {
				t.Fatalf("changed=%v err=%v", changed, err)
			}
			if got.Status != billing.StatusCancelled || got.CancelledAt == nil || !got.CancelledAt.Equal(now) {
				t.Errorf("got status=%s cancelledAt=%v", got.Status, got.CancelledAt)
			}
		})
	}
}

func TestTransition_CancelledIsTerminal(t *testing.T) {
	cancelled := billing.Subscription{Status: billing.StatusCancelled, ExternalAgreementRef: "I-1", CancelledAt: &now}

	_, changed, err := billing.Transition(cancelled, billing.Event{Kind: billing.EventCancel, At: now}, rules)
	if err != nil || changed {
		t.Errorf("re-cancel: changed=%v err=%v", changed, err)
	}

	for _, kind := range []billing.EventKind{billing.EventActivate, billing.EventPaymentSucceeded, billing.EventPaymentFailed} {
		_, _, err := billing.Transition(cancelled, billing.Event{Kind: kind, AgreementRef: "I-1", At: now}, rules)
		if !errors.Is(err, billing.ErrInvalidTransition) {
			t.Errorf("%s on cancelled: err = %v, want ErrInvalidTransition", kind, err)
		}
	}
}

func TestTransition_PendingRejectsPayments(t *testing.T) {
	pending := billing.Subscription{Status: billing.StatusPending}
	for _, kind := range []billing.EventKind{billing.EventPaymentSucceeded, billing.EventPaymentFailed} {
		_, _, err := billing.Transition(pending, billing.Event{Kind: kind, At: now}, rules)
		if !errors.Is(err, billing.ErrInvalidTransition) {
			t.Errorf("%s on pending: err = %v, want ErrInvalidTransition", kind, err)
		}
	}
}

func TestTransition_UnknownEvent(t *testing.T) {
	_, _, err := billing.Transition(billing.Subscription{Status: billing.StatusActive}, billing.Event{Kind: "refund"}, rules)
	if !errors.Is(err, billing.ErrUnknownEvent) {
		t.Errorf("err = %v, want ErrUnknownEvent", err)
	}
}

func TestCanTransition(t *testing.T) {
	if billing.CanTransition(billing.StatusCancelled, billing.StatusActive) {
		t.Error("cancelled -> active must not be permitted")
	}
	if billing.CanTransition(billing.StatusPending, billing.StatusSuspended) {
		t.Error("pending -> suspended must not be permitted")
	}
	if !billing.CanTransition(billing.StatusSuspended, billing.StatusActive) {
		t.Error("suspended -> active must be permitted")
	}
}
