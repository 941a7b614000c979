// Package plan provides plan value types and pure functions.
package plan

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Cycle is the billing interval of a plan.
type Cycle string

const (
	CycleWeekly  Cycle = "weekly"
	CycleMonthly Cycle = "monthly"
	CycleYearly  Cycle = "yearly"
)

// Valid reports whether c is a known cycle.
func (c Cycle) Valid() bool {
	switch c {
	case CycleWeekly, CycleMonthly, CycleYearly:
		return true
	}
	return false
}

// Advance returns t moved forward by exactly one cycle.
// This is a PURE function.
func (c Cycle) Advance(t time.Time) time.Time {
	switch c {
	case CycleWeekly:
		return t.AddDate(0, 0, 7)
	case CycleYearly:
		return t.AddDate(1, 0, 0)
	default:
		return t.AddDate(0, 1, 0)
	}
}

// Rewind returns t moved back by exactly one cycle.
// This is a PURE function.
func (c Cycle) Rewind(t time.Time) time.Time {
	switch c {
	case CycleWeekly:
		return t.AddDate(0, 0, -7)
	case CycleYearly:
		return t.AddDate(-1, 0, 0)
	default:
		return t.AddDate(0, -1, 0)
	}
}

// ProviderInterval returns the provider's frequency name for the cycle.
func (c Cycle) ProviderInterval() string {
	switch c {
	case CycleWeekly:
		return "WEEK"
	case CycleYearly:
		return "YEAR"
	default:
		return "MONTH"
	}
}

var (
	ErrMissingName     = errors.New("plan name is required")
	ErrInvalidPrice    = errors.New("plan price must not be negative")
	ErrInvalidRate     = errors.New("overage rate must not be negative")
	ErrInvalidCycle    = errors.New("unknown billing cycle")
	ErrInvalidQuota    = errors.New("daily quota must not be negative")
	ErrInvalidTrial    = errors.New("trial days must not be negative")
	ErrInvalidCurrency = errors.New("currency must be a 3-letter code")
)

// Plan is a pricing tier. Plans are immutable once published to the
// payment provider (value type).
type Plan struct {
	ID          string
	Name        string
	Description string
	Price       decimal.Decimal
	Currency    string
	Cycle       Cycle
	DailyQuota  *int64 // nil = unlimited
	OverageRate decimal.Decimal
	TrialDays   int
	ExternalRef string // provider plan ID, set once published
	PublishedAt *time.Time
	CreatedAt   time.Time
}

// Unlimited reports whether the plan has no daily quota.
func (p Plan) Unlimited() bool {
	return p.DailyQuota == nil
}

// Published reports whether the plan has been created at the provider.
func (p Plan) Published() bool {
	return p.ExternalRef != ""
}

// Validate checks the plan's invariants.
// This is a PURE function.
func Validate(p Plan) error {
	switch {
	case p.Name == "":
		return ErrMissingName
	case p.Price.IsNegative():
		return ErrInvalidPrice
	case p.OverageRate.IsNegative():
		return ErrInvalidRate
	case !p.Cycle.Valid():
		return ErrInvalidCycle
	case p.DailyQuota != nil && *p.DailyQuota < 0:
		return ErrInvalidQuota
	case p.TrialDays < 0:
		return ErrInvalidTrial
	case len(p.Currency) != 3:
		return ErrInvalidCurrency
	}
	return nil
}

// Quota returns a pointer to n, for building plans with a daily quota.
func Quota(n int64) *int64 {
	return &n
}
