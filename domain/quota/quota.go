// Package quota provides pure functions for overage evaluation.
// All functions are deterministic with no side effects.
package quota

import (
	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
)

// Unlimited is the PlanLimit reported for plans without a daily quota.
const Unlimited int64 = -1

// WarningLevel indicates how close to or over the period limit usage is.
type WarningLevel int

const (
	WarningNone        WarningLevel = iota // < 80%
	WarningApproaching                     // >= 80%
	WarningCritical                        // >= 95%
	WarningExceeded                        // > 100%
)

// String returns the wire name of the level.
func (w WarningLevel) String() string {
	switch w {
	case WarningApproaching:
		return "approaching"
	case WarningCritical:
		return "critical"
	case WarningExceeded:
		return "exceeded"
	default:
		return "none"
	}
}

// OverageResult is the outcome of evaluating a period's usage against a plan
// (value type).
type OverageResult struct {
	SubscriptionID    string
	PlanLimit         int64 // Unlimited when the plan has no quota
	CurrentUsage      int64
	OverageUnits      int64
	ChargePerUnit     decimal.Decimal
	ChargeAmount      decimal.Decimal
	EstimatedNextBill decimal.Decimal
	PercentUsed       float64
	WarningLevel      WarningLevel
}

// Evaluate computes the overage for a period.
//
// The period limit is the plan's daily quota multiplied by the number of days
// in the period. Usage above the limit is charged at the plan's overage rate.
// Plans without a quota never accrue overage.
// This is a PURE function - no side effects.
func Evaluate(p plan.Plan, u usage.PeriodUsage) OverageResult {
	result := OverageResult{
		SubscriptionID:    u.SubscriptionID,
		CurrentUsage:      u.Requests,
		ChargePerUnit:     p.OverageRate,
		ChargeAmount:      decimal.Zero,
		EstimatedNextBill: p.Price,
	}

	if p.Unlimited() {
		result.PlanLimit = Unlimited
		return result
	}

	limit := *p.DailyQuota * int64(u.Days())
	result.PlanLimit = limit

	if u.Requests > limit {
		result.OverageUnits = u.Requests - limit
		result.ChargeAmount = p.OverageRate.Mul(decimal.NewFromInt(result.OverageUnits))
		result.EstimatedNextBill = p.Price.Add(result.ChargeAmount)
	}

	if limit > 0 {
		result.PercentUsed = float64(u.Requests) / float64(limit) * 100
	} else if u.Requests > 0 {
		result.PercentUsed = 100
	}
	result.WarningLevel = warningLevel(result.PercentUsed, result.OverageUnits > 0)

	return result
}

func warningLevel(percent float64, over bool) WarningLevel {
	switch {
	case over:
		return WarningExceeded
	case percent >= 95:
		return WarningCritical
	case percent >= 80:
		return WarningApproaching
	default:
		return WarningNone
	}
}
