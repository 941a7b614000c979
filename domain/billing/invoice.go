package billing

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/quota"
	"github.com/artpar/apimeter/domain/usage"
)

// InvoiceStatus represents the state of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending InvoiceStatus = "pending"
	InvoiceStatusPaid    InvoiceStatus = "paid"
	InvoiceStatusFailed  InvoiceStatus = "failed"
)

// Invoice is the bill for one subscription period (value type).
// Paid invoices are immutable.
type Invoice struct {
	ID             string
	SubscriptionID string
	UserID         string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Items          []InvoiceItem
	Requests       int64 // usage observed in the period the overage was computed for
	Amount         decimal.Decimal
	Currency       string
	Status         InvoiceStatus
	TransactionRef string
	PaidAt         *time.Time
	CreatedAt      time.Time
}

// InvoiceItem is a line on an invoice (value type).
type InvoiceItem struct {
	Description string
	Quantity    int64
	UnitPrice   decimal.Decimal
	Amount      decimal.Decimal
}

// RenewalInvoice builds the pending invoice for the period starting at the
// subscription's renewal date. Overage is the result evaluated over the
// period that just ended.
// This is a PURE function.
func RenewalInvoice(sub Subscription, p plan.Plan, overage quota.OverageResult, periodStart, periodEnd, now time.Time) Invoice {
	items := []InvoiceItem{{
		Description: p.Name + " - " + string(p.Cycle) + " subscription",
		Quantity:    1,
		UnitPrice:   p.Price,
		Amount:      p.Price,
	}}
	total := p.Price

	if overage.OverageUnits > 0 {
		items = append(items, InvoiceItem{
			Description: "API overage (" + strconv.FormatInt(overage.OverageUnits, 10) + " requests)",
			Quantity:    overage.OverageUnits,
			UnitPrice:   overage.ChargePerUnit,
			Amount:      overage.ChargeAmount,
		})
		total = total.Add(overage.ChargeAmount)
	}

	return Invoice{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Items:          items,
		Requests:       overage.CurrentUsage,
		Amount:         total,
		Currency:       p.Currency,
		Status:         InvoiceStatusPending,
		CreatedAt:      now,
	}
}

// SamePeriod reports whether two invoices bill the same period.
func (inv Invoice) SamePeriod(other Invoice) bool {
	return inv.SubscriptionID == other.SubscriptionID &&
		inv.PeriodStart.Equal(other.PeriodStart) &&
		inv.PeriodEnd.Equal(other.PeriodEnd)
}

// FormatAmount renders a money amount with two decimal places.
// This is a PURE function.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

// ExportRow is one line of a user's invoice CSV export.
type ExportRow struct {
	InvoiceID      string
	SubscriptionID string
	APISlug        string
	PlanName       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Requests       int64
	Amount         decimal.Decimal
	Currency       string
	Status         InvoiceStatus
	TransactionRef string
	PaidAt         *time.Time
}

// CSVHeader returns the column names of an invoice export.
func CSVHeader() []string {
	return []string{
		"invoice_id", "subscription_id", "api", "plan",
		"period_start", "period_end", "requests", "amount",
		"currency", "status", "transaction_ref", "paid_at",
	}
}

// CSVRecord renders the row in CSVHeader column order.
// This is a PURE function.
func (r ExportRow) CSVRecord() []string {
	paidAt := ""
	if r.PaidAt != nil {
		paidAt = r.PaidAt.UTC().Format(time.RFC3339)
	}
	return []string{
		r.InvoiceID,
		r.SubscriptionID,
		r.APISlug,
		r.PlanName,
		r.PeriodStart.UTC().Format(usage.DayLayout),
		r.PeriodEnd.UTC().Format(usage.DayLayout),
		strconv.FormatInt(r.Requests, 10),
		FormatAmount(r.Amount),
		r.Currency,
		string(r.Status),
		r.TransactionRef,
		paidAt,
	}
}
