package billing_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/quota"
)

func TestRenewalInvoice(t *testing.T) {
	p := plan.Plan{Name: "Pro", Price: decimal.RequireFromString("10"), Currency: "USD", Cycle: plan.CycleMonthly}
	sub := billing.Subscription{ID: "s1", UserID: "u1"}
	over := quota.OverageResult{
		CurrentUsage:  3250,
		OverageUnits:  250,
		ChargePerUnit: decimal.RequireFromString("0.001"),
		ChargeAmount:  decimal.RequireFromString("0.25"),
	}
	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	inv := billing.RenewalInvoice(sub, p, over, start, end, now)

	if inv.Status != billing.InvoiceStatusPending {
		t.Errorf("Status = %s, want pending", inv.Status)
	}
	if len(inv.Items) != 2 {
		t.Fatalf("len(Items) = %d, want 2", len(inv.Items))
	}
	if !inv.Amount.Equal(decimal.RequireFromString("10.25")) {
		t.Errorf("Amount = %s, want 10.25", inv.Amount)
	}
	if inv.Requests != 3250 || inv.UserID != "u1" || inv.Currency != "USD" {
		t.Errorf("unexpected invoice %+v", inv)
	}
	if !strings.Contains(inv.Items[1].Description, "250 requests") {
		t.Errorf("overage item = %q", inv.Items[1].Description)
	}
}

func TestRenewalInvoice_NoOverage(t *testing.T) {
	p := plan.Plan{Name: "Pro", Price: decimal.RequireFromString("10"), Cycle: plan.CycleMonthly}

	inv := billing.RenewalInvoice(billing.Subscription{ID: "s1"}, p, quota.OverageResult{}, now, now, now)

	if len(inv.Items) != 1 || !inv.Amount.Equal(p.Price) {
		t.Errorf("items=%d amount=%s", len(inv.Items), inv.Amount)
	}
}

func TestInvoice_SamePeriod(t *testing.T) {
	a := billing.Invoice{SubscriptionID: "s1", PeriodStart: *day(2024, 4, 1), PeriodEnd: *day(2024, 5, 1)}
	b := a
	b.ID = "other"
	if !a.SamePeriod(b) {
		t.Error("expected same period")
	}
	b.PeriodStart = *day(2024, 4, 2)
	if a.SamePeriod(b) {
		t.Error("expected different period")
	}
}

func TestExportRow_CSVRecord(t *testing.T) {
	paid := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
	row := billing.ExportRow{
		InvoiceID:      "inv1",
		SubscriptionID: "s1",
		APISlug:        "weather",
		PlanName:       "Pro",
		PeriodStart:    *day(2024, 4, 1),
		PeriodEnd:      *day(2024, 5, 1),
		Requests:       3250,
		Amount:         decimal.RequireFromString("10.25"),
		Currency:       "USD",
		Status:         billing.InvoiceStatusPaid,
		TransactionRef: "TX-1",
		PaidAt:         &paid,
	}

	rec := row.CSVRecord()
	if len(rec) != len(billing.CSVHeader()) {
		t.Fatalf("record has %d columns, header has %d", len(rec), len(billing.CSVHeader()))
	}
	want := []string{"inv1", "s1", "weather", "Pro", "2024-04-01", "2024-05-01", "3250", "10.25", "USD", "paid", "TX-1", "2024-04-02T08:00:00Z"}
	for i := range want {
		if rec[i] != want[i] {
			t.Errorf("column %d = %q, want %q", i, rec[i], want[i])
		}
	}
}

func TestFormatAmount(t *testing.T) {
	if got := billing.FormatAmount(decimal.RequireFromString("3")); got != "3.00" {
		t.Errorf("FormatAmount(3) = %s", got)
	}
}
