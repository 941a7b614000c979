package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

func newInvoice(id, subID string, start time.Time) billing.Invoice {
	return billing.Invoice{
		ID:             id,
		SubscriptionID: subID,
		UserID:         "user-1",
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
		Items: []billing.InvoiceItem{{
			Description: "Pro - monthly subscription",
			Quantity:    1,
			UnitPrice:   decimal.RequireFromString("10"),
			Amount:      decimal.RequireFromString("10"),
		}},
		Requests: 42,
		Amount:   decimal.RequireFromString("10"),
		Currency: "USD",
	}
}

var april = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func TestInvoiceStore_OnePendingPerSubscription(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewInvoiceStore(db)
	seed(t, db, "sub-1")

	first, err := store.CreatePending(ctx, newInvoice("inv-1", "sub-1", april))
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusPending, first.Status)

	// Same period: the existing pending invoice is returned.
	again, err := store.CreatePending(ctx, newInvoice("inv-2", "sub-1", april))
	require.NoError(t, err)
	require.Equal(t, "inv-1", again.ID)

	// Different period while one is pending: refused.
	_, err = store.CreatePending(ctx, newInvoice("inv-3", "sub-1", april.AddDate(0, 1, 0)))
	require.ErrorIs(t, err, ports.ErrPendingInvoice)

	pending, err := store.GetPending(ctx, "sub-1")
	require.NoError(t, err)
	require.Equal(t, "inv-1", pending.ID)
	require.Len(t, pending.Items, 1)
	require.True(t, pending.Items[0].Amount.Equal(decimal.RequireFromString("10")))
}

func TestInvoiceStore_MarkPaid(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewInvoiceStore(db)
	seed(t, db, "sub-1")

	_, err := store.CreatePending(ctx, newInvoice("inv-1", "sub-1", april))
	require.NoError(t, err)

	at := time.Date(2024, 4, 1, 9, 0, 0, 0, time.UTC)
	paid, err := store.MarkPaid(ctx, "inv-1", "TX-1", at)
	require.NoError(t, err)
	require.Equal(t, billing.InvoiceStatusPaid, paid.Status)
	require.Equal(t, "TX-1", paid.TransactionRef)
	require.True(t, paid.PaidAt.Equal(at))

	// Replaying the same settlement is a no-op.
	again, err := store.MarkPaid(ctx, "inv-1", "TX-1", at.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, again.PaidAt.Equal(at))

	// A different transaction cannot re-settle a paid invoice.
	_, err = store.MarkPaid(ctx, "inv-1", "TX-2", at)
	require.ErrorIs(t, err, ports.ErrInvoiceClosed)

	ok, err := store.MarkFailed(ctx, "inv-1")
	require.NoError(t, err)
	require.False(t, ok)

	byTx, err := store.GetByTransactionRef(ctx, "TX-1")
	require.NoError(t, err)
	require.Equal(t, "inv-1", byTx.ID)

	// With nothing pending, a new period may be invoiced.
	_, err = store.CreatePending(ctx, newInvoice("inv-2", "sub-1", april.AddDate(0, 1, 0)))
	require.NoError(t, err)

	// Paid rows are immutable at the schema level.
	_, err = db.Exec(`UPDATE invoices SET amount = '0' WHERE id = 'inv-1'`)
	require.Error(t, err)
}

func TestInvoiceStore_MarkFailedThenRetry(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewInvoiceStore(db)
	seed(t, db, "sub-1")

	_, err := store.CreatePending(ctx, newInvoice("inv-1", "sub-1", april))
	require.NoError(t, err)

	ok, err := store.MarkFailed(ctx, "inv-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.MarkFailed(ctx, "inv-1")
	require.NoError(t, err)
	require.False(t, ok)

	retry, err := store.CreatePending(ctx, newInvoice("inv-2", "sub-1", april))
	require.NoError(t, err)
	require.Equal(t, "inv-2", retry.ID)

	latest, err := store.FindForPeriod(ctx, "sub-1", april)
	require.NoError(t, err)
	require.Equal(t, "inv-2", latest.ID)
}

func TestInvoiceStore_ExportRows(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewInvoiceStore(db)
	seed(t, db, "sub-1")

	_, err := store.CreatePending(ctx, newInvoice("inv-1", "sub-1", april))
	require.NoError(t, err)
	_, err = store.MarkPaid(ctx, "inv-1", "TX-1", april)
	require.NoError(t, err)

	rows, err := store.ExportRows(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "weather", rows[0].APISlug)
	require.Equal(t, "Pro", rows[0].PlanName)
	require.Equal(t, int64(42), rows[0].Requests)
	require.Equal(t, billing.InvoiceStatusPaid, rows[0].Status)
	require.NotNil(t, rows[0].PaidAt)

	list, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	none, err := store.ExportRows(ctx, "someone-else")
	require.NoError(t, err)
	require.Empty(t, none)
}
