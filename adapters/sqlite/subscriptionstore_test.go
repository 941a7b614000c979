package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

func TestSubscriptionStore_CreateRequiresPending(t *testing.T) {
	db := setupTestDB(t)
	seed(t, db, "sub-0")

	err := sqlite.NewSubscriptionStore(db).Create(context.Background(), billing.Subscription{
		ID: "sub-x", UserID: "u", APIID: "api-weather", PlanID: "plan-pro",
		Status: billing.StatusActive, APIKeyHash: "h",
	})
	require.Error(t, err)
}

func TestSubscriptionStore_Lookups(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	subs := sqlite.NewSubscriptionStore(db)

	sub := seed(t, db, "sub-1")
	require.Equal(t, billing.StatusPending, sub.Status)
	require.Equal(t, int64(1), sub.Version)
	require.Nil(t, sub.RenewalDate)

	byKey, err := subs.GetByAPIKeyHash(ctx, "hash-sub-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", byKey.ID)

	_, err = subs.GetByAgreement(ctx, "I-sub-1")
	require.ErrorIs(t, err, sqlite.ErrNotFound)

	active := activate(t, db, sub, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.Equal(t, int64(2), active.Version)

	byAgreement, err := subs.GetByAgreement(ctx, "I-sub-1")
	require.NoError(t, err)
	require.Equal(t, billing.StatusActive, byAgreement.Status)
	require.Equal(t, "2024-04-01", byAgreement.RenewalDate.Format("2006-01-02"))

	list, err := subs.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func TestSubscriptionStore_SaveTransitionConflict(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	subs := sqlite.NewSubscriptionStore(db)

	sub := seed(t, db, "sub-1")
	activate(t, db, sub, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))

	// sub is now stale: its version is behind the stored row.
	next := sub
	now := time.Now().UTC()
	next.Status = billing.StatusCancelled
	next.CancelledAt = &now
	require.ErrorIs(t, subs.SaveTransition(ctx, sub, next), ports.ErrConflict)

	missing := billing.Subscription{ID: "nope", Version: 1}
	require.ErrorIs(t, subs.SaveTransition(ctx, missing, missing), sqlite.ErrNotFound)
}

func TestSubscriptionStore_SchemaRejectsInconsistentState(t *testing.T) {
	db := setupTestDB(t)
	sub := seed(t, db, "sub-1")

	// Active without an agreement reference violates the schema.
	next := sub
	next.Status = billing.StatusActive
	err := sqlite.NewSubscriptionStore(db).SaveTransition(context.Background(), sub, next)
	require.Error(t, err)
}

func TestSubscriptionStore_ListRenewalsDue(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	subs := sqlite.NewSubscriptionStore(db)

	today := time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC)
	tomorrow := today.AddDate(0, 0, 1)

	dueToday := activate(t, db, seed(t, db, "due-today"), today)
	activate(t, db, seed(t, db, "due-tomorrow"), tomorrow)
	activate(t, db, seed(t, db, "overdue-active"), today.AddDate(0, 0, -3))

	overdue := activate(t, db, seed(t, db, "overdue-suspended"), today.AddDate(0, 0, -3))
	suspended := overdue
	suspended.Status = billing.StatusSuspended
	suspended.FailedPayments = 1
	require.NoError(t, subs.SaveTransition(ctx, overdue, suspended))
	seed(t, db, "still-pending")

	due, err := subs.ListRenewalsDue(ctx, today, tomorrow)
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, s := range due {
		ids = append(ids, s.ID)
	}
	require.ElementsMatch(t, []string{dueToday.ID, "overdue-suspended"}, ids)

	billable, err := subs.ListBillable(ctx)
	require.NoError(t, err)
	require.Len(t, billable, 4)
}
