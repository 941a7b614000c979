package sqlite_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/domain/usage"
)

func setupTestDB(t *testing.T) *sqlite.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "apimeter-test.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		db.Close()
		os.Remove(path)
	})
	return db
}

// seed creates an API, a plan and a pending subscription.
func seed(t *testing.T, db *sqlite.DB, subID string) billing.Subscription {
	t.Helper()
	ctx := context.Background()

	apis := sqlite.NewAPIStore(db)
	if _, err := apis.Get(ctx, "api-weather"); errors.Is(err, sqlite.ErrNotFound) {
		require.NoError(t, apis.Create(ctx, usage.API{ID: "api-weather", Slug: "weather", Name: "Weather"}))
	}

	plans := sqlite.NewPlanStore(db)
	if _, err := plans.Get(ctx, "plan-pro"); errors.Is(err, sqlite.ErrNotFound) {
		require.NoError(t, plans.Create(ctx, plan.Plan{
			ID:          "plan-pro",
			Name:        "Pro",
			Price:       decimal.RequireFromString("10"),
			Currency:    "USD",
			Cycle:       plan.CycleMonthly,
			DailyQuota:  plan.Quota(100),
			OverageRate: decimal.RequireFromString("0.001"),
			ExternalRef: "P-PRO",
		}))
	}

	sub := billing.Subscription{
		ID:         subID,
		UserID:     "user-1",
		APIID:      "api-weather",
		PlanID:     "plan-pro",
		Status:     billing.StatusPending,
		APIKeyHash: "hash-" + subID,
	}
	subs := sqlite.NewSubscriptionStore(db)
	require.NoError(t, subs.Create(ctx, sub))

	got, err := subs.Get(ctx, subID)
	require.NoError(t, err)
	return got
}

// activate moves a seeded subscription to active through the status writer.
func activate(t *testing.T, db *sqlite.DB, sub billing.Subscription, renewal time.Time) billing.Subscription {
	t.Helper()
	ctx := context.Background()
	subs := sqlite.NewSubscriptionStore(db)

	next := sub
	next.Status = billing.StatusActive
	next.ExternalAgreementRef = "I-" + sub.ID
	next.RenewalDate = &renewal
	require.NoError(t, subs.SaveTransition(ctx, sub, next))

	got, err := subs.Get(ctx, sub.ID)
	require.NoError(t, err)
	return got
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrate())
}

func TestWithinTx_RollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	apis := sqlite.NewAPIStore(db)

	boom := errors.New("boom")
	err := db.WithinTx(ctx, func(ctx context.Context) error {
		require.NoError(t, apis.Create(ctx, usage.API{ID: "a1", Slug: "maps", Name: "Maps"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = apis.Get(ctx, "a1")
	require.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestWithinTx_NestedJoinsOuter(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	apis := sqlite.NewAPIStore(db)

	err := db.WithinTx(ctx, func(ctx context.Context) error {
		return db.WithinTx(ctx, func(ctx context.Context) error {
			return apis.Create(ctx, usage.API{ID: "a1", Slug: "maps", Name: "Maps"})
		})
	})
	require.NoError(t, err)

	got, err := apis.GetBySlug(ctx, "maps")
	require.NoError(t, err)
	require.Equal(t, "a1", got.ID)
}

func TestAPIStore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	apis := sqlite.NewAPIStore(db)

	require.NoError(t, apis.Create(ctx, usage.API{ID: "a1", Slug: "maps", Name: "Maps", UpstreamURL: "http://maps.internal"}))
	require.ErrorIs(t, apis.Create(ctx, usage.API{ID: "a2", Slug: "maps", Name: "Other"}), sqlite.ErrDuplicate)

	list, err := apis.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "http://maps.internal", list[0].UpstreamURL)
}

func TestPlanStore(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	plans := sqlite.NewPlanStore(db)

	published := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := plan.Plan{
		ID:          "p1",
		Name:        "Unlimited",
		Price:       decimal.RequireFromString("49.99"),
		Currency:    "EUR",
		Cycle:       plan.CycleYearly,
		OverageRate: decimal.Zero,
		TrialDays:   7,
		ExternalRef: "P-1",
		PublishedAt: &published,
	}
	require.NoError(t, plans.Create(ctx, p))

	got, err := plans.Get(ctx, "p1")
	require.NoError(t, err)
	require.True(t, got.Price.Equal(p.Price))
	require.True(t, got.Unlimited())
	require.Equal(t, plan.CycleYearly, got.Cycle)
	require.Equal(t, 7, got.TrialDays)
	require.NotNil(t, got.PublishedAt)
	require.True(t, got.PublishedAt.Equal(published))

	_, err = plans.Get(ctx, "missing")
	require.ErrorIs(t, err, sqlite.ErrNotFound)

	// The schema refuses updates.
	_, err = db.Exec(`UPDATE plans SET price = '1' WHERE id = 'p1'`)
	require.Error(t, err)
}
