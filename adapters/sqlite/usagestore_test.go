package sqlite_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/artpar/apimeter/adapters/sqlite"
	"github.com/artpar/apimeter/domain/usage"
)

func TestUsageStore_Increment(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewUsageStore(db)

	at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	key := usage.NewKey("sub-1", "api-1", at)

	require.NoError(t, store.Increment(ctx, key, 200, 100, at))
	require.NoError(t, store.Increment(ctx, key, 200, 50, at))
	require.NoError(t, store.Increment(ctx, key, 500, 25, at))

	r, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), r.RequestCount)
	require.Equal(t, map[int]int64{200: 2, 500: 1}, r.StatusCounts)
	require.InDelta(t, 50.0, r.AvgLatencyMs, 0.0001) // 100 -> 75 -> 50
	require.True(t, r.Day.Equal(usage.Day(at)))
}

func TestUsageStore_IncrementConcurrent(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewUsageStore(db)

	at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	key := usage.NewKey("sub-1", "api-1", at)

	const writers, perWriter = 10, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				code := 200
				if i == 0 {
					code = 429
				}
				errs <- store.Increment(ctx, key, code, float64(10+w), at)
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	r, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(writers*perWriter), r.RequestCount)
	require.Equal(t, int64(writers), r.StatusCounts[429])
	require.Equal(t, int64(writers*(perWriter-1)), r.StatusCounts[200])
}

func TestUsageStore_ListRange(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewUsageStore(db)

	days := []time.Time{
		time.Date(2024, 3, 31, 23, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 1, 1, 0, 0, 0, time.UTC),
		time.Date(2024, 4, 30, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
	for _, d := range days {
		require.NoError(t, store.Increment(ctx, usage.NewKey("sub-1", "api-1", d), 200, 1, d))
	}
	require.NoError(t, store.Increment(ctx, usage.NewKey("sub-2", "api-1", days[1]), 200, 1, days[1]))

	start, end := usage.MonthBounds(days[1])
	records, err := store.ListRange(ctx, "sub-1", start, end)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "2024-04-01", records[0].DayString())
	require.Equal(t, "2024-04-30", records[1].DayString())
}

func TestUsageStore_Summary(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	store := sqlite.NewUsageStore(db)

	start := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	sum := usage.Summary{
		SubscriptionID: "sub-1",
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
		RequestCount:   10,
		ErrorCount:     1,
		AvgLatencyMs:   12.5,
		StatusCounts:   map[int]int64{200: 9, 500: 1},
	}
	require.NoError(t, store.SaveSummary(ctx, sum, 0, decimal.Zero))

	// Re-running replaces rather than accumulates.
	sum.RequestCount = 12
	require.NoError(t, store.SaveSummary(ctx, sum, 2, decimal.RequireFromString("0.002")))

	got, err := store.GetSummary(ctx, "sub-1", start)
	require.NoError(t, err)
	require.Equal(t, int64(12), got.RequestCount)
	require.Equal(t, int64(9), got.StatusCounts[200])
	require.True(t, got.PeriodEnd.Equal(sum.PeriodEnd))

	_, err = store.GetSummary(ctx, "sub-1", start.AddDate(0, 1, 0))
	require.ErrorIs(t, err, sqlite.ErrNotFound)
}

func TestUsageStore_IncrementIsSingleStatement(t *testing.T) {
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer raw.Close()

	at := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)
	key := usage.NewKey("sub-1", "api-1", at)

	mock.ExpectExec(`INSERT INTO usage_records .* ON CONFLICT\(subscription_id, api_id, day\) DO UPDATE`).
		WithArgs("sub-1", "api-1", "2024-04-01", "404", 12.0, at, at, `$."404"`, `$."404"`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	store := sqlite.NewUsageStore(&sqlite.DB{DB: raw})
	require.NoError(t, store.Increment(context.Background(), key, 404, 12, at))
	require.NoError(t, mock.ExpectationsWereMet())
}
