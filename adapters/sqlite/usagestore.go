package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// Increment folds one request into its day bucket with a single UPSERT, so
// concurrent writers serialize on the row and no increment is lost.
func (s *UsageStore) Increment(ctx context.Context, key usage.Key, statusCode int, latencyMs float64, at time.Time) error {
	code := usage.StatusKey(statusCode)
	path := `$."` + code + `"`
	at = at.UTC()

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO usage_records (
			subscription_id, api_id, day, request_count, status_counts,
			avg_latency_ms, created_at, updated_at
		) VALUES (?, ?, ?, 1, json_object(?, 1), ?, ?, ?)
		ON CONFLICT(subscription_id, api_id, day) DO UPDATE SET
			request_count = request_count + 1,
			status_counts = json_set(status_counts, ?, COALESCE(json_extract(status_counts, ?), 0) + 1),
			avg_latency_ms = (avg_latency_ms + excluded.avg_latency_ms) / 2.0,
			updated_at = excluded.updated_at
	`,
		key.SubscriptionID, key.APIID, key.DayString(), code,
		latencyMs, at, at,
		path, path,
	)
	return err
}

// Get returns the record for one bucket.
func (s *UsageStore) Get(ctx context.Context, key usage.Key) (usage.Record, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT subscription_id, api_id, day, request_count, status_counts, avg_latency_ms, updated_at
		FROM usage_records
		WHERE subscription_id = ? AND api_id = ? AND day = ?
	`, key.SubscriptionID, key.APIID, key.DayString())

	r, err := scanRecord(row)
	if err != nil {
		return usage.Record{}, notFound(err)
	}
	return r, nil
}

// ListRange returns a subscription's records with day in [from, to).
func (s *UsageStore) ListRange(ctx context.Context, subscriptionID string, from, to time.Time) ([]usage.Record, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT subscription_id, api_id, day, request_count, status_counts, avg_latency_ms, updated_at
		FROM usage_records
		WHERE subscription_id = ? AND day >= ? AND day < ?
		ORDER BY day, api_id
	`, subscriptionID, dayString(from), dayString(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SaveSummary replaces the stored summary for the period. Summaries are
// recomputed from records, so replacing keeps re-runs idempotent.
func (s *UsageStore) SaveSummary(ctx context.Context, sum usage.Summary, overageUnits int64, overageCharge decimal.Decimal) error {
	counts, err := encodeStatusCounts(sum.StatusCounts)
	if err != nil {
		return err
	}

	_, err = s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO usage_summaries (
			subscription_id, period_start, period_end, request_count, error_count,
			avg_latency_ms, status_counts, overage_units, overage_charge, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subscription_id, period_start) DO UPDATE SET
			period_end = excluded.period_end,
			request_count = excluded.request_count,
			error_count = excluded.error_count,
			avg_latency_ms = excluded.avg_latency_ms,
			status_counts = excluded.status_counts,
			overage_units = excluded.overage_units,
			overage_charge = excluded.overage_charge,
			updated_at = excluded.updated_at
	`,
		sum.SubscriptionID, dayString(sum.PeriodStart), dayString(sum.PeriodEnd),
		sum.RequestCount, sum.ErrorCount, sum.AvgLatencyMs, counts,
		overageUnits, overageCharge.String(), time.Now().UTC(),
	)
	return err
}

// GetSummary returns the summary for the period starting at periodStart.
func (s *UsageStore) GetSummary(ctx context.Context, subscriptionID string, periodStart time.Time) (usage.Summary, error) {
	var (
		sum          usage.Summary
		start, end   string
		statusCounts string
	)
	err := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT subscription_id, period_start, period_end, request_count, error_count, avg_latency_ms, status_counts
		FROM usage_summaries
		WHERE subscription_id = ? AND period_start = ?
	`, subscriptionID, dayString(periodStart)).Scan(
		&sum.SubscriptionID, &start, &end, &sum.RequestCount, &sum.ErrorCount, &sum.AvgLatencyMs, &statusCounts,
	)
	if err != nil {
		return usage.Summary{}, notFound(err)
	}

	if sum.PeriodStart, err = parseDay(start); err != nil {
		return usage.Summary{}, err
	}
	if sum.PeriodEnd, err = parseDay(end); err != nil {
		return usage.Summary{}, err
	}
	if sum.StatusCounts, err = decodeStatusCounts(statusCounts); err != nil {
		return usage.Summary{}, err
	}
	return sum, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (usage.Record, error) {
	var (
		r      usage.Record
		day    string
		counts string
	)
	if err := row.Scan(&r.SubscriptionID, &r.APIID, &day, &r.RequestCount, &counts, &r.AvgLatencyMs, &r.UpdatedAt); err != nil {
		return usage.Record{}, err
	}

	var err error
	if r.Day, err = parseDay(day); err != nil {
		return usage.Record{}, err
	}
	if r.StatusCounts, err = decodeStatusCounts(counts); err != nil {
		return usage.Record{}, err
	}
	return r, nil
}

func encodeStatusCounts(counts map[int]int64) (string, error) {
	m := make(map[string]int64, len(counts))
	for code, n := range counts {
		m[usage.StatusKey(code)] = n
	}
	b, err := json.Marshal(m)
	return string(b), err
}

func decodeStatusCounts(s string) (map[int]int64, error) {
	var raw map[string]int64
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("decode status counts: %w", err)
	}
	counts := make(map[int]int64, len(raw))
	for k, n := range raw {
		code, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("decode status counts: bad code %q", k)
		}
		counts[code] = n
	}
	return counts, nil
}

var _ ports.UsageStore = (*UsageStore)(nil)
