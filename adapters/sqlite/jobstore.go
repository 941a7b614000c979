package sqlite

import (
	"context"
	"encoding/json"
	"time"

	"github.com/artpar/apimeter/domain/job"
	"github.com/artpar/apimeter/ports"
)

// JobStore implements ports.JobStore using SQLite.
type JobStore struct {
	db *DB
}

// NewJobStore creates a new SQLite job ledger.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Claim records a job's idempotency key, reporting false if already taken.
func (s *JobStore) Claim(ctx context.Context, j job.Job) (bool, error) {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT OR IGNORE INTO job_claims (id, kind, subscription_id, logical_date, claimed_at)
		VALUES (?, ?, ?, ?, ?)
	`, j.ID, string(j.Kind), j.SubscriptionID, j.Date, time.Now().UTC())
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// Release removes a claim.
func (s *JobStore) Release(ctx context.Context, id string) error {
	_, err := s.db.q(ctx).ExecContext(ctx, `DELETE FROM job_claims WHERE id = ?`, id)
	return err
}

// DeadLetter records a job that exhausted its retries.
func (s *JobStore) DeadLetter(ctx context.Context, j job.Job, lastErr string, at time.Time) error {
	payload, err := json.Marshal(j)
	if err != nil {
		return err
	}
	_, err = s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO dead_letters (job_id, kind, subscription_id, logical_date, attempts, payload, error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, string(j.Kind), j.SubscriptionID, j.Date, j.Attempts, string(payload), lastErr, at.UTC())
	return err
}

// ListDeadLetters returns the most recent dead letters.
func (s *JobStore) ListDeadLetters(ctx context.Context, limit int) ([]job.DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT payload, error, failed_at FROM dead_letters
		ORDER BY failed_at DESC, seq DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []job.DeadLetter
	for rows.Next() {
		var (
			dl      job.DeadLetter
			payload string
		)
		if err := rows.Scan(&payload, &dl.Error, &dl.FailedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &dl.Job); err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

var _ ports.JobStore = (*JobStore)(nil)
