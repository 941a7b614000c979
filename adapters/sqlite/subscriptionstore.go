package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

// SubscriptionStore implements ports.SubscriptionStore and
// ports.SubscriptionStatusWriter using SQLite. Callers should be handed only
// the port they need; status changes belong to the lifecycle manager.
type SubscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a new SQLite subscription store.
func NewSubscriptionStore(db *DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `id, user_id, api_id, plan_id, status, api_key_hash,
	external_agreement_ref, renewal_date, cancelled_at, failed_payments, version,
	created_at, updated_at`

// Get retrieves a subscription by ID.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?
	`, id)
	return scanSubscription(row)
}

// GetByAgreement retrieves the subscription bound to a provider agreement.
func (s *SubscriptionStore) GetByAgreement(ctx context.Context, agreementRef string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE external_agreement_ref = ?
	`, agreementRef)
	return scanSubscription(row)
}

// GetByAPIKeyHash retrieves the subscription owning an API key.
func (s *SubscriptionStore) GetByAPIKeyHash(ctx context.Context, keyHash string) (billing.Subscription, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions WHERE api_key_hash = ?
	`, keyHash)
	return scanSubscription(row)
}

// ListByUser returns a user's subscriptions, newest first.
func (s *SubscriptionStore) ListByUser(ctx context.Context, userID string) ([]billing.Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`, userID)
}

// ListBillable returns active and suspended subscriptions.
func (s *SubscriptionStore) ListBillable(ctx context.Context) ([]billing.Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status IN ('active', 'suspended')
		ORDER BY id
	`)
}

// ListRenewalsDue returns active subscriptions renewing in [from, to) and
// suspended subscriptions whose renewal is overdue by to.
func (s *SubscriptionStore) ListRenewalsDue(ctx context.Context, from, to time.Time) ([]billing.Subscription, error) {
	return s.list(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE (status = 'active' AND renewal_date >= ? AND renewal_date < ?)
		   OR (status = 'suspended' AND renewal_date < ?)
		ORDER BY renewal_date, id
	`, dayString(from), dayString(to), dayString(to))
}

// Create stores a new pending subscription.
func (s *SubscriptionStore) Create(ctx context.Context, sub billing.Subscription) error {
	if sub.Status != billing.StatusPending {
		return fmt.Errorf("create subscription: status must be pending, got %q", sub.Status)
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, NULL, 0, 1, ?, ?)
	`,
		sub.ID, sub.UserID, sub.APIID, sub.PlanID, string(sub.Status), sub.APIKeyHash,
		sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

// SaveTransition writes next if the stored row still carries prev's version.
func (s *SubscriptionStore) SaveTransition(ctx context.Context, prev, next billing.Subscription) error {
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}

	q := s.db.q(ctx)
	result, err := q.ExecContext(ctx, `
		UPDATE subscriptions SET
			status = ?, external_agreement_ref = ?, renewal_date = ?, cancelled_at = ?,
			failed_payments = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`,
		string(next.Status), nullString(next.ExternalAgreementRef), nullDay(next.RenewalDate),
		nullTime(next.CancelledAt), next.FailedPayments, next.UpdatedAt.UTC(),
		prev.ID, prev.Version,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicate
		}
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = q.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = ?`, prev.ID).Scan(&exists)
	if err != nil {
		return notFound(err)
	}
	return ports.ErrConflict
}

func (s *SubscriptionStore) list(ctx context.Context, query string, args ...any) ([]billing.Subscription, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (billing.Subscription, error) {
	var (
		sub         billing.Subscription
		status      string
		agreement   sql.NullString
		renewal     sql.NullString
		cancelledAt sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.APIID, &sub.PlanID, &status, &sub.APIKeyHash,
		&agreement, &renewal, &cancelledAt, &sub.FailedPayments, &sub.Version,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return billing.Subscription{}, notFound(err)
	}

	sub.Status = billing.Status(status)
	sub.ExternalAgreementRef = agreement.String
	sub.CancelledAt = timePtr(cancelledAt)
	if renewal.Valid {
		d, err := parseDay(renewal.String)
		if err != nil {
			return billing.Subscription{}, err
		}
		sub.RenewalDate = &d
	}
	return sub, nil
}

var (
	_ ports.SubscriptionStore        = (*SubscriptionStore)(nil)
	_ ports.SubscriptionStatusWriter = (*SubscriptionStore)(nil)
)
