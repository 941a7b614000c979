package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/plan"
	"github.com/artpar/apimeter/ports"
)

// PlanStore implements ports.PlanStore using SQLite. The schema rejects
// updates, so a stored plan never changes.
type PlanStore struct {
	db *DB
}

// NewPlanStore creates a new SQLite plan store.
func NewPlanStore(db *DB) *PlanStore {
	return &PlanStore{db: db}
}

const planColumns = `id, name, description, price, currency, billing_cycle, daily_quota,
	overage_rate, trial_days, external_ref, published_at, created_at`

// Get retrieves a plan by ID.
func (s *PlanStore) Get(ctx context.Context, id string) (plan.Plan, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	return scanPlan(row)
}

// List returns all plans, oldest first.
func (s *PlanStore) List(ctx context.Context) ([]plan.Plan, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []plan.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

// Create stores a new plan.
func (s *PlanStore) Create(ctx context.Context, p plan.Plan) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	var quota sql.NullInt64
	if p.DailyQuota != nil {
		quota = sql.NullInt64{Int64: *p.DailyQuota, Valid: true}
	}

	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO plans (`+planColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.Name, p.Description, p.Price.String(), p.Currency, string(p.Cycle), quota,
		p.OverageRate.String(), p.TrialDays, nullString(p.ExternalRef), nullTime(p.PublishedAt), p.CreatedAt.UTC(),
	)
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

func scanPlan(row rowScanner) (plan.Plan, error) {
	var (
		p           plan.Plan
		price, rate string
		cycle       string
		quota       sql.NullInt64
		externalRef sql.NullString
		publishedAt sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.Name, &p.Description, &price, &p.Currency, &cycle, &quota,
		&rate, &p.TrialDays, &externalRef, &publishedAt, &p.CreatedAt,
	)
	if err != nil {
		return plan.Plan{}, notFound(err)
	}

	if p.Price, err = decimal.NewFromString(price); err != nil {
		return plan.Plan{}, err
	}
	if p.OverageRate, err = decimal.NewFromString(rate); err != nil {
		return plan.Plan{}, err
	}
	p.Cycle = plan.Cycle(cycle)
	if quota.Valid {
		p.DailyQuota = plan.Quota(quota.Int64)
	}
	p.ExternalRef = externalRef.String
	p.PublishedAt = timePtr(publishedAt)
	return p, nil
}

var _ ports.PlanStore = (*PlanStore)(nil)
