package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artpar/apimeter/domain/billing"
	"github.com/artpar/apimeter/ports"
)

// InvoiceStore implements ports.InvoiceStore using SQLite. A partial unique
// index allows one pending invoice per subscription, and a trigger rejects
// updates to paid invoices.
type InvoiceStore struct {
	db *DB
}

// NewInvoiceStore creates a new SQLite invoice store.
func NewInvoiceStore(db *DB) *InvoiceStore {
	return &InvoiceStore{db: db}
}

const invoiceColumns = `id, subscription_id, user_id, period_start, period_end, items, requests,
	amount, currency, status, transaction_ref, paid_at, created_at`

// CreatePending stores a pending invoice, or returns the existing pending
// invoice when it bills the same period.
func (s *InvoiceStore) CreatePending(ctx context.Context, inv billing.Invoice) (billing.Invoice, error) {
	inv.Status = billing.InvoiceStatusPending
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now().UTC()
	}

	items, err := json.Marshal(inv.Items)
	if err != nil {
		return billing.Invoice{}, err
	}

	_, err = s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
	`,
		inv.ID, inv.SubscriptionID, inv.UserID, dayString(inv.PeriodStart), dayString(inv.PeriodEnd),
		string(items), inv.Requests, inv.Amount.String(), inv.Currency, string(inv.Status),
		inv.CreatedAt.UTC(), inv.CreatedAt.UTC(),
	)
	if err == nil {
		return inv, nil
	}
	if !isUniqueConstraintError(err) {
		return billing.Invoice{}, err
	}

	existing, gerr := s.GetPending(ctx, inv.SubscriptionID)
	if errors.Is(gerr, ErrNotFound) {
		return billing.Invoice{}, ErrDuplicate
	}
	if gerr != nil {
		return billing.Invoice{}, gerr
	}
	if existing.SamePeriod(inv) {
		return existing, nil
	}
	return existing, ports.ErrPendingInvoice
}

// Get retrieves an invoice by ID.
func (s *InvoiceStore) Get(ctx context.Context, id string) (billing.Invoice, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id)
	return scanInvoice(row)
}

// GetPending retrieves the subscription's pending invoice.
func (s *InvoiceStore) GetPending(ctx context.Context, subscriptionID string) (billing.Invoice, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE subscription_id = ? AND status = 'pending'
	`, subscriptionID)
	return scanInvoice(row)
}

// GetByTransactionRef retrieves the invoice settled by a provider transaction.
func (s *InvoiceStore) GetByTransactionRef(ctx context.Context, txRef string) (billing.Invoice, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices WHERE transaction_ref = ?
	`, txRef)
	return scanInvoice(row)
}

// FindForPeriod returns the newest invoice billing the period starting at periodStart.
func (s *InvoiceStore) FindForPeriod(ctx context.Context, subscriptionID string, periodStart time.Time) (billing.Invoice, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE subscription_id = ? AND period_start = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, subscriptionID, dayString(periodStart))
	return scanInvoice(row)
}

// MarkPaid settles a pending invoice.
func (s *InvoiceStore) MarkPaid(ctx context.Context, id, txRef string, at time.Time) (billing.Invoice, error) {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE invoices SET status = 'paid', transaction_ref = ?, paid_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, txRef, at.UTC(), at.UTC(), id)
	if err != nil {
		if isUniqueConstraintError(err) {
			return billing.Invoice{}, ErrDuplicate
		}
		return billing.Invoice{}, err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return billing.Invoice{}, err
	}

	inv, err := s.Get(ctx, id)
	if err != nil {
		return billing.Invoice{}, err
	}
	if n == 1 {
		return inv, nil
	}
	if inv.Status == billing.InvoiceStatusPaid && inv.TransactionRef == txRef {
		return inv, nil
	}
	return inv, ports.ErrInvoiceClosed
}

// MarkFailed closes a pending invoice as failed.
func (s *InvoiceStore) MarkFailed(ctx context.Context, id string) (bool, error) {
	result, err := s.db.q(ctx).ExecContext(ctx, `
		UPDATE invoices SET status = 'failed', updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, time.Now().UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n == 1, err
}

// ListByUser returns a user's invoices, oldest period first.
func (s *InvoiceStore) ListByUser(ctx context.Context, userID string) ([]billing.Invoice, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT `+invoiceColumns+` FROM invoices
		WHERE user_id = ?
		ORDER BY period_start, created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var invoices []billing.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

// ExportRows returns a user's invoices joined with their API and plan.
func (s *InvoiceStore) ExportRows(ctx context.Context, userID string) ([]billing.ExportRow, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT i.id, i.subscription_id, a.slug, p.name, i.period_start, i.period_end,
		       i.requests, i.amount, i.currency, i.status, i.transaction_ref, i.paid_at
		FROM invoices i
		JOIN subscriptions s ON s.id = i.subscription_id
		JOIN apis a ON a.id = s.api_id
		JOIN plans p ON p.id = s.plan_id
		WHERE i.user_id = ?
		ORDER BY i.period_start, i.created_at
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.ExportRow
	for rows.Next() {
		var (
			r          billing.ExportRow
			start, end string
			amount     string
			status     string
			txRef      sql.NullString
			paidAt     sql.NullTime
		)
		err := rows.Scan(
			&r.InvoiceID, &r.SubscriptionID, &r.APISlug, &r.PlanName, &start, &end,
			&r.Requests, &amount, &r.Currency, &status, &txRef, &paidAt,
		)
		if err != nil {
			return nil, err
		}
		if r.PeriodStart, err = parseDay(start); err != nil {
			return nil, err
		}
		if r.PeriodEnd, err = parseDay(end); err != nil {
			return nil, err
		}
		if r.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		r.Status = billing.InvoiceStatus(status)
		r.TransactionRef = txRef.String
		r.PaidAt = timePtr(paidAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanInvoice(row rowScanner) (billing.Invoice, error) {
	var (
		inv        billing.Invoice
		start, end string
		items      string
		amount     string
		status     string
		txRef      sql.NullString
		paidAt     sql.NullTime
	)
	err := row.Scan(
		&inv.ID, &inv.SubscriptionID, &inv.UserID, &start, &end, &items, &inv.Requests,
		&amount, &inv.Currency, &status, &txRef, &paidAt, &inv.CreatedAt,
	)
	if err != nil {
		return billing.Invoice{}, notFound(err)
	}

	if inv.PeriodStart, err = parseDay(start); err != nil {
		return billing.Invoice{}, err
	}
	if inv.PeriodEnd, err = parseDay(end); err != nil {
		return billing.Invoice{}, err
	}
	if err = json.Unmarshal([]byte(items), &inv.Items); err != nil {
		return billing.Invoice{}, err
	}
	if inv.Amount, err = decimal.NewFromString(amount); err != nil {
		return billing.Invoice{}, err
	}
	inv.Status = billing.InvoiceStatus(status)
	inv.TransactionRef = txRef.String
	inv.PaidAt = timePtr(paidAt)
	return inv, nil
}

var _ ports.InvoiceStore = (*InvoiceStore)(nil)
