package sqlite

import (
	"context"

	"github.com/artpar/apimeter/domain/webhook"
	"github.com/artpar/apimeter/ports"
)

// WebhookEventStore implements ports.WebhookEventStore using SQLite.
type WebhookEventStore struct {
	db *DB
}

// NewWebhookEventStore creates a new SQLite webhook event ledger.
func NewWebhookEventStore(db *DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Exists reports whether the event was already processed.
func (s *WebhookEventStore) Exists(ctx context.Context, source webhook.Source, id string) (bool, error) {
	var n int
	err := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT COUNT(*) FROM webhook_events WHERE source = ? AND id = ?
	`, string(source), id).Scan(&n)
	return n > 0, err
}

// Record adds a ledger entry.
func (s *WebhookEventStore) Record(ctx context.Context, ev webhook.ProcessedEvent) error {
	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO webhook_events (source, id, event_type, outcome, processed_at)
		VALUES (?, ?, ?, ?, ?)
	`, string(ev.Source), ev.ID, ev.Type, string(ev.Outcome), ev.ProcessedAt.UTC())
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

var _ ports.WebhookEventStore = (*WebhookEventStore)(nil)
