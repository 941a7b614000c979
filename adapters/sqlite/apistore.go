package sqlite

import (
	"context"
	"time"

	"github.com/artpar/apimeter/domain/usage"
	"github.com/artpar/apimeter/ports"
)

// APIStore implements ports.APIStore using SQLite.
type APIStore struct {
	db *DB
}

// NewAPIStore creates a new SQLite API store.
func NewAPIStore(db *DB) *APIStore {
	return &APIStore{db: db}
}

// Get retrieves an API by ID.
func (s *APIStore) Get(ctx context.Context, id string) (usage.API, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT id, slug, name, upstream_url, created_at FROM apis WHERE id = ?
	`, id)
	return scanAPI(row)
}

// GetBySlug retrieves an API by its path slug.
func (s *APIStore) GetBySlug(ctx context.Context, slug string) (usage.API, error) {
	row := s.db.q(ctx).QueryRowContext(ctx, `
		SELECT id, slug, name, upstream_url, created_at FROM apis WHERE slug = ?
	`, slug)
	return scanAPI(row)
}

// List returns all APIs ordered by slug.
func (s *APIStore) List(ctx context.Context) ([]usage.API, error) {
	rows, err := s.db.q(ctx).QueryContext(ctx, `
		SELECT id, slug, name, upstream_url, created_at FROM apis ORDER BY slug
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var apis []usage.API
	for rows.Next() {
		a, err := scanAPI(rows)
		if err != nil {
			return nil, err
		}
		apis = append(apis, a)
	}
	return apis, rows.Err()
}

// Create stores a new API.
func (s *APIStore) Create(ctx context.Context, a usage.API) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.q(ctx).ExecContext(ctx, `
		INSERT INTO apis (id, slug, name, upstream_url, created_at) VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.Slug, a.Name, a.UpstreamURL, a.CreatedAt.UTC())
	if err != nil && isUniqueConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

func scanAPI(row rowScanner) (usage.API, error) {
	var a usage.API
	if err := row.Scan(&a.ID, &a.Slug, &a.Name, &a.UpstreamURL, &a.CreatedAt); err != nil {
		return usage.API{}, notFound(err)
	}
	return a, nil
}

var _ ports.APIStore = (*APIStore)(nil)
