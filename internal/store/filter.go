package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskdock/taskdock/internal/model"
)

// Filter is a local-only saved filter. Filters have no remote counterpart:
// they bypass the sync queue entirely and survive every sync and
// reconciliation operation untouched.
type Filter struct {
	Name       string `json:"name"`
	Definition string `json:"definition"`
	CreatedAt  int64  `json:"created_at"` // epoch millis
}

// SaveFilter inserts or replaces a saved filter.
func (s *Store) SaveFilter(ctx context.Context, f *Filter) error {
	if f.Name == "" {
		return fmt.Errorf("filter name is required")
	}
	if f.CreatedAt == 0 {
		f.CreatedAt = model.NowMillis()
	}
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO filters (name, definition, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET definition = excluded.definition`,
		f.Name, f.Definition, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save filter %q: %w", f.Name, err)
	}
	return nil
}

// GetFilter returns one saved filter by name, or ErrNotFound.
func (s *Store) GetFilter(ctx context.Context, name string) (*Filter, error) {
	var f Filter
	err := s.conn.QueryRowContext(ctx,
		`SELECT name, definition, created_at FROM filters WHERE name = ?`, name).
		Scan(&f.Name, &f.Definition, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get filter %q: %w", name, err)
	}
	return &f, nil
}

// ListFilters returns all saved filters ordered by name.
func (s *Store) ListFilters(ctx context.Context) ([]Filter, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT name, definition, created_at FROM filters ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list filters: %w", err)
	}
	defer rows.Close()

	var filters []Filter
	for rows.Next() {
		var f Filter
		if err := rows.Scan(&f.Name, &f.Definition, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		filters = append(filters, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating filters: %w", err)
	}
	return filters, nil
}

// DeleteFilter removes a saved filter. Deleting an absent name is a no-op.
func (s *Store) DeleteFilter(ctx context.Context, name string) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM filters WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete filter %q: %w", name, err)
	}
	return nil
}
