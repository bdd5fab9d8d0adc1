package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskdock/taskdock/internal/model"
)

// AppendQueueItem inserts a queue item and returns its assigned sequence id.
func (s *Store) AppendQueueItem(ctx context.Context, item *model.QueueItem) (int64, error) {
	if err := item.Validate(); err != nil {
		return 0, fmt.Errorf("invalid queue item: %w", err)
	}
	res, err := s.conn.ExecContext(ctx,
		`INSERT INTO sync_queue (kind, entity_type, entity_id, payload, created_at, attempts, last_error)
		 VALUES (?, ?, ?, ?, ?, 0, '')`,
		item.Kind, item.EntityType, item.EntityID, string(item.Payload), item.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to append queue item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue item id: %w", err)
	}
	return id, nil
}

// ListQueueItems returns a snapshot of the queue in insertion order.
func (s *Store) ListQueueItems(ctx context.Context) ([]model.QueueItem, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, kind, entity_type, entity_id, payload, created_at, attempts, last_error
		 FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var items []model.QueueItem
	for rows.Next() {
		var item model.QueueItem
		var payload string
		if err := rows.Scan(&item.ID, &item.Kind, &item.EntityType, &item.EntityID,
			&payload, &item.CreatedAt, &item.Attempts, &item.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		if payload != "" {
			item.Payload = []byte(payload)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}

// RemoveQueueItem deletes one queue item. Removing an absent id is a no-op.
func (s *Store) RemoveQueueItem(ctx context.Context, id int64) error {
	_, err := s.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to remove queue item %d: %w", id, err)
	}
	return nil
}

// MarkQueueItemFailed increments attempts and records the error message,
// leaving the item in place for retry.
func (s *Store) MarkQueueItemFailed(ctx context.Context, id int64, message string) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		message, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue item %d failed: %w", id, err)
	}
	return nil
}

// GetQueueItemForEntity returns the oldest outstanding queue item that
// references the entity, or ErrNotFound.
func (s *Store) GetQueueItemForEntity(ctx context.Context, typ model.EntityType, entityID string) (*model.QueueItem, error) {
	var item model.QueueItem
	var payload string
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, kind, entity_type, entity_id, payload, created_at, attempts, last_error
		 FROM sync_queue WHERE entity_type = ? AND entity_id = ?
		 ORDER BY id ASC LIMIT 1`, typ, entityID).
		Scan(&item.ID, &item.Kind, &item.EntityType, &item.EntityID,
			&payload, &item.CreatedAt, &item.Attempts, &item.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find queue item for %s/%s: %w", typ, entityID, err)
	}
	if payload != "" {
		item.Payload = []byte(payload)
	}
	return &item, nil
}

// UpdateQueueItemPayload replaces an item's payload in place, keeping its
// position and kind. Used to coalesce repeated edits of a still-pending
// entity into its one outstanding item.
func (s *Store) UpdateQueueItemPayload(ctx context.Context, id int64, payload []byte) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE sync_queue SET payload = ? WHERE id = ?`, string(payload), id)
	if err != nil {
		return fmt.Errorf("failed to update queue item %d payload: %w", id, err)
	}
	return nil
}

// CountQueueItems returns the total queue length and how many items have at
// least minAttempts failed attempts.
func (s *Store) CountQueueItems(ctx context.Context, minAttempts int) (total, stuck int, err error) {
	err = s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(attempts >= ?), 0) FROM sync_queue`,
		minAttempts).Scan(&total, &stuck)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return total, stuck, nil
}
