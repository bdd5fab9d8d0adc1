package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/taskdock/taskdock/internal/model"
)

const entityColumns = `type, id, name, status, notes, project_id, section_id,
	due_at, sync_status, created_at, modified_at`

// GetEntity returns the entity with the given type and id, or ErrNotFound.
func (s *Store) GetEntity(ctx context.Context, typ model.EntityType, id string) (*model.Entity, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ? AND id = ?`, typ, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity %s/%s: %w", typ, id, err)
	}
	return e, nil
}

// PutEntity inserts or fully replaces one entity row.
func (s *Store) PutEntity(ctx context.Context, e *model.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid entity: %w", err)
	}
	_, err := s.conn.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(e)...)
	if err != nil {
		return fmt.Errorf("failed to put entity %s/%s: %w", e.Type, e.ID, err)
	}
	return nil
}

// BulkPutEntities writes all entities in one transaction.
func (s *Store) BulkPutEntities(ctx context.Context, entities []model.Entity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for i := range entities {
			e := &entities[i]
			if err := e.Validate(); err != nil {
				return fmt.Errorf("invalid entity: %w", err)
			}
			if _, err := tx.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(e)...); err != nil {
				return fmt.Errorf("failed to put entity %s/%s: %w", e.Type, e.ID, err)
			}
		}
		return nil
	})
}

// DeleteEntity removes one entity row. Deleting an absent row is a no-op.
func (s *Store) DeleteEntity(ctx context.Context, typ model.EntityType, id string) error {
	_, err := s.conn.ExecContext(ctx,
		`DELETE FROM entities WHERE type = ? AND id = ?`, typ, id)
	if err != nil {
		return fmt.Errorf("failed to delete entity %s/%s: %w", typ, id, err)
	}
	return nil
}

// PurgeEntity removes an entity together with every queue item that
// references it, in one transaction. Used wherever an entity leaves the
// system for good: the short-circuit delete of a never-synced entity, and
// any confirmed deletion that would otherwise strand queued edits retrying
// against a record that no longer exists.
func (s *Store) PurgeEntity(ctx context.Context, typ model.EntityType, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE type = ? AND id = ?`, typ, id); err != nil {
			return fmt.Errorf("failed to delete entity %s/%s: %w", typ, id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sync_queue WHERE entity_type = ? AND entity_id = ?`, typ, id); err != nil {
			return fmt.Errorf("failed to delete queue items for %s/%s: %w", typ, id, err)
		}
		return nil
	})
}

// ListEntities returns all entities of a type ordered by creation time.
func (s *Store) ListEntities(ctx context.Context, typ model.EntityType) ([]model.Entity, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities WHERE type = ?
		 ORDER BY created_at ASC, id ASC`, typ)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities of type %s: %w", typ, err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ListUnsynced returns all pending and error entities of a type, the rows a
// full refetch must preserve.
func (s *Store) ListUnsynced(ctx context.Context, typ model.EntityType) ([]model.Entity, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entities
		 WHERE type = ? AND sync_status != ?
		 ORDER BY created_at ASC, id ASC`, typ, model.StatusSynced)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsynced entities of type %s: %w", typ, err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ReplaceSynced atomically replaces every synced row of a type with the
// fetched set. Pending and error rows are left untouched; fetched rows are
// stored as synced. This is the selective bulk replace a full remote
// refetch performs.
func (s *Store) ReplaceSynced(ctx context.Context, typ model.EntityType, fetched []model.Entity) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE type = ? AND sync_status = ?`,
			typ, model.StatusSynced); err != nil {
			return fmt.Errorf("failed to clear synced entities of type %s: %w", typ, err)
		}
		for i := range fetched {
			e := fetched[i].Clone()
			e.Type = typ
			e.SyncStatus = model.StatusSynced
			e.SetDefaults()
			if err := e.Validate(); err != nil {
				return fmt.Errorf("invalid fetched entity: %w", err)
			}
			// Skip fetched rows shadowed by a local pending/error row; the
			// local edit wins until it reconciles.
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO entities (`+entityColumns+`)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(type, id) DO NOTHING`, upsertEntityArgs(&e)...); err != nil {
				return fmt.Errorf("failed to insert fetched entity %s/%s: %w", typ, e.ID, err)
			}
		}
		return nil
	})
}

// RenameEntity atomically swaps a temporary id for the remote-issued one:
// the old row is deleted, the replacement inserted, and any queued items
// still referencing the old id are rewritten, all in one transaction. No
// dangling references to the old id remain.
func (s *Store) RenameEntity(ctx context.Context, typ model.EntityType, oldID string, replacement *model.Entity) error {
	if err := replacement.Validate(); err != nil {
		return fmt.Errorf("invalid replacement entity: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM entities WHERE type = ? AND id = ?`, typ, oldID); err != nil {
			return fmt.Errorf("failed to delete entity %s/%s: %w", typ, oldID, err)
		}
		if _, err := tx.ExecContext(ctx, upsertEntitySQL, upsertEntityArgs(replacement)...); err != nil {
			return fmt.Errorf("failed to insert entity %s/%s: %w", typ, replacement.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_queue SET entity_id = ? WHERE entity_type = ? AND entity_id = ?`,
			replacement.ID, typ, oldID); err != nil {
			return fmt.Errorf("failed to rewrite queue items for %s/%s: %w", typ, oldID, err)
		}
		return nil
	})
}

// SetSyncStatus updates only the sync status of one entity.
func (s *Store) SetSyncStatus(ctx context.Context, typ model.EntityType, id string, status model.SyncStatus) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE entities SET sync_status = ? WHERE type = ? AND id = ?`,
		status, typ, id)
	if err != nil {
		return fmt.Errorf("failed to set sync status for %s/%s: %w", typ, id, err)
	}
	return nil
}

const upsertEntitySQL = `
INSERT INTO entities (` + entityColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(type, id) DO UPDATE SET
	name = excluded.name,
	status = excluded.status,
	notes = excluded.notes,
	project_id = excluded.project_id,
	section_id = excluded.section_id,
	due_at = excluded.due_at,
	sync_status = excluded.sync_status,
	created_at = excluded.created_at,
	modified_at = excluded.modified_at
`

func upsertEntityArgs(e *model.Entity) []any {
	return []any{
		e.Type,
		e.ID,
		e.Name,
		e.Status,
		e.Notes,
		e.ProjectID,
		e.SectionID,
		timeToNullString(e.DueAt),
		e.SyncStatus,
		e.CreatedAt,
		e.ModifiedAt,
	}
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*model.Entity, error) {
	var e model.Entity
	var dueAt sql.NullString
	err := row.Scan(
		&e.Type,
		&e.ID,
		&e.Name,
		&e.Status,
		&e.Notes,
		&e.ProjectID,
		&e.SectionID,
		&dueAt,
		&e.SyncStatus,
		&e.CreatedAt,
		&e.ModifiedAt,
	)
	if err != nil {
		return nil, err
	}
	e.DueAt = nullStringToTime(dueAt)
	return &e, nil
}

func scanEntities(rows *sql.Rows) ([]model.Entity, error) {
	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entities: %w", err)
	}
	return entities, nil
}
