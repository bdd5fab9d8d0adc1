package model

import (
	"encoding/json"
	"fmt"
)

// QueueKind is the mutation a queue item represents.
type QueueKind string

const (
	KindCreate QueueKind = "CREATE"
	KindUpdate QueueKind = "UPDATE"
	KindDelete QueueKind = "DELETE"
)

// Valid reports whether the kind is one of CREATE, UPDATE, DELETE.
func (k QueueKind) Valid() bool {
	switch k {
	case KindCreate, KindUpdate, KindDelete:
		return true
	}
	return false
}

// QueueItem is one not-yet-acknowledged mutation in the sync queue.
// Items are processed strictly in id order; the id is an auto-incrementing
// sequence assigned at insert, so insertion order equals CreatedAt order
// with ties broken by id.
type QueueItem struct {
	ID         int64           `json:"id"`
	Kind       QueueKind       `json:"kind"`
	EntityType EntityType      `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  int64           `json:"created_at"` // epoch millis
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
}

// Validate checks required fields before the item is enqueued.
func (q *QueueItem) Validate() error {
	if !q.Kind.Valid() {
		return fmt.Errorf("unknown queue kind %q", q.Kind)
	}
	if !q.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", q.EntityType)
	}
	if q.EntityID == "" {
		return fmt.Errorf("entity id is required")
	}
	return nil
}

// Entity decodes the payload into an Entity. CREATE and UPDATE items carry
// the full entity snapshot at enqueue time; DELETE items carry no payload.
func (q *QueueItem) Entity() (Entity, error) {
	var e Entity
	if len(q.Payload) == 0 {
		return e, fmt.Errorf("queue item %d has no payload", q.ID)
	}
	if err := json.Unmarshal(q.Payload, &e); err != nil {
		return e, fmt.Errorf("failed to decode queue item %d payload: %w", q.ID, err)
	}
	return e, nil
}
