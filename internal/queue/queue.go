// Package queue implements the sync queue: an ordered, durable log of
// mutations that have not yet been acknowledged by the remote store.
//
// Items are processed strictly FIFO and removed only after the remote
// operation they represent succeeds. Failures increment an attempt counter
// and leave the item queued; there is no automatic expiry or max-attempts
// cutoff. Items whose attempts cross a threshold are reported as stuck so
// they surface to the user instead of silently retrying forever.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/store"
)

// DefaultStuckThreshold is how many failed attempts mark an item as stuck.
const DefaultStuckThreshold = 5

// Counts summarizes the queue for the status surface.
type Counts struct {
	Pending int
	Stuck   int
}

// Queue is the durable mutation log, backed by the local store.
type Queue struct {
	store          *store.Store
	stuckThreshold int
	log            zerolog.Logger
}

// New creates a queue over the store. threshold <= 0 selects the default.
func New(st *store.Store, threshold int, logger zerolog.Logger) *Queue {
	if threshold <= 0 {
		threshold = DefaultStuckThreshold
	}
	return &Queue{
		store:          st,
		stuckThreshold: threshold,
		log:            logger.With().Str("component", "queue").Logger(),
	}
}

// Enqueue appends a mutation to the queue. CREATE and UPDATE items carry the
// entity snapshot as payload; DELETE items pass a nil entity.
func (q *Queue) Enqueue(ctx context.Context, kind model.QueueKind, typ model.EntityType, entityID string, entity *model.Entity) (model.QueueItem, error) {
	item := model.QueueItem{
		Kind:       kind,
		EntityType: typ,
		EntityID:   entityID,
		CreatedAt:  model.NowMillis(),
	}
	if entity != nil {
		payload, err := json.Marshal(entity)
		if err != nil {
			return model.QueueItem{}, fmt.Errorf("failed to encode queue payload: %w", err)
		}
		item.Payload = payload
	}

	id, err := q.store.AppendQueueItem(ctx, &item)
	if err != nil {
		return model.QueueItem{}, err
	}
	item.ID = id

	q.log.Debug().
		Int64("item", id).
		Str("kind", string(kind)).
		Str("entity", string(typ)+"/"+entityID).
		Msg("enqueued mutation")
	return item, nil
}

// Drain returns a snapshot of the current items in FIFO order. The items are
// not removed; callers Ack or Fail each one individually.
func (q *Queue) Drain(ctx context.Context) ([]model.QueueItem, error) {
	return q.store.ListQueueItems(ctx)
}

// Ack removes an acknowledged item. Acking an absent id is a no-op.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	return q.store.RemoveQueueItem(ctx, id)
}

// Fail increments the item's attempt counter and records the error, leaving
// it queued for the next reconciliation pass.
func (q *Queue) Fail(ctx context.Context, id int64, cause error) error {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return q.store.MarkQueueItemFailed(ctx, id, message)
}

// ItemForEntity returns the outstanding item referencing the entity, or
// nil when none exists.
func (q *Queue) ItemForEntity(ctx context.Context, typ model.EntityType, entityID string) (*model.QueueItem, error) {
	item, err := q.store.GetQueueItemForEntity(ctx, typ, entityID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// UpdatePayload rewrites an item's payload in place. Repeated offline edits
// of a still-pending entity coalesce into its one outstanding item instead
// of growing the queue.
func (q *Queue) UpdatePayload(ctx context.Context, id int64, entity *model.Entity) error {
	payload, err := json.Marshal(entity)
	if err != nil {
		return fmt.Errorf("failed to encode queue payload: %w", err)
	}
	return q.store.UpdateQueueItemPayload(ctx, id, payload)
}

// Counts reports the queue length and how many items are stuck.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	total, stuck, err := q.store.CountQueueItems(ctx, q.stuckThreshold)
	if err != nil {
		return Counts{}, err
	}
	return Counts{Pending: total, Stuck: stuck}, nil
}
