// Package reconcile drives the sync queue to empty against the remote
// gateway, applying results back into the local store.
//
// Items are processed strictly sequentially in FIFO order so an UPDATE
// never races ahead of the CREATE that produces its id. One item's failure
// never aborts the drain; the item is marked failed and retried on the next
// pass. Two runs never execute concurrently: a run-in-progress flag
// enforces single flight, and a rerun flag coalesces triggers that arrive
// mid-run into one extra pass.
package reconcile

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/queue"
	"github.com/taskdock/taskdock/internal/store"
)

// Gateway is the remote surface the engine dispatches against.
type Gateway interface {
	Create(ctx context.Context, e *model.Entity) (model.Entity, error)
	Update(ctx context.Context, e *model.Entity) (model.Entity, error)
	Delete(ctx context.Context, typ model.EntityType, id string) error
}

// Refresher performs the authoritative full refetch after a drain. The
// application state cache implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// StatusSink receives syncing-state transitions for the UI observables.
type StatusSink interface {
	SetSyncing(bool)
	SetSyncError(error)
}

// RunResult reports what one reconciliation run did.
type RunResult struct {
	Processed int
	Succeeded int
	Failed    int
	// Coalesced is true when the call found a run already in progress and
	// only scheduled a follow-up pass.
	Coalesced bool
}

// Engine drains the sync queue against the gateway.
type Engine struct {
	store *store.Store
	queue *queue.Queue
	gw    Gateway
	log   zerolog.Logger

	refresher Refresher
	status    StatusSink

	mu      sync.Mutex
	running bool
	rerun   bool
}

// New creates an engine. Refresher and status sink are attached later to
// break the construction cycle with the cache.
func New(st *store.Store, q *queue.Queue, gw Gateway, logger zerolog.Logger) *Engine {
	return &Engine{
		store: st,
		queue: q,
		gw:    gw,
		log:   logger.With().Str("component", "reconcile").Logger(),
	}
}

// SetRefresher attaches the post-drain full refetch.
func (e *Engine) SetRefresher(r Refresher) { e.refresher = r }

// SetStatusSink attaches the observable-state sink.
func (e *Engine) SetStatusSink(s StatusSink) { e.status = s }

// Run drains the queue to empty, then triggers the full refetch. Running
// with an empty queue is a safe no-op. If a run is already in progress the
// call returns immediately with Coalesced set and the in-progress run
// executes one more pass after it finishes.
func (e *Engine) Run(ctx context.Context) (RunResult, error) {
	e.mu.Lock()
	if e.running {
		e.rerun = true
		e.mu.Unlock()
		e.log.Debug().Msg("run already in progress, coalescing")
		return RunResult{Coalesced: true}, nil
	}
	e.running = true
	e.mu.Unlock()

	if e.status != nil {
		e.status.SetSyncing(true)
	}

	var total RunResult
	var runErr error
	for {
		res, err := e.drainOnce(ctx)
		total.Processed += res.Processed
		total.Succeeded += res.Succeeded
		total.Failed += res.Failed
		if err != nil {
			runErr = err
		}

		e.mu.Lock()
		if e.rerun && err == nil && ctx.Err() == nil {
			e.rerun = false
			e.mu.Unlock()
			continue
		}
		e.running = false
		e.rerun = false
		e.mu.Unlock()
		break
	}

	if e.status != nil {
		e.status.SetSyncing(false)
		switch {
		case runErr != nil:
			e.status.SetSyncError(runErr)
		case total.Failed > 0:
			e.status.SetSyncError(fmt.Errorf("%d queued changes failed to sync", total.Failed))
		default:
			e.status.SetSyncError(nil)
		}
	}
	return total, runErr
}

// drainOnce processes one snapshot of the queue, then refetches.
func (e *Engine) drainOnce(ctx context.Context) (RunResult, error) {
	var res RunResult

	items, err := e.queue.Drain(ctx)
	if err != nil {
		return res, err
	}

	// Temporary ids resolved during this pass. A CREATE earlier in the
	// snapshot rewrites the id a later UPDATE or DELETE must use.
	renames := make(map[string]string)

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Processed++
		if err := e.processItem(ctx, item, renames); err != nil {
			res.Failed++
			e.log.Warn().
				Err(err).
				Int64("item", item.ID).
				Str("kind", string(item.Kind)).
				Str("entity", string(item.EntityType)+"/"+item.EntityID).
				Int("attempts", item.Attempts+1).
				Msg("queue item failed, will retry")
			if ferr := e.queue.Fail(ctx, item.ID, err); ferr != nil {
				return res, ferr
			}
			continue
		}
		res.Succeeded++
	}

	e.log.Info().
		Int("processed", res.Processed).
		Int("succeeded", res.Succeeded).
		Int("failed", res.Failed).
		Msg("reconciliation pass complete")

	if e.refresher != nil {
		if err := e.refresher.Refresh(ctx); err != nil {
			return res, err
		}
	}
	return res, nil
}

// processItem dispatches one queue item and applies the result locally.
func (e *Engine) processItem(ctx context.Context, item model.QueueItem, renames map[string]string) error {
	entityID := item.EntityID
	if newID, ok := renames[entityID]; ok {
		entityID = newID
	}

	switch item.Kind {
	case model.KindCreate:
		ent, err := item.Entity()
		if err != nil {
			return err
		}
		remote, err := e.gw.Create(ctx, &ent)
		if err != nil {
			return err
		}
		remote.CreatedAt = ent.CreatedAt
		remote.SetDefaults()
		// Swap the temporary id for the remote-issued one atomically,
		// queue references included.
		if err := e.store.RenameEntity(ctx, item.EntityType, item.EntityID, &remote); err != nil {
			return err
		}
		renames[item.EntityID] = remote.ID
		e.log.Info().
			Str("local_id", item.EntityID).
			Str("remote_id", remote.ID).
			Str("type", string(item.EntityType)).
			Msg("created remotely, id rewritten")
		return e.queue.Ack(ctx, item.ID)

	case model.KindUpdate:
		ent, err := item.Entity()
		if err != nil {
			return err
		}
		ent.ID = entityID
		remote, err := e.gw.Update(ctx, &ent)
		if err != nil {
			return err
		}
		remote.CreatedAt = ent.CreatedAt
		remote.SetDefaults()
		if err := e.store.PutEntity(ctx, &remote); err != nil {
			return err
		}
		return e.queue.Ack(ctx, item.ID)

	case model.KindDelete:
		if err := e.gw.Delete(ctx, item.EntityType, entityID); err != nil {
			return err
		}
		if err := e.store.DeleteEntity(ctx, item.EntityType, entityID); err != nil {
			return err
		}
		return e.queue.Ack(ctx, item.ID)
	}
	return nil
}
