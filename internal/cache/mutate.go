package cache

import (
	"context"
	"fmt"

	"github.com/taskdock/taskdock/internal/gateway"
	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/store"
)

// ErrNotFound is returned by mutations targeting an entity the cache does
// not hold.
var ErrNotFound = store.ErrNotFound

// Every mutation follows the same optimistic protocol: snapshot the
// in-memory collection, apply the change immediately, then either push it
// straight to the remote store (online) or persist it as pending and queue
// it (offline). A direct-path rejection restores the snapshot exactly; a
// direct-path transport failure flips to the offline path so the mutation
// is never lost.

// CreateEntity creates an entity. Online, the remote-issued id comes back
// immediately; offline, the entity carries a temporary id until its queued
// CREATE reconciles.
func (c *Cache) CreateEntity(ctx context.Context, e *model.Entity) (model.Entity, error) {
	ent := e.Clone()
	ent.ID = model.NewLocalID()
	ent.SyncStatus = model.StatusPending
	ent.SetDefaults()
	if err := ent.Validate(); err != nil {
		return model.Entity{}, fmt.Errorf("invalid entity: %w", err)
	}

	c.mu.Lock()
	prev := c.cloneCollectionLocked(ent.Type)
	c.collections[ent.Type] = append(c.collections[ent.Type], ent.Clone())
	online := c.online
	c.notifyLocked()
	c.mu.Unlock()

	if online {
		remote, err := c.gw.Create(ctx, &ent)
		switch {
		case err == nil:
			remote.CreatedAt = ent.CreatedAt
			remote.SetDefaults()
			if err := c.store.PutEntity(ctx, &remote); err != nil {
				c.rollback(ent.Type, prev)
				return model.Entity{}, err
			}
			c.replaceInMemory(ent.Type, ent.ID, remote)
			return remote, nil
		case gateway.IsTransport(err):
			c.reportOffline(err)
		default:
			c.rollback(ent.Type, prev)
			return model.Entity{}, err
		}
	}

	if err := c.store.PutEntity(ctx, &ent); err != nil {
		c.rollback(ent.Type, prev)
		return model.Entity{}, err
	}
	if _, err := c.queue.Enqueue(ctx, model.KindCreate, ent.Type, ent.ID, &ent); err != nil {
		_ = c.store.DeleteEntity(ctx, ent.Type, ent.ID)
		c.rollback(ent.Type, prev)
		return model.Entity{}, err
	}
	c.afterQueuedMutation(ctx)
	return ent, nil
}

// UpdateEntity replaces an entity's domain fields. The entity is matched by
// Type and ID; identity and creation time are preserved.
func (c *Cache) UpdateEntity(ctx context.Context, e *model.Entity) (model.Entity, error) {
	c.mu.Lock()
	cur, ok := c.findLocked(e.Type, e.ID)
	if !ok {
		c.mu.Unlock()
		return model.Entity{}, fmt.Errorf("update %s/%s: %w", e.Type, e.ID, ErrNotFound)
	}
	updated := cur.Clone()
	updated.Name = e.Name
	updated.Status = e.Status
	updated.Notes = e.Notes
	updated.ProjectID = e.ProjectID
	updated.SectionID = e.SectionID
	updated.DueAt = nil
	if e.DueAt != nil {
		t := *e.DueAt
		updated.DueAt = &t
	}
	updated.SyncStatus = model.StatusPending
	updated.Touch()

	prev := c.cloneCollectionLocked(e.Type)
	c.replaceLocked(e.Type, e.ID, updated)
	online := c.online
	c.notifyLocked()
	c.mu.Unlock()

	if err := updated.Validate(); err != nil {
		c.rollback(e.Type, prev)
		return model.Entity{}, fmt.Errorf("invalid entity: %w", err)
	}

	// An entity with an outstanding queue item must flow through that item:
	// a direct dispatch would leave the stale queued payload behind to
	// overwrite this edit on the next reconciliation. A temporary id is the
	// same situation; the remote store has never heard of it.
	item, err := c.queue.ItemForEntity(ctx, e.Type, e.ID)
	if err != nil {
		c.rollback(e.Type, prev)
		return model.Entity{}, err
	}

	if online && item == nil && !model.IsLocalID(e.ID) {
		remote, err := c.gw.Update(ctx, &updated)
		switch {
		case err == nil:
			remote.CreatedAt = updated.CreatedAt
			remote.SetDefaults()
			if err := c.store.PutEntity(ctx, &remote); err != nil {
				c.rollback(e.Type, prev)
				return model.Entity{}, err
			}
			c.replaceInMemory(e.Type, e.ID, remote)
			return remote, nil
		case gateway.IsTransport(err):
			c.reportOffline(err)
		default:
			c.rollback(e.Type, prev)
			return model.Entity{}, err
		}
	}

	if err := c.store.PutEntity(ctx, &updated); err != nil {
		c.rollback(e.Type, prev)
		return model.Entity{}, err
	}
	// Fold the edit into the outstanding item rather than queueing a second
	// mutation; the CREATE or UPDATE it carries now pushes this payload.
	if item != nil {
		err = c.queue.UpdatePayload(ctx, item.ID, &updated)
	} else {
		_, err = c.queue.Enqueue(ctx, model.KindUpdate, e.Type, e.ID, &updated)
	}
	if err != nil {
		c.rollback(e.Type, prev)
		return model.Entity{}, err
	}
	c.afterQueuedMutation(ctx)
	return updated, nil
}

// DeleteEntity removes an entity. Deleting a never-synced entity
// short-circuits: the local row and its queued CREATE vanish without any
// remote call.
func (c *Cache) DeleteEntity(ctx context.Context, typ model.EntityType, id string) error {
	c.mu.Lock()
	cur, ok := c.findLocked(typ, id)
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("delete %s/%s: %w", typ, id, ErrNotFound)
	}
	prev := c.cloneCollectionLocked(typ)
	c.removeLocked(typ, id)
	online := c.online
	c.notifyLocked()
	c.mu.Unlock()

	if cur.SyncStatus == model.StatusPending && model.IsLocalID(id) {
		if err := c.store.PurgeEntity(ctx, typ, id); err != nil {
			c.rollback(typ, prev)
			return err
		}
		c.afterQueuedMutation(ctx)
		return nil
	}

	if online {
		err := c.gw.Delete(ctx, typ, id)
		switch {
		case err == nil:
			// Queued edits for the entity die with it; left behind they
			// would retry forever against a deleted record.
			if err := c.store.PurgeEntity(ctx, typ, id); err != nil {
				c.rollback(typ, prev)
				return err
			}
			c.afterQueuedMutation(ctx)
			return nil
		case gateway.IsTransport(err):
			c.reportOffline(err)
		default:
			c.rollback(typ, prev)
			return err
		}
	}

	// Drop the local row and any outstanding edits, then queue the remote
	// deletion against the durable id.
	if err := c.store.PurgeEntity(ctx, typ, id); err != nil {
		c.rollback(typ, prev)
		return err
	}
	if _, err := c.queue.Enqueue(ctx, model.KindDelete, typ, id, nil); err != nil {
		c.rollback(typ, prev)
		return err
	}
	c.afterQueuedMutation(ctx)
	return nil
}

// reportOffline flips the cache offline and tells the connectivity monitor
// a transport failure was observed mid-mutation.
func (c *Cache) reportOffline(err error) {
	c.log.Warn().Err(err).Msg("remote unreachable, queueing mutation")
	c.SetOnline(false)
	if c.reporter != nil {
		c.reporter.SetOnline(false)
	}
}

// afterQueuedMutation refreshes the pending counters and notifies.
func (c *Cache) afterQueuedMutation(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.refreshCountsLocked(ctx); err != nil {
		c.log.Warn().Err(err).Msg("failed to refresh queue counts")
	}
	c.notifyLocked()
}

// rollback restores a collection to its pre-mutation snapshot exactly.
func (c *Cache) rollback(typ model.EntityType, prev []model.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[typ] = prev
	c.notifyLocked()
}

// replaceInMemory swaps one row for its authoritative replacement.
func (c *Cache) replaceInMemory(typ model.EntityType, id string, replacement model.Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.replaceLocked(typ, id, replacement)
	c.notifyLocked()
}

func (c *Cache) cloneCollectionLocked(typ model.EntityType) []model.Entity {
	entities := c.collections[typ]
	copied := make([]model.Entity, len(entities))
	for i := range entities {
		copied[i] = entities[i].Clone()
	}
	return copied
}

func (c *Cache) findLocked(typ model.EntityType, id string) (model.Entity, bool) {
	for _, e := range c.collections[typ] {
		if e.ID == id {
			return e.Clone(), true
		}
	}
	return model.Entity{}, false
}

func (c *Cache) replaceLocked(typ model.EntityType, id string, replacement model.Entity) {
	entities := c.collections[typ]
	for i := range entities {
		if entities[i].ID == id {
			entities[i] = replacement
			return
		}
	}
	c.collections[typ] = append(entities, replacement)
}

func (c *Cache) removeLocked(typ model.EntityType, id string) {
	entities := c.collections[typ]
	for i := range entities {
		if entities[i].ID == id {
			c.collections[typ] = append(entities[:i:i], entities[i+1:]...)
			return
		}
	}
}
