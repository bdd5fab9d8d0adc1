// Package cache holds the in-memory mirror of the entity collections
// exposed to the UI layer. Mutations apply optimistically and roll back on
// direct-path failure; full refetches replace synced rows wholesale while
// preserving local pending and error rows.
//
// The cache is a derived, eventually-consistent view: it is always safe to
// discard and rebuild from the local store. UI layers consume immutable
// snapshots through Subscribe rather than mutating shared state.
package cache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskdock/taskdock/internal/gateway"
	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/queue"
	"github.com/taskdock/taskdock/internal/store"
)

// metaLastFullSync is the meta key recording the last full refetch, epoch millis.
const metaLastFullSync = "last_full_sync"

// Gateway is the remote surface the cache needs. *gateway.Client satisfies it.
type Gateway interface {
	Create(ctx context.Context, e *model.Entity) (model.Entity, error)
	Update(ctx context.Context, e *model.Entity) (model.Entity, error)
	Delete(ctx context.Context, typ model.EntityType, id string) error
	ListAll(ctx context.Context, typ model.EntityType) ([]model.Entity, error)
}

// TransportReporter is told when a direct mutation discovers the network is
// gone. The connectivity monitor satisfies it.
type TransportReporter interface {
	SetOnline(bool)
}

// Snapshot is an immutable view of the cache handed to subscribers.
type Snapshot struct {
	Collections  map[model.EntityType][]model.Entity
	Online       bool
	Syncing      bool
	LastSync     time.Time
	PendingCount int
	StuckCount   int
	SyncError    string
	State        string
}

// Cache mirrors the entity collections in memory.
type Cache struct {
	store    *store.Store
	queue    *queue.Queue
	gw       Gateway
	reporter TransportReporter
	log      zerolog.Logger

	// mu guards all fields below.
	mu sync.Mutex

	collections map[model.EntityType][]model.Entity
	online      bool
	syncing     bool
	lastSync    time.Time
	pending     int
	stuck       int
	syncErr     string

	subs    map[int]chan Snapshot
	nextSub int
}

// New creates an empty cache. Call LoadLocal or Refresh to populate it.
func New(st *store.Store, q *queue.Queue, gw Gateway, logger zerolog.Logger) *Cache {
	c := &Cache{
		store:       st,
		queue:       q,
		gw:          gw,
		log:         logger.With().Str("component", "cache").Logger(),
		collections: make(map[model.EntityType][]model.Entity),
		online:      true,
		subs:        make(map[int]chan Snapshot),
	}
	return c
}

// SetTransportReporter attaches the connectivity monitor.
func (c *Cache) SetTransportReporter(r TransportReporter) {
	c.reporter = r
}

// Snapshot returns a deep copy of the current state.
func (c *Cache) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Cache) snapshotLocked() Snapshot {
	collections := make(map[model.EntityType][]model.Entity, len(c.collections))
	for typ, entities := range c.collections {
		copied := make([]model.Entity, len(entities))
		for i := range entities {
			copied[i] = entities[i].Clone()
		}
		collections[typ] = copied
	}
	return Snapshot{
		Collections:  collections,
		Online:       c.online,
		Syncing:      c.syncing,
		LastSync:     c.lastSync,
		PendingCount: c.pending,
		StuckCount:   c.stuck,
		SyncError:    c.syncErr,
		State:        DeriveSyncState(c.online, c.syncing, c.pending, c.syncErr),
	}
}

// Subscribe registers a snapshot channel. Every state change delivers a
// fresh snapshot; slow subscribers miss intermediate states, never block.
func (c *Cache) Subscribe() (int, <-chan Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan Snapshot, 1)
	c.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (c *Cache) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(ch)
	}
}

// notifyLocked delivers the current snapshot to all subscribers without
// blocking: a full channel is drained first so the latest snapshot wins.
func (c *Cache) notifyLocked() {
	if len(c.subs) == 0 {
		return
	}
	snap := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// SetOnline records a connectivity transition (monitor.StateSink).
func (c *Cache) SetOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online == online {
		return
	}
	c.online = online
	c.notifyLocked()
}

// IsOnline returns the last observed connectivity state.
func (c *Cache) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// SetSyncing records that a reconciliation run started or finished
// (reconcile.StatusSink).
func (c *Cache) SetSyncing(syncing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.syncing == syncing {
		return
	}
	c.syncing = syncing
	c.notifyLocked()
}

// SetSyncError records the outcome of the last reconciliation run
// (reconcile.StatusSink).
func (c *Cache) SetSyncError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		c.syncErr = ""
	} else {
		c.syncErr = err.Error()
	}
	c.notifyLocked()
}

// LoadLocal rebuilds the collections straight from the local store,
// unioning all sync statuses. Used offline and as the fallback when a
// refetch cannot reach the remote store.
func (c *Cache) LoadLocal(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadLocalLocked(ctx)
}

func (c *Cache) loadLocalLocked(ctx context.Context) error {
	for _, typ := range model.EntityTypes {
		entities, err := c.store.ListEntities(ctx, typ)
		if err != nil {
			return err
		}
		c.collections[typ] = entities
	}
	if err := c.refreshCountsLocked(ctx); err != nil {
		return err
	}
	c.restoreLastSyncLocked(ctx)
	c.notifyLocked()
	return nil
}

// Refresh performs the authoritative full refetch: fetch every collection
// from the remote store, atomically replace the synced rows locally while
// preserving pending and error rows, and rebuild the in-memory view as the
// union of both. Offline, or when the remote store is unreachable, it
// degrades to a local load.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.online {
		return c.loadLocalLocked(ctx)
	}

	// Ids with a queued DELETE are gone locally; the remote store still
	// returns them until the deletion pushes. Reinserting them here would
	// resurrect a deleted entity in the view.
	deletes, err := c.queuedDeletes(ctx)
	if err != nil {
		return err
	}

	for _, typ := range model.EntityTypes {
		fetched, err := c.gw.ListAll(ctx, typ)
		if err != nil {
			if gateway.IsTransport(err) {
				c.log.Warn().Err(err).Str("type", string(typ)).
					Msg("refetch unreachable, loading local state")
				return c.loadLocalLocked(ctx)
			}
			return fmt.Errorf("failed to refetch %s collection: %w", typ, err)
		}
		if ids := deletes[typ]; len(ids) > 0 {
			kept := fetched[:0]
			for i := range fetched {
				if !ids[fetched[i].ID] {
					kept = append(kept, fetched[i])
				}
			}
			fetched = kept
		}
		if err := c.store.ReplaceSynced(ctx, typ, fetched); err != nil {
			return err
		}
		entities, err := c.store.ListEntities(ctx, typ)
		if err != nil {
			return err
		}
		c.collections[typ] = entities
	}

	c.lastSync = time.Now()
	if err := c.store.SetMeta(ctx, metaLastFullSync,
		strconv.FormatInt(c.lastSync.UnixMilli(), 10)); err != nil {
		return err
	}
	if err := c.refreshCountsLocked(ctx); err != nil {
		return err
	}
	c.notifyLocked()
	return nil
}

// Entities returns a copy of one collection.
func (c *Cache) Entities(typ model.EntityType) []model.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	entities := c.collections[typ]
	copied := make([]model.Entity, len(entities))
	for i := range entities {
		copied[i] = entities[i].Clone()
	}
	return copied
}

// LastSyncTime returns when the last successful full refetch completed.
func (c *Cache) LastSyncTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSync
}

// PendingCount returns the current queue length.
func (c *Cache) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending
}

// queuedDeletes returns the ids carrying an outstanding DELETE item, by type.
func (c *Cache) queuedDeletes(ctx context.Context) (map[model.EntityType]map[string]bool, error) {
	items, err := c.queue.Drain(ctx)
	if err != nil {
		return nil, err
	}
	deletes := make(map[model.EntityType]map[string]bool)
	for _, item := range items {
		if item.Kind != model.KindDelete {
			continue
		}
		if deletes[item.EntityType] == nil {
			deletes[item.EntityType] = make(map[string]bool)
		}
		deletes[item.EntityType][item.EntityID] = true
	}
	return deletes, nil
}

func (c *Cache) refreshCountsLocked(ctx context.Context) error {
	counts, err := c.queue.Counts(ctx)
	if err != nil {
		return err
	}
	c.pending = counts.Pending
	c.stuck = counts.Stuck
	return nil
}

// restoreLastSyncLocked recovers the last sync time persisted in meta.
func (c *Cache) restoreLastSyncLocked(ctx context.Context) {
	value, err := c.store.GetMeta(ctx, metaLastFullSync)
	if err != nil {
		return
	}
	millis, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return
	}
	c.lastSync = time.UnixMilli(millis)
}
