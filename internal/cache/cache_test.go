package cache

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdock/taskdock/internal/gateway"
	"github.com/taskdock/taskdock/internal/model"
	"github.com/taskdock/taskdock/internal/queue"
	"github.com/taskdock/taskdock/internal/reconcile"
	"github.com/taskdock/taskdock/internal/store"
)

// fakeGateway mimics the remote record store, tracking server-side state so
// refetches after a mutation return what the "server" holds.
type fakeGateway struct {
	mu      sync.Mutex
	nextID  int
	server  map[model.EntityType][]model.Entity
	creates int
	updates int
	deletes int
	lists   int

	createErr error
	updateErr error
	deleteErr error
	listErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{server: make(map[model.EntityType][]model.Entity)}
}

func (g *fakeGateway) Create(ctx context.Context, e *model.Entity) (model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.creates++
	if g.createErr != nil {
		return model.Entity{}, g.createErr
	}
	g.nextID++
	remote := e.Clone()
	remote.ID = fmt.Sprintf("rec-%d", g.nextID)
	remote.SyncStatus = model.StatusSynced
	g.server[e.Type] = append(g.server[e.Type], remote)
	return remote, nil
}

func (g *fakeGateway) Update(ctx context.Context, e *model.Entity) (model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updates++
	if g.updateErr != nil {
		return model.Entity{}, g.updateErr
	}
	remote := e.Clone()
	remote.SyncStatus = model.StatusSynced
	col := g.server[e.Type]
	for i := range col {
		if col[i].ID == e.ID {
			col[i] = remote
			return remote, nil
		}
	}
	g.server[e.Type] = append(col, remote)
	return remote, nil
}

func (g *fakeGateway) Delete(ctx context.Context, typ model.EntityType, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deletes++
	if g.deleteErr != nil {
		return g.deleteErr
	}
	col := g.server[typ]
	for i := range col {
		if col[i].ID == id {
			g.server[typ] = append(col[:i:i], col[i+1:]...)
			break
		}
	}
	return nil
}

func (g *fakeGateway) ListAll(ctx context.Context, typ model.EntityType) ([]model.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lists++
	if g.listErr != nil {
		return nil, g.listErr
	}
	out := make([]model.Entity, len(g.server[typ]))
	for i, e := range g.server[typ] {
		out[i] = e.Clone()
	}
	return out, nil
}

func (g *fakeGateway) callCounts() (creates, updates, deletes int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.creates, g.updates, g.deletes
}

type fakeReporter struct {
	mu     sync.Mutex
	states []bool
}

func (r *fakeReporter) SetOnline(online bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, online)
}

func newTestCache(t *testing.T, gw Gateway) (*Cache, *store.Store, *queue.Queue) {
	t.Helper()
	st, err := store.Open(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, 0, zerolog.Nop())
	return New(st, q, gw, zerolog.Nop()), st, q
}

func seedSynced(t *testing.T, st *store.Store, c *Cache, id, name string) {
	t.Helper()
	now := model.NowMillis()
	e := model.Entity{
		ID: id, Type: model.EntityTask, Name: name, Status: "Todo",
		SyncStatus: model.StatusSynced, CreatedAt: now, ModifiedAt: now,
	}
	require.NoError(t, st.PutEntity(context.Background(), &e))
	require.NoError(t, c.LoadLocal(context.Background()))
}

func TestOfflineCreate_ThenReconcile(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	c.SetOnline(false)
	created, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "offline task", Status: "Todo"})
	require.NoError(t, err)

	assert.True(t, model.IsLocalID(created.ID))
	assert.Equal(t, model.StatusPending, created.SyncStatus)

	// Durable immediately: row and queued CREATE both present.
	stored, err := st.GetEntity(ctx, model.EntityTask, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.SyncStatus)
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindCreate, items[0].Kind)

	snap := c.Snapshot()
	assert.Equal(t, StateOffline, snap.State)
	assert.Equal(t, 1, snap.PendingCount)
	creates, _, _ := gw.callCounts()
	assert.Zero(t, creates, "no remote call while offline")

	// Connectivity returns; reconciliation swaps the temporary id.
	c.SetOnline(true)
	engine := reconcile.New(st, q, gw, zerolog.Nop())
	engine.SetRefresher(c)
	engine.SetStatusSink(c)
	res, err := engine.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	tasks := c.Entities(model.EntityTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, "rec-1", tasks[0].ID)
	assert.Equal(t, model.StatusSynced, tasks[0].SyncStatus)

	items, err = q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Equal(t, StateSynced, c.Snapshot().State)
}

func TestOnlineUpdate_GoesDirect(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	gw.server[model.EntityTask] = []model.Entity{{
		ID: "rec-1", Type: model.EntityTask, Name: "task", Status: "Todo",
		SyncStatus: model.StatusSynced,
	}}
	seedSynced(t, st, c, "rec-1", "task")

	edit := c.Entities(model.EntityTask)[0]
	edit.Status = "Done"
	updated, err := c.UpdateEntity(ctx, &edit)
	require.NoError(t, err)

	assert.Equal(t, model.StatusSynced, updated.SyncStatus, "direct path confirms immediately")
	assert.Equal(t, "Done", updated.Status)

	_, updates, _ := gw.callCounts()
	assert.Equal(t, 1, updates)

	// Nothing queued on the direct path.
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)

	stored, err := st.GetEntity(ctx, model.EntityTask, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "Done", stored.Status)
	assert.Equal(t, model.StatusSynced, stored.SyncStatus)
}

func TestDirectRejection_RollsBackExactly(t *testing.T) {
	gw := newFakeGateway()
	gw.updateErr = &gateway.APIError{Status: http.StatusUnprocessableEntity, Message: "bad field"}
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	seedSynced(t, st, c, "rec-1", "task")
	before := c.Entities(model.EntityTask)

	edit := before[0]
	edit.Name = "doomed edit"
	_, err := c.UpdateEntity(ctx, &edit)
	require.Error(t, err)

	var apiErr *gateway.APIError
	require.ErrorAs(t, err, &apiErr)

	// Memory, store, and queue all show no trace of the mutation.
	assert.Equal(t, before, c.Entities(model.EntityTask))
	stored, err := st.GetEntity(ctx, model.EntityTask, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, "task", stored.Name)
	assert.Equal(t, model.StatusSynced, stored.SyncStatus)
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestTransportFailure_DegradesToQueue(t *testing.T) {
	gw := newFakeGateway()
	gw.updateErr = &gateway.TransportError{Err: fmt.Errorf("connection refused")}
	c, st, q := newTestCache(t, gw)
	reporter := &fakeReporter{}
	c.SetTransportReporter(reporter)
	ctx := context.Background()

	seedSynced(t, st, c, "rec-1", "task")

	edit := c.Entities(model.EntityTask)[0]
	edit.Name = "edited while net died"
	updated, err := c.UpdateEntity(ctx, &edit)
	require.NoError(t, err, "a transport failure must not lose the edit")

	assert.Equal(t, model.StatusPending, updated.SyncStatus)
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindUpdate, items[0].Kind)

	assert.False(t, c.IsOnline())
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	assert.Equal(t, []bool{false}, reporter.states)
}

func TestDeleteNeverSynced_SkipsRemote(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	c.SetOnline(false)
	created, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "ephemeral"})
	require.NoError(t, err)

	c.SetOnline(true) // even online, a never-synced delete stays local
	require.NoError(t, c.DeleteEntity(ctx, model.EntityTask, created.ID))

	creates, updates, deletes := gw.callCounts()
	assert.Zero(t, creates+updates+deletes, "no remote call for a never-synced entity")

	_, err = st.GetEntity(ctx, model.EntityTask, created.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "the queued CREATE must vanish with the entity")
	assert.Empty(t, c.Entities(model.EntityTask))
}

func TestOfflineDelete_QueuesRemoteDeletion(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	seedSynced(t, st, c, "rec-1", "task")
	c.SetOnline(false)

	require.NoError(t, c.DeleteEntity(ctx, model.EntityTask, "rec-1"))

	assert.Empty(t, c.Entities(model.EntityTask))
	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindDelete, items[0].Kind)
	assert.Equal(t, "rec-1", items[0].EntityID)
}

func TestOfflineEdits_CoalesceIntoOneQueueItem(t *testing.T) {
	gw := newFakeGateway()
	c, _, q := newTestCache(t, gw)
	ctx := context.Background()

	c.SetOnline(false)
	created, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "v1"})
	require.NoError(t, err)

	for _, name := range []string{"v2", "v3"} {
		edit := created.Clone()
		edit.Name = name
		_, err := c.UpdateEntity(ctx, &edit)
		require.NoError(t, err)
	}

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1, "repeated edits fold into the outstanding item")
	assert.Equal(t, model.KindCreate, items[0].Kind, "the entity still needs creating remotely")
	ent, err := items[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, "v3", ent.Name, "last write wins in the payload")
}

func TestRefresh_PreservesPendingRows(t *testing.T) {
	gw := newFakeGateway()
	c, st, _ := newTestCache(t, gw)
	ctx := context.Background()

	gw.server[model.EntityTask] = []model.Entity{{
		ID: "rec-1", Type: model.EntityTask, Name: "remote task",
		SyncStatus: model.StatusSynced,
	}}

	c.SetOnline(false)
	_, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "local pending"})
	require.NoError(t, err)
	c.SetOnline(true)

	require.NoError(t, c.Refresh(ctx))

	tasks := c.Entities(model.EntityTask)
	require.Len(t, tasks, 2, "view is the union of fetched and pending")
	names := map[string]model.SyncStatus{}
	for _, e := range tasks {
		names[e.Name] = e.SyncStatus
	}
	assert.Equal(t, model.StatusSynced, names["remote task"])
	assert.Equal(t, model.StatusPending, names["local pending"])
	assert.False(t, c.LastSyncTime().IsZero())

	// The last sync time survives a restart via the store.
	c2 := New(st, queue.New(st, 0, zerolog.Nop()), gw, zerolog.Nop())
	require.NoError(t, c2.LoadLocal(ctx))
	assert.Equal(t, c.LastSyncTime().UnixMilli(), c2.LastSyncTime().UnixMilli())
}

func TestRefresh_UnreachableFallsBackToLocal(t *testing.T) {
	gw := newFakeGateway()
	c, st, _ := newTestCache(t, gw)
	ctx := context.Background()

	seedSynced(t, st, c, "rec-1", "cached task")
	gw.listErr = &gateway.TransportError{Err: fmt.Errorf("no route to host")}

	require.NoError(t, c.Refresh(ctx), "unreachable refetch degrades, not fails")
	tasks := c.Entities(model.EntityTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, "cached task", tasks[0].Name)
}

func TestRefresh_APIErrorPropagates(t *testing.T) {
	gw := newFakeGateway()
	c, _, _ := newTestCache(t, gw)

	gw.listErr = &gateway.APIError{Status: http.StatusUnauthorized, Message: "bad token"}
	err := c.Refresh(context.Background())
	require.Error(t, err)
	var apiErr *gateway.APIError
	assert.ErrorAs(t, err, &apiErr)
}

func TestDirectUpdate_FoldsIntoOutstandingQueueItem(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	gw.server[model.EntityTask] = []model.Entity{{
		ID: "rec-1", Type: model.EntityTask, Name: "v1", SyncStatus: model.StatusSynced,
	}}
	seedSynced(t, st, c, "rec-1", "v1")

	// A transport failure leaves an UPDATE with payload v2 queued.
	gw.updateErr = &gateway.TransportError{Err: fmt.Errorf("connection refused")}
	edit := c.Entities(model.EntityTask)[0]
	edit.Name = "v2"
	_, err := c.UpdateEntity(ctx, &edit)
	require.NoError(t, err)
	gw.updateErr = nil
	c.SetOnline(true)

	// Back online, a newer edit must not bypass the queued one: pushing v3
	// directly would let the stale v2 payload overwrite it on the next
	// reconciliation.
	edit = c.Entities(model.EntityTask)[0]
	edit.Name = "v3"
	updated, err := c.UpdateEntity(ctx, &edit)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, updated.SyncStatus)

	_, updates, _ := gw.callCounts()
	assert.Equal(t, 1, updates, "only the failed attempt hit the gateway")

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	ent, err := items[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, "v3", ent.Name, "the queued item carries the latest write")

	// Reconciliation pushes v3 exactly once; nothing reverts.
	engine := reconcile.New(st, q, gw, zerolog.Nop())
	engine.SetRefresher(c)
	_, err = engine.Run(ctx)
	require.NoError(t, err)

	tasks := c.Entities(model.EntityTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, "v3", tasks[0].Name)
	assert.Equal(t, model.StatusSynced, tasks[0].SyncStatus)
	assert.Equal(t, "v3", gw.server[model.EntityTask][0].Name)
}

func TestOnlineEditOfUnsyncedCreate_StaysQueued(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	c.SetOnline(false)
	created, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "v1"})
	require.NoError(t, err)
	c.SetOnline(true)

	// The entity still carries its temporary id; a direct UPDATE against it
	// would be rejected remotely. The edit folds into the queued CREATE.
	edit := created.Clone()
	edit.Name = "v2"
	_, err = c.UpdateEntity(ctx, &edit)
	require.NoError(t, err)

	creates, updates, _ := gw.callCounts()
	assert.Zero(t, creates+updates, "no direct dispatch for a temporary id")

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindCreate, items[0].Kind)
	ent, err := items[0].Entity()
	require.NoError(t, err)
	assert.Equal(t, "v2", ent.Name)

	engine := reconcile.New(st, q, gw, zerolog.Nop())
	engine.SetRefresher(c)
	_, err = engine.Run(ctx)
	require.NoError(t, err)

	tasks := c.Entities(model.EntityTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, "rec-1", tasks[0].ID)
	assert.Equal(t, "v2", tasks[0].Name)
}

func TestDirectDelete_PurgesQueuedEdits(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	gw.server[model.EntityTask] = []model.Entity{{
		ID: "rec-1", Type: model.EntityTask, Name: "task", SyncStatus: model.StatusSynced,
	}}
	seedSynced(t, st, c, "rec-1", "task")

	gw.updateErr = &gateway.TransportError{Err: fmt.Errorf("connection refused")}
	edit := c.Entities(model.EntityTask)[0]
	edit.Name = "doomed edit"
	_, err := c.UpdateEntity(ctx, &edit)
	require.NoError(t, err)
	gw.updateErr = nil
	c.SetOnline(true)

	// Deleting the entity directly must take its queued edit along; a
	// leftover UPDATE would retry forever against the deleted record.
	require.NoError(t, c.DeleteEntity(ctx, model.EntityTask, "rec-1"))

	_, _, deletes := gw.callCounts()
	assert.Equal(t, 1, deletes)

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "queued edits die with the entity")
	_, err = st.GetEntity(ctx, model.EntityTask, "rec-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, c.Snapshot().PendingCount)
}

func TestRefresh_OmitsRowsAwaitingDeletion(t *testing.T) {
	gw := newFakeGateway()
	c, st, q := newTestCache(t, gw)
	ctx := context.Background()

	gw.server[model.EntityTask] = []model.Entity{{
		ID: "rec-1", Type: model.EntityTask, Name: "task", SyncStatus: model.StatusSynced,
	}}
	seedSynced(t, st, c, "rec-1", "task")

	c.SetOnline(false)
	require.NoError(t, c.DeleteEntity(ctx, model.EntityTask, "rec-1"))
	c.SetOnline(true)

	// The remote store still lists rec-1 until the queued DELETE pushes; a
	// refetch must not resurrect it.
	require.NoError(t, c.Refresh(ctx))
	assert.Empty(t, c.Entities(model.EntityTask))

	items, err := q.Drain(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, model.KindDelete, items[0].Kind)
}

func TestSubscribe_DeliversSnapshots(t *testing.T) {
	gw := newFakeGateway()
	c, _, _ := newTestCache(t, gw)
	ctx := context.Background()

	id, ch := c.Subscribe()
	defer c.Unsubscribe(id)

	c.SetOnline(false)
	_, err := c.CreateEntity(ctx, &model.Entity{Type: model.EntityTask, Name: "x"})
	require.NoError(t, err)

	// The channel holds the latest snapshot; older ones were replaced.
	snap := <-ch
	assert.Equal(t, 1, snap.PendingCount)
	assert.False(t, snap.Online)
	require.Len(t, snap.Collections[model.EntityTask], 1)
}
