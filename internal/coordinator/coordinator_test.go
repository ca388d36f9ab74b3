package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/connectivity"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/events"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/realtime"
	"github.com/mschirtzinger/offlinesync/internal/remote"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// feed is a realtime.Feed whose latest handler per topic can be driven by
// the test.
type feed struct {
	mu       sync.Mutex
	handlers map[string]func(realtime.RawChange)
	err      error
}

type feedSub struct {
	f   *feed
	key string
}

func (s *feedSub) Unsubscribe(ctx context.Context) error {
	s.f.mu.Lock()
	defer s.f.mu.Unlock()
	delete(s.f.handlers, s.key)
	return nil
}

func (f *feed) Subscribe(ctx context.Context, topic realtime.Topic, h func(realtime.RawChange)) (realtime.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.handlers[topic.String()] = h
	return &feedSub{f: f, key: topic.String()}, nil
}

func (f *feed) subscribed(t schema.EntityType, owner string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.handlers[realtime.TopicFor(t, owner).String()]
	return ok
}

func (f *feed) emit(t *testing.T, et schema.EntityType, owner string, raw realtime.RawChange) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[realtime.TopicFor(et, owner).String()]
	f.mu.Unlock()
	require.True(t, ok, "no subscription for %s/%s", et, owner)
	h(raw)
}

type harness struct {
	clock   *clock
	store   *cache.Store
	queue   *queue.Queue
	backend *remote.MemoryBackend
	monitor *connectivity.Monitor
	bus     *events.Bus
	feed    *feed
	bridge  *realtime.Bridge
}

func newHarness(t *testing.T, online bool) *harness {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "coordinator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())

	quiet := log.New(io.Discard, "", 0)
	clk := &clock{now: t0}
	store := cache.New(database, &cache.Config{Logger: quiet, Clock: clk.Now})
	h := &harness{
		clock:   clk,
		store:   store,
		queue:   queue.New(database, store, &queue.Config{Logger: quiet, Clock: clk.Now}),
		backend: remote.NewMemoryBackend(),
		monitor: connectivity.NewMonitor(online, quiet),
		bus:     events.NewBus(quiet, nil),
		feed:    &feed{handlers: make(map[string]func(realtime.RawChange))},
	}
	h.bridge = realtime.NewBridge(h.feed, quiet)
	for _, et := range schema.AllEntityTypes() {
		h.backend.Memory(et).SetClock(clk.Now)
	}
	t.Cleanup(h.bus.Close)
	return h
}

func start[E schema.Record](t *testing.T, h *harness, tweak func(*Options)) *Coordinator[E] {
	t.Helper()
	opts := &Options{
		StaleAfter: 5 * time.Minute,
		Logger:     log.New(io.Discard, "", 0),
		Clock:      h.clock.Now,
	}
	if tweak != nil {
		tweak(opts)
	}
	c, err := New[E](Deps{
		Cache:        h.store,
		Queue:        h.queue,
		Remote:       h.backend.Repository(schema.TypeOf[E]()),
		Bridge:       h.bridge,
		Bus:          h.bus,
		Connectivity: h.monitor,
	}, opts)
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop() })
	return c
}

// barrier waits until everything posted to the mailbox so far has run.
func barrier[E schema.Record](t *testing.T, c *Coordinator[E]) {
	t.Helper()
	require.NoError(t, c.do(context.Background(), func(context.Context) error { return nil }))
}

func rawTask(t *testing.T, kind string, task schema.Task) realtime.RawChange {
	t.Helper()
	data, err := json.Marshal(task)
	require.NoError(t, err)
	if kind == "DELETE" {
		return realtime.RawChange{Type: kind, OldRecord: json.RawMessage(`{"id":"` + task.ID + `"}`)}
	}
	return realtime.RawChange{Type: kind, Record: data}
}

func serverTask(id, title string, updated time.Time) schema.Task {
	return schema.Task{ID: id, OwnerID: "U", Title: title, CreatedAt: t0, UpdatedAt: updated}
}

func TestLoad_EmptyCacheOnlineFetches(t *testing.T) {
	h := newHarness(t, true)
	repo := h.backend.Memory(schema.TypeTask)
	repo.Seed(
		schema.Wrap(serverTask("t1", "one", t0)),
		schema.Wrap(serverTask("t2", "two", t0)),
		schema.Wrap(schema.Task{ID: "t3", OwnerID: "someone-else", Title: "three"}),
	)
	c := start[schema.Task](t, h, nil)

	res, err := c.Load(context.Background(), "U", false)
	require.NoError(t, err)

	assert.Equal(t, 1, repo.Calls("list"))
	assert.False(t, res.FromCache)
	assert.False(t, res.UsingCachedData)
	require.Len(t, res.Items, 2)
	assert.Equal(t, "t1", res.Items[0].ID)
	assert.Equal(t, "t2", res.Items[1].ID)

	cached, err := h.store.GetAllByType(context.Background(), "U", schema.TypeTask)
	require.NoError(t, err)
	assert.Len(t, cached, 2)

	state, sub := c.State()
	assert.Equal(t, StateLoaded, state)
	assert.Equal(t, SyncStateSynced, sub)
	assert.Len(t, c.Items(), 2)
}

func TestLoad_FreshCacheSkipsRemote(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, cache.NewEntry(schema.Wrap(serverTask("t1", "cached", t0)), schema.StatusSynced)))
	h.clock.Advance(time.Minute)

	res, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	assert.Equal(t, 0, h.backend.Memory(schema.TypeTask).Calls("list"))
	assert.True(t, res.FromCache)
	assert.False(t, res.UsingCachedData)
	require.Len(t, res.Items, 1)

	_, err = c.Load(ctx, "U", true)
	require.NoError(t, err)
	assert.Equal(t, 1, h.backend.Memory(schema.TypeTask).Calls("list"), "forced load must fetch")
}

func TestLoad_StalenessIsPerOwner(t *testing.T) {
	h := newHarness(t, true)
	repo := h.backend.Memory(schema.TypeTask)
	repo.Seed(
		schema.Wrap(serverTask("t1", "mine", t0)),
		schema.Wrap(schema.Task{ID: "t2", OwnerID: "V", Title: "theirs"}),
	)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	require.Equal(t, 1, repo.Calls("list"))

	// U's fresh partition must not stand in for V's empty one.
	res, err := c.Load(ctx, "V", false)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.Calls("list"))
	assert.False(t, res.FromCache)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "t2", res.Items[0].ID)
}

func TestLoad_OfflineReturnsStaleCache(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, cache.NewEntry(schema.Wrap(serverTask("t1", "old", t0)), schema.StatusSynced)))
	h.clock.Advance(10 * time.Minute)

	stale, err := h.store.IsStale(ctx, schema.TypeTask, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, stale)

	res, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	assert.Equal(t, 0, h.backend.Memory(schema.TypeTask).Calls("list"))
	assert.True(t, res.FromCache)
	assert.True(t, res.UsingCachedData)
	assert.NotEmpty(t, res.Warning)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "old", res.Items[0].Title)
}

func TestLoad_RemoteFailureFallsBackToCache(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	require.NoError(t, h.store.Put(ctx, cache.NewEntry(schema.Wrap(serverTask("t1", "cached", t0)), schema.StatusSynced)))
	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusServiceUnavailable})

	res, err := c.Load(ctx, "U", true)
	require.NoError(t, err)
	assert.True(t, res.UsingCachedData)
	assert.Contains(t, res.Warning, "using cached data")
	require.Len(t, res.Items, 1)

	snap := c.Snapshot()
	assert.Equal(t, StateLoaded, snap.State)
	assert.True(t, snap.Degraded)
	assert.Equal(t, "loaded/synced (cached)", snap.Label())
}

func TestLoad_EmptyCacheRemoteFailureIsLoadedEmpty(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)

	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusServiceUnavailable})
	res, err := c.Load(context.Background(), "U", false)
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.True(t, res.UsingCachedData)
	assert.True(t, res.FromCache)

	snap := c.Snapshot()
	assert.Equal(t, StateLoaded, snap.State)
	assert.True(t, snap.Degraded)
}

func TestLoad_KeepsPendingRowsOnRefresh(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	local, err := c.Create(ctx, "U", schema.Task{Title: "written offline"})
	require.NoError(t, err)

	h.backend.Memory(schema.TypeTask).Seed(schema.Wrap(serverTask("srv", "from server", t0)))
	h.monitor.Set(true)

	res, err := c.Load(ctx, "U", true)
	require.NoError(t, err)
	ids := []string{}
	for _, it := range res.Items {
		ids = append(ids, it.ID)
	}
	assert.ElementsMatch(t, []string{local.ID, "srv"}, ids)
}

func TestLoad_RefreshKeepsQueuedDeleteHidden(t *testing.T) {
	h := newHarness(t, true)
	repo := h.backend.Memory(schema.TypeTask)
	repo.Seed(schema.Wrap(serverTask("t1", "doomed", t0)))
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", true)
	require.NoError(t, err)

	repo.FailWith(&syncerr.RemoteError{StatusCode: http.StatusServiceUnavailable})
	require.NoError(t, c.Delete(ctx, "t1"))
	repo.FailWith(nil)

	n, err := h.queue.PendingCount(ctx, schema.TypeTask)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	res, err := c.Load(ctx, "U", true)
	require.NoError(t, err)
	assert.Empty(t, res.Items, "a refresh must not bring back a record whose delete is queued")
	assert.Empty(t, c.Items())

	_, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, repo.Records())
	_, err = h.store.Get(ctx, schema.TypeTask, "t1")
	assert.True(t, cache.IsNotFound(err))
}

func TestCreate_OfflineQueuesThenSyncs(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Expense](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)

	created, err := c.Create(ctx, "U", schema.Expense{Item: "Coffee", Amount: 4.5})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "U", created.OwnerID)

	all, err := h.store.GetAll(ctx, "U")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID())
	assert.Equal(t, schema.StatusPending, all[0].SyncStatus)

	ops, err := h.queue.Pending(ctx, schema.TypeExpense)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, queue.KindCreate, ops[0].Kind)

	_, sub := c.State()
	assert.Equal(t, SyncStatePending, sub)

	// Sync while offline does nothing.
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)

	// Regaining connectivity drains the queue.
	h.monitor.Set(true)
	require.Eventually(t, func() bool {
		n, err := h.queue.PendingCount(ctx, schema.TypeExpense)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	res, err = c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
	assert.Equal(t, 1, h.backend.Memory(schema.TypeExpense).Calls("create"))

	entry, err := h.store.Get(ctx, schema.TypeExpense, created.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, entry.SyncStatus)

	_, sub = c.State()
	assert.Equal(t, SyncStateSynced, sub)
}

func TestCreate_OnlineCachesConfirmedRecord(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	created, err := c.Create(ctx, "U", schema.Task{Title: "Buy milk"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.backend.Memory(schema.TypeTask).Calls("create"))

	entry, err := h.store.Get(ctx, schema.TypeTask, created.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, entry.SyncStatus)

	n, err := h.queue.PendingCount(ctx, schema.TypeTask)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreate_TransientFailureQueues(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusBadGateway})
	created, err := c.Create(ctx, "U", schema.Task{Title: "flaky"})
	require.NoError(t, err)

	entry, err := h.store.Get(ctx, schema.TypeTask, created.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, entry.SyncStatus)

	n, err := h.queue.PendingCount(ctx, schema.TypeTask)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCreate_RejectedIsSurfaced(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusForbidden, Message: "row-level security"})
	_, err := c.Create(ctx, "U", schema.Task{Title: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, syncerr.ErrRemoteRejected)
	assert.True(t, syncerr.Surfaceable(err))

	n, err := h.queue.PendingCount(ctx, schema.TypeTask)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCreate_Invalid(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)

	_, err := c.Create(context.Background(), "U", schema.Task{})
	assert.ErrorIs(t, err, syncerr.ErrInvalidInput)

	_, err = c.Create(context.Background(), "", schema.Task{Title: "no owner"})
	assert.ErrorIs(t, err, syncerr.ErrInvalidInput)
}

func TestUpdateAndDelete_MissingRecordIsNotFound(t *testing.T) {
	h := newHarness(t, true)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Update(ctx, "ghost", schema.Patch{"completed": true})
	assert.ErrorIs(t, err, syncerr.ErrNotFound)

	err = c.Delete(ctx, "ghost")
	assert.ErrorIs(t, err, syncerr.ErrNotFound)
}

func TestUpdate_OnlineUsesServerCopy(t *testing.T) {
	h := newHarness(t, true)
	repo := h.backend.Memory(schema.TypeTask)
	repo.Seed(schema.Wrap(serverTask("t1", "draft", t0)))
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", true)
	require.NoError(t, err)

	h.clock.Advance(time.Minute)
	updated, err := c.Update(ctx, "t1", schema.Patch{"completed": true})
	require.NoError(t, err)
	assert.True(t, updated.Completed)
	assert.Equal(t, t0.Add(time.Minute), updated.UpdatedAt.UTC(), "server stamps updated_at")

	items := c.Items()
	require.Len(t, items, 1)
	assert.True(t, items[0].Completed)
}

func TestUpdateThenDelete_OfflineDrainsInOrder(t *testing.T) {
	h := newHarness(t, true)
	repo := h.backend.Memory(schema.TypeTask)
	repo.Seed(schema.Wrap(serverTask("7", "seven", t0)))
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", true)
	require.NoError(t, err)

	h.monitor.Set(false)
	_, err = c.Update(ctx, "7", schema.Patch{"completed": true})
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "7"))
	assert.Empty(t, c.Items())

	ops, err := h.queue.Pending(ctx, schema.TypeTask)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, queue.KindUpdate, ops[0].Kind)
	assert.Equal(t, queue.KindDelete, ops[1].Kind)

	h.monitor.Set(true)
	require.Eventually(t, func() bool {
		n, err := h.queue.PendingCount(ctx, schema.TypeTask)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, repo.Calls("update"))
	assert.Equal(t, 1, repo.Calls("delete"))
	assert.Empty(t, repo.Records())

	_, err = h.store.Get(ctx, schema.TypeTask, "7")
	assert.True(t, cache.IsNotFound(err))
}

func TestSync_PublishesEvents(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	evs, cancel := h.bus.Subscribe(32, schema.TypeTask)
	defer cancel()

	_, err := c.Create(ctx, "U", schema.Task{Title: "a"})
	require.NoError(t, err)
	_, err = c.Create(ctx, "U", schema.Task{Title: "b"})
	require.NoError(t, err)

	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusServiceUnavailable})
	h.monitor.Set(true)

	var kinds []events.Kind
	deadline := time.After(5 * time.Second)
	for len(kinds) < 2 {
		select {
		case ev := <-evs:
			if ev.Kind != events.KindSyncFailed && ev.Kind != events.KindSyncCompleted {
				continue
			}
			kinds = append(kinds, ev.Kind)
			if ev.Kind == events.KindSyncFailed {
				assert.Equal(t, 2, ev.Pending)
				assert.Contains(t, ev.Err, "503")
			}
		case <-deadline:
			t.Fatalf("Expected sync_failed then sync_completed, got %v", kinds)
		}
	}
	assert.Equal(t, []events.Kind{events.KindSyncFailed, events.KindSyncCompleted}, kinds)

	// Transient failures stay queued for the next pass.
	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempted)
	assert.Len(t, res.Failed, 2)
	assert.Empty(t, res.Rejected)
}

func TestSync_RejectedCreateIsRolledBack(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	created, err := c.Create(ctx, "U", schema.Task{Title: "doomed"})
	require.NoError(t, err)
	require.Len(t, c.Items(), 1)

	h.backend.Memory(schema.TypeTask).FailWith(&syncerr.RemoteError{StatusCode: http.StatusUnprocessableEntity})
	h.monitor.Set(true)

	require.Eventually(t, func() bool { return len(c.Items()) == 0 }, 5*time.Second, 10*time.Millisecond)
	_, err = h.store.Get(ctx, schema.TypeTask, created.ID)
	assert.True(t, cache.IsNotFound(err))
	n, err := h.queue.PendingCount(ctx, schema.TypeTask)
	require.NoError(t, err)
	assert.Zero(t, n, "rejected operations are not retried")
}

func TestSync_CreateAlreadyOnServerCountsAsDone(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	created, err := c.Create(ctx, "U", schema.Task{Title: "reached the server"})
	require.NoError(t, err)
	h.backend.Memory(schema.TypeTask).Seed(schema.Wrap(created))

	h.monitor.Set(true)
	require.Eventually(t, func() bool {
		n, err := h.queue.PendingCount(ctx, schema.TypeTask)
		return err == nil && n == 0
	}, 5*time.Second, 10*time.Millisecond)
	barrier(t, c)

	entry, err := h.store.Get(ctx, schema.TypeTask, created.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusSynced, entry.SyncStatus)
}

func TestRealtime_MergeSemantics(t *testing.T) {
	h := newHarness(t, true)
	h.backend.Memory(schema.TypeTask).Seed(schema.Wrap(serverTask("t1", "one", t0)))
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", true)
	require.NoError(t, err)
	require.NoError(t, c.AttachRealtime(ctx, "U"))
	assert.True(t, c.Snapshot().Realtime)

	// Insert of a new id is applied.
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "INSERT", serverTask("t2", "two", t0)))
	barrier(t, c)
	require.Len(t, c.Items(), 2)

	// Insert of a cached id is a no-op.
	before, err := h.store.GetAll(ctx, "U")
	require.NoError(t, err)
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "INSERT", serverTask("t1", "duplicate", t0)))
	barrier(t, c)
	after, err := h.store.GetAll(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "one", c.Items()[0].Title)

	// Update of an unknown id is ignored.
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "UPDATE", serverTask("t9", "ghost", t0)))
	barrier(t, c)
	_, err = h.store.Get(ctx, schema.TypeTask, "t9")
	assert.True(t, cache.IsNotFound(err))

	// Update of a known id replaces it in cache and list.
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "UPDATE", serverTask("t1", "renamed", t0.Add(time.Minute))))
	barrier(t, c)
	entry, err := h.store.Get(ctx, schema.TypeTask, "t1")
	require.NoError(t, err)
	task, err := schema.As[schema.Task](entry.Payload)
	require.NoError(t, err)
	assert.Equal(t, "renamed", task.Title)
	assert.Equal(t, "renamed", c.Items()[0].Title)

	// Delete of an unknown id changes nothing.
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "DELETE", schema.Task{ID: "absent"}))
	barrier(t, c)
	assert.Len(t, c.Items(), 2)

	// Delete of a known id removes it.
	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "DELETE", schema.Task{ID: "t2"}))
	barrier(t, c)
	require.Len(t, c.Items(), 1)
	_, err = h.store.Get(ctx, schema.TypeTask, "t2")
	assert.True(t, cache.IsNotFound(err))
}

func TestRealtime_ConflictPolicies(t *testing.T) {
	local := t0.Add(10 * time.Minute)
	tests := []struct {
		name       string
		policy     ConflictPolicy
		serverTime time.Time
		wantTitle  string
	}{
		{"newest wins keeps newer local", NewestWins, local.Add(-time.Minute), "local"},
		{"newest wins takes newer server", NewestWins, local.Add(time.Minute), "server"},
		{"newest wins ties go to server", NewestWins, local, "server"},
		{"server wins", ServerWins, local.Add(-time.Hour), "server"},
		{"local pending wins", LocalPendingWins, local.Add(time.Hour), "local"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, false)
			c := start[schema.Task](t, h, func(o *Options) { o.Policy = tt.policy })
			ctx := context.Background()

			_, err := c.Load(ctx, "U", false)
			require.NoError(t, err)
			pending := cache.NewEntry(schema.Wrap(serverTask("t1", "local", local)), schema.StatusPending)
			require.NoError(t, h.store.Put(ctx, pending))
			require.NoError(t, c.AttachRealtime(ctx, "U"))

			h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "UPDATE", serverTask("t1", "server", tt.serverTime)))
			barrier(t, c)

			entry, err := h.store.Get(ctx, schema.TypeTask, "t1")
			require.NoError(t, err)
			task, err := schema.As[schema.Task](entry.Payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantTitle, task.Title)
			assert.Equal(t, schema.StatusPending, entry.SyncStatus, "queued write still pending")
		})
	}
}

func TestRealtime_DeleteRespectsLocalPendingWins(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, func(o *Options) { o.Policy = LocalPendingWins })
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	require.NoError(t, h.store.Put(ctx, cache.NewEntry(schema.Wrap(serverTask("t1", "local", t0)), schema.StatusPending)))
	require.NoError(t, c.AttachRealtime(ctx, "U"))

	h.feed.emit(t, schema.TypeTask, "U", rawTask(t, "DELETE", schema.Task{ID: "t1"}))
	barrier(t, c)

	_, err = h.store.Get(ctx, schema.TypeTask, "t1")
	assert.NoError(t, err)
}

func TestSetOwner_ResetsAndDetaches(t *testing.T) {
	h := newHarness(t, true)
	h.backend.Memory(schema.TypeReminder).Seed(schema.Wrap(schema.Reminder{ID: "r1", OwnerID: "U", Title: "Call mom", RemindAt: t0}))
	c := start[schema.Reminder](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", true)
	require.NoError(t, err)
	require.NoError(t, c.AttachRealtime(ctx, "U"))
	require.True(t, h.feed.subscribed(schema.TypeReminder, "U"))

	require.NoError(t, c.SetOwner(ctx, "V"))

	assert.False(t, h.feed.subscribed(schema.TypeReminder, "U"))
	assert.Empty(t, h.bridge.Active())
	assert.Empty(t, c.Items())
	snap := c.Snapshot()
	assert.Equal(t, StateUninitialized, snap.State)
	assert.Equal(t, "V", snap.Owner)
	assert.False(t, snap.Realtime)
}

func TestAttachRealtime_RetriesAfterReconnect(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)

	h.feed.mu.Lock()
	h.feed.err = syncerr.ErrNetworkUnavailable
	h.feed.mu.Unlock()
	require.NoError(t, c.AttachRealtime(ctx, "U"), "unreachable feed is not an error")
	assert.False(t, h.feed.subscribed(schema.TypeTask, "U"))

	h.feed.mu.Lock()
	h.feed.err = nil
	h.feed.mu.Unlock()
	h.monitor.Set(true)

	require.Eventually(t, func() bool { return h.feed.subscribed(schema.TypeTask, "U") }, 5*time.Second, 10*time.Millisecond)
}

func TestCacheUpdateRequiredReloads(t *testing.T) {
	h := newHarness(t, false)
	c := start[schema.Task](t, h, nil)
	ctx := context.Background()

	_, err := c.Load(ctx, "U", false)
	require.NoError(t, err)
	assert.Empty(t, c.Items())

	// Another process wrote to the cache.
	require.NoError(t, h.store.Put(ctx, cache.NewEntry(schema.Wrap(serverTask("t1", "elsewhere", t0)), schema.StatusSynced)))
	h.bus.Publish(events.SyncEvent{Kind: events.KindCacheUpdateRequired, EntityType: schema.TypeTask, Owner: "U"})

	require.Eventually(t, func() bool { return len(c.Items()) == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestLifecycle(t *testing.T) {
	h := newHarness(t, true)
	quiet := log.New(io.Discard, "", 0)

	_, err := New[schema.Task](Deps{Cache: h.store, Queue: h.queue, Remote: h.backend.Repository(schema.TypeExpense)}, &Options{Logger: quiet})
	assert.Error(t, err, "repository type must match")

	c, err := New[schema.Task](Deps{Cache: h.store, Queue: h.queue, Remote: h.backend.Repository(schema.TypeTask)}, &Options{Logger: quiet})
	require.NoError(t, err)

	_, err = c.Load(context.Background(), "U", false)
	assert.ErrorIs(t, err, syncerr.ErrClosed, "calls before Start")

	require.NoError(t, c.Start(context.Background()))
	state, _ := c.State()
	assert.Equal(t, StateUninitialized, state)

	err = c.AttachRealtime(context.Background(), "U")
	assert.ErrorIs(t, err, syncerr.ErrInvalidInput, "no bridge configured")

	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
	_, err = c.Sync(context.Background())
	assert.ErrorIs(t, err, syncerr.ErrClosed)
	assert.ErrorIs(t, c.Start(context.Background()), syncerr.ErrClosed)
}

func TestParseConflictPolicy(t *testing.T) {
	for _, p := range []ConflictPolicy{NewestWins, ServerWins, LocalPendingWins} {
		got, err := ParseConflictPolicy(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseConflictPolicy("coin-flip")
	assert.Error(t, err)
}
