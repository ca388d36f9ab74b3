package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/events"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// ErrNoData is returned by Load when the cache cannot be read and no fetched
// records are at hand. An empty but readable cache is not an error.
var ErrNoData = errors.New("no cached or remote data available")

// Load returns owner's records.
//
// While online, a forced load or a stale partition of owner triggers a remote
// fetch that replaces owner's cache partition (records with queued writes are
// kept, records with a queued delete stay gone).
// Offline, or when the fetch fails, the cached list is returned with
// UsingCachedData set. Loading for a different owner than the current one
// switches owner first.
func (c *Coordinator[E]) Load(ctx context.Context, owner string, force bool) (LoadResult[E], error) {
	var res LoadResult[E]
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.load(ctx, owner, force)
		return err
	})
	return res, err
}

func (c *Coordinator[E]) load(ctx context.Context, owner string, force bool) (LoadResult[E], error) {
	if owner == "" {
		return LoadResult[E]{}, fmt.Errorf("load needs an owner: %w", syncerr.ErrInvalidInput)
	}
	if owner != c.view.Owner {
		c.switchOwner(ctx, owner)
	}
	c.publishView(ctx, func(v *Snapshot) { v.State = StateLoading })

	online := c.online()
	fetch := false
	if online {
		fetch = force
		if !fetch {
			stale, err := c.deps.Cache.IsStaleFor(ctx, owner, c.t, c.opts.StaleAfter)
			if err != nil {
				c.logger.Printf("WARNING: failed to check staleness: %v", err)
				stale = true
			}
			fetch = stale
		}
	}

	var fetched []schema.Variant
	var warning string
	fromCache := true
	if fetch {
		rctx, cancel := c.remoteCtx(ctx)
		records, err := c.deps.Remote.GetAll(rctx, owner)
		cancel()
		if err == nil {
			err = c.deps.Cache.ReplacePartition(ctx, owner, c.t, records)
		}
		if err != nil {
			c.logger.Printf("WARNING: refresh of %s for %s failed, using cached data: %v", c.t, owner, err)
			warning = "using cached data: " + describe(err)
		} else {
			fetched = records
			fromCache = false
		}
	} else if !online {
		warning = "offline, using cached data"
	}

	items, err := c.cached(ctx, owner)
	if err != nil {
		if fetched == nil {
			c.logger.Printf("WARNING: cache read for %s failed: %v", owner, err)
			c.items = nil
			c.publishView(ctx, func(v *Snapshot) {
				v.State = StateFailed
				v.Degraded = false
				v.Warning = ErrNoData.Error()
			})
			return LoadResult[E]{}, fmt.Errorf("load %s for %s: %w", c.t, owner, ErrNoData)
		}
		c.logger.Printf("WARNING: cache read for %s failed, serving fetched records: %v", owner, err)
		items = c.convert(fetched)
	}

	c.items = items
	c.publishView(ctx, func(v *Snapshot) {
		v.State = StateLoaded
		v.Degraded = warning != ""
		v.Warning = warning
		v.LastLoad = c.now()
	})
	c.logger.Printf("Loaded %d %ss for %s (from cache: %v)", len(items), c.t, owner, fromCache)

	return LoadResult[E]{
		Items:           append([]E(nil), items...),
		FromCache:       fromCache,
		UsingCachedData: warning != "",
		Warning:         warning,
	}, nil
}

// SetOwner switches the coordinator to owner. The list is cleared, the state
// returns to uninitialized and realtime subscriptions of the previous owner
// are torn down. Queued operations are kept and drain as usual.
func (c *Coordinator[E]) SetOwner(ctx context.Context, owner string) error {
	return c.do(ctx, func(ctx context.Context) error {
		if owner != c.view.Owner {
			c.switchOwner(ctx, owner)
		}
		return nil
	})
}

func (c *Coordinator[E]) switchOwner(ctx context.Context, owner string) {
	prev := c.view.Owner
	if c.deps.Bridge != nil {
		for o := range c.wantedRealtime() {
			if err := c.deps.Bridge.Unsubscribe(ctx, c.t, o); err != nil {
				c.logger.Printf("WARNING: %v", err)
			}
		}
	}
	c.mu.Lock()
	c.realtime = make(map[string]bool)
	c.mu.Unlock()

	c.items = nil
	c.publishView(ctx, func(v *Snapshot) {
		*v = Snapshot{EntityType: c.t, Owner: owner, State: StateUninitialized}
	})
	if prev != "" {
		c.logger.Printf("Owner changed from %s to %s", prev, owner)
	}
}

// Create stores a new record for owner (the current owner when empty). A
// missing id is generated on the client.
//
// Online, the record is created remotely and the confirmed copy is cached.
// Offline, or when the remote call fails transiently, the record is cached
// as pending and a create is queued.
func (c *Coordinator[E]) Create(ctx context.Context, owner string, record E) (E, error) {
	var out E
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.create(ctx, owner, record)
		return err
	})
	return out, err
}

func (c *Coordinator[E]) create(ctx context.Context, owner string, record E) (E, error) {
	var zero E
	if owner == "" {
		owner = c.view.Owner
	}
	if owner == "" {
		return zero, fmt.Errorf("create needs an owner: %w", syncerr.ErrInvalidInput)
	}

	rec := schema.Prepare(record, owner, c.now())
	if err := rec.Validate(); err != nil {
		return zero, fmt.Errorf("invalid %s: %w: %w", c.t, syncerr.ErrInvalidInput, err)
	}
	v := schema.Wrap(rec)

	if c.online() {
		rctx, cancel := c.remoteCtx(ctx)
		created, err := c.deps.Remote.Create(rctx, v)
		cancel()
		if err == nil {
			if err := c.deps.Cache.Put(ctx, cache.NewEntry(created, schema.StatusSynced)); err != nil {
				return zero, err
			}
			c.upsertItem(owner, created)
			c.publishView(ctx, nil)
			return schema.As[E](created)
		}
		if !syncerr.IsRetryable(err) {
			return zero, err
		}
		c.logger.Printf("WARNING: create %s/%s failed, queueing: %v", c.t, v.ID(), err)
	}

	if err := c.deps.Cache.Put(ctx, cache.NewEntry(v, schema.StatusPending)); err != nil {
		return zero, err
	}
	if _, err := c.deps.Queue.EnqueueCreate(ctx, v); err != nil {
		return zero, err
	}
	c.upsertItem(owner, v)
	c.publishView(ctx, nil)
	return rec, nil
}

// Update merges patch into record id.
//
// Records with a queued write always take the queued path so that writes to
// one record reach the server in order.
func (c *Coordinator[E]) Update(ctx context.Context, id string, patch schema.Patch) (E, error) {
	var out E
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		out, err = c.update(ctx, id, patch)
		return err
	})
	return out, err
}

func (c *Coordinator[E]) update(ctx context.Context, id string, patch schema.Patch) (E, error) {
	var zero E
	if err := patch.Validate(); err != nil {
		return zero, fmt.Errorf("invalid patch: %w: %w", syncerr.ErrInvalidInput, err)
	}
	entry, err := c.deps.Cache.Get(ctx, c.t, id)
	if err != nil {
		return zero, err
	}

	if c.online() && entry.SyncStatus == schema.StatusSynced {
		rctx, cancel := c.remoteCtx(ctx)
		updated, err := c.deps.Remote.Update(rctx, id, patch)
		cancel()
		if err == nil {
			if err := c.deps.Cache.Put(ctx, cache.NewEntry(updated, schema.StatusSynced)); err != nil {
				return zero, err
			}
			c.upsertItem(entry.Owner, updated)
			c.publishView(ctx, nil)
			return schema.As[E](updated)
		}
		if !syncerr.IsRetryable(err) {
			return zero, err
		}
		c.logger.Printf("WARNING: update %s/%s failed, queueing: %v", c.t, id, err)
	}

	merged, err := c.deps.Cache.Update(ctx, c.t, id, patch.WithUpdatedAt(c.now()))
	if err != nil {
		return zero, err
	}
	if _, err := c.deps.Queue.EnqueueUpdate(ctx, c.t, id, patch); err != nil {
		return zero, err
	}
	c.upsertItem(entry.Owner, merged.Payload)
	c.publishView(ctx, nil)
	return schema.As[E](merged.Payload)
}

// Delete removes record id. Offline the record disappears from the cache
// right away and a delete is queued.
func (c *Coordinator[E]) Delete(ctx context.Context, id string) error {
	return c.do(ctx, func(ctx context.Context) error {
		return c.delete(ctx, id)
	})
}

func (c *Coordinator[E]) delete(ctx context.Context, id string) error {
	entry, err := c.deps.Cache.Get(ctx, c.t, id)
	if err != nil {
		return err
	}

	if c.online() && entry.SyncStatus == schema.StatusSynced {
		rctx, cancel := c.remoteCtx(ctx)
		err := c.deps.Remote.Delete(rctx, id)
		cancel()
		if err == nil {
			if err := c.deps.Cache.Delete(ctx, c.t, id); err != nil {
				return err
			}
			c.removeItem(id)
			c.publishView(ctx, nil)
			return nil
		}
		if !syncerr.IsRetryable(err) {
			return err
		}
		c.logger.Printf("WARNING: delete %s/%s failed, queueing: %v", c.t, id, err)
	}

	if _, err := c.deps.Queue.EnqueueDelete(ctx, c.t, id); err != nil {
		return err
	}
	if err := c.deps.Cache.Delete(ctx, c.t, id); err != nil {
		return err
	}
	c.removeItem(id)
	c.publishView(ctx, nil)
	return nil
}

// Sync drains the queue of this entity type. It is a no-op while offline.
//
// Failed and rejected operations are reported in the result and in one
// sync_failed event after the pass; sync_completed follows every pass.
func (c *Coordinator[E]) Sync(ctx context.Context) (*queue.DrainResult, error) {
	var res *queue.DrainResult
	err := c.do(ctx, func(ctx context.Context) error {
		var err error
		res, err = c.sync(ctx)
		return err
	})
	return res, err
}

func (c *Coordinator[E]) sync(ctx context.Context) (*queue.DrainResult, error) {
	if !c.online() {
		return &queue.DrainResult{EntityType: c.t}, nil
	}

	started := time.Now()
	result, err := c.deps.Queue.Drain(ctx, c.t, c.execute)
	if c.opts.Observer != nil && result != nil {
		c.opts.Observer.DrainFinished(result, time.Since(started))
	}
	if err != nil {
		c.publishView(ctx, nil)
		return result, fmt.Errorf("failed to drain %s queue: %w", c.t, err)
	}

	if result.Attempted > 0 {
		c.refreshItems(ctx)
	}
	c.publishView(ctx, func(v *Snapshot) { v.LastSync = c.now() })

	view := c.Snapshot()
	if len(result.Failed)+len(result.Rejected) > 0 {
		c.emit(events.KindSyncFailed, view, result.Err().Error())
	}
	c.emit(events.KindSyncCompleted, view, "")
	return result, nil
}

// execute replays one queued operation against the remote repository.
func (c *Coordinator[E]) execute(ctx context.Context, op queue.Operation) (schema.Variant, error) {
	rctx, cancel := c.remoteCtx(ctx)
	defer cancel()

	switch op.Kind {
	case queue.KindCreate:
		created, err := c.deps.Remote.Create(rctx, op.Record)
		if isConflict(err) {
			// An earlier attempt reached the server before timing out.
			c.logger.Printf("%s/%s already exists remotely", c.t, op.RecordID)
			return schema.Variant{}, nil
		}
		return created, err
	case queue.KindUpdate:
		return c.deps.Remote.Update(rctx, op.RecordID, op.Patch)
	case queue.KindDelete:
		return schema.Variant{}, c.deps.Remote.Delete(rctx, op.RecordID)
	}
	return schema.Variant{}, fmt.Errorf("unknown operation kind %q: %w", op.Kind, syncerr.ErrInvalidInput)
}

func isConflict(err error) bool {
	var re *syncerr.RemoteError
	return errors.As(err, &re) && re.StatusCode == http.StatusConflict
}

// describe turns an error into the user-facing reason for a degraded load.
func describe(err error) string {
	switch syncerr.Classify(err) {
	case syncerr.KindRemoteRejected:
		return "the server refused the request"
	case syncerr.KindInvalidInput:
		return "the server returned unusable records"
	}
	return "the server is unreachable"
}

// cached reads owner's partition into typed items.
func (c *Coordinator[E]) cached(ctx context.Context, owner string) ([]E, error) {
	entries, err := c.deps.Cache.GetAllByType(ctx, owner, c.t)
	if err != nil {
		return nil, err
	}
	records := make([]schema.Variant, len(entries))
	for i, e := range entries {
		records[i] = e.Payload
	}
	return c.convert(records), nil
}

func (c *Coordinator[E]) convert(records []schema.Variant) []E {
	items := make([]E, 0, len(records))
	for _, v := range records {
		e, err := schema.As[E](v)
		if err != nil {
			c.logger.Printf("WARNING: skipping %s: %v", v.ID(), err)
			continue
		}
		items = append(items, e)
	}
	return items
}

// refreshItems rereads the current owner's list after the queue settled
// entries behind the coordinator's back.
func (c *Coordinator[E]) refreshItems(ctx context.Context) {
	if c.view.State != StateLoaded {
		return
	}
	items, err := c.cached(ctx, c.view.Owner)
	if err != nil {
		c.logger.Printf("WARNING: failed to refresh %s list: %v", c.t, err)
		return
	}
	c.items = items
}

func (c *Coordinator[E]) upsertItem(owner string, v schema.Variant) {
	if owner != c.view.Owner {
		return
	}
	e, err := schema.As[E](v)
	if err != nil {
		c.logger.Printf("WARNING: skipping %s: %v", v.ID(), err)
		return
	}
	for i := range c.items {
		if c.items[i].EntityID() == e.EntityID() {
			c.items[i] = e
			return
		}
	}
	c.items = append(c.items, e)
}

func (c *Coordinator[E]) removeItem(id string) {
	for i := range c.items {
		if c.items[i].EntityID() == id {
			c.items = append(c.items[:i], c.items[i+1:]...)
			return
		}
	}
}
