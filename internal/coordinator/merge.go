package coordinator

import (
	"context"
	"fmt"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/realtime"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// AttachRealtime subscribes to owner's change feed (the current owner when
// empty). Changes are merged on the actor and written back to the cache.
//
// When the feed cannot be reached the subscription is retried on the next
// offline to online transition; only a rejected join is returned.
func (c *Coordinator[E]) AttachRealtime(ctx context.Context, owner string) error {
	if c.deps.Bridge == nil {
		return fmt.Errorf("realtime is not configured: %w", syncerr.ErrInvalidInput)
	}
	if owner == "" {
		owner = c.currentOwner()
	}
	if owner == "" {
		return fmt.Errorf("attach needs an owner: %w", syncerr.ErrInvalidInput)
	}

	err := c.do(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		c.realtime[owner] = true
		c.mu.Unlock()
		c.publishView(ctx, nil)
		return nil
	})
	if err != nil {
		return err
	}

	// Subscribing waits for the join reply, which is read on the same
	// goroutine that feeds changes into the mailbox, so it runs off the actor.
	return c.subscribe(ctx, owner)
}

// DetachRealtime drops owner's subscription. It is a no-op when there is
// none.
func (c *Coordinator[E]) DetachRealtime(ctx context.Context, owner string) error {
	if c.deps.Bridge == nil {
		return nil
	}
	err := c.do(ctx, func(ctx context.Context) error {
		c.mu.Lock()
		delete(c.realtime, owner)
		c.mu.Unlock()
		c.publishView(ctx, nil)
		return nil
	})
	if err != nil {
		return err
	}
	if err := c.deps.Bridge.Unsubscribe(ctx, c.t, owner); err != nil {
		c.logger.Printf("WARNING: %v", err)
	}
	return nil
}

func (c *Coordinator[E]) subscribe(ctx context.Context, owner string) error {
	err := c.deps.Bridge.Subscribe(ctx, c.t, owner, realtime.Callbacks{
		OnInsert: func(v schema.Variant) {
			c.post("realtime insert", func(ctx context.Context) error { return c.mergeInsert(ctx, owner, v) })
		},
		OnUpdate: func(v schema.Variant) {
			c.post("realtime update", func(ctx context.Context) error { return c.mergeUpdate(ctx, owner, v) })
		},
		OnDelete: func(id string) {
			c.post("realtime delete", func(ctx context.Context) error { return c.mergeDelete(ctx, owner, id) })
		},
	})
	if err == nil {
		return nil
	}
	if syncerr.Surfaceable(err) {
		return err
	}
	c.logger.Printf("WARNING: realtime for %s unavailable, retrying when back online: %v", owner, err)
	return nil
}

// reattach retries wanted subscriptions the bridge does not hold. Runs on
// the actor; the subscribes themselves run off it.
func (c *Coordinator[E]) reattach(ctx context.Context) {
	if c.deps.Bridge == nil {
		return
	}
	active := make(map[string]bool)
	for _, k := range c.deps.Bridge.Active() {
		if k.EntityType == c.t {
			active[k.Owner] = true
		}
	}
	for owner := range c.wantedRealtime() {
		if active[owner] {
			continue
		}
		c.wg.Add(1)
		go func(owner string) {
			defer c.wg.Done()
			if err := c.subscribe(c.ctx, owner); err != nil {
				c.logger.Printf("WARNING: %v", err)
			}
		}(owner)
	}
}

// mergeInsert applies a server insert. An insert for a cached id is a
// no-op, which covers duplicate delivery and the echo of our own create.
func (c *Coordinator[E]) mergeInsert(ctx context.Context, owner string, v schema.Variant) error {
	if owner != c.view.Owner {
		return nil
	}
	_, err := c.deps.Cache.Get(ctx, c.t, v.ID())
	if err == nil {
		return nil
	}
	if !cache.IsNotFound(err) {
		return err
	}

	if err := c.deps.Cache.Put(ctx, cache.NewEntry(v, schema.StatusSynced)); err != nil {
		return err
	}
	c.upsertItem(owner, v)
	c.publishView(ctx, nil)
	return nil
}

// mergeUpdate applies a server update to a cached record. Updates for
// unknown ids are ignored. A record with a pending local write is resolved
// by the conflict policy.
func (c *Coordinator[E]) mergeUpdate(ctx context.Context, owner string, v schema.Variant) error {
	if owner != c.view.Owner {
		return nil
	}
	entry, err := c.deps.Cache.Get(ctx, c.t, v.ID())
	if cache.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if entry.SyncStatus == schema.StatusPending && c.opts.Policy.keepLocal(entry.Payload, v) {
		c.logger.Printf("Keeping local %s/%s over server update (%s)", c.t, v.ID(), c.opts.Policy)
		return nil
	}

	entry.Payload = v
	entry.CachedAt = c.now()
	if err := c.deps.Cache.Put(ctx, entry); err != nil {
		return err
	}
	c.upsertItem(owner, v)
	c.publishView(ctx, nil)
	return nil
}

// mergeDelete removes a cached record. Deletes for unknown ids are no-ops.
func (c *Coordinator[E]) mergeDelete(ctx context.Context, owner string, id string) error {
	if owner != c.view.Owner {
		return nil
	}
	entry, err := c.deps.Cache.Get(ctx, c.t, id)
	if cache.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if entry.SyncStatus == schema.StatusPending && c.opts.Policy == LocalPendingWins {
		c.logger.Printf("Keeping local %s/%s over server delete (%s)", c.t, id, c.opts.Policy)
		return nil
	}

	if err := c.deps.Cache.Delete(ctx, c.t, id); err != nil {
		return err
	}
	c.removeItem(id)
	c.publishView(ctx, nil)
	return nil
}
