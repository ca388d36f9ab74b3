// Package coordinator owns the in-memory list of one entity type and keeps
// it in step with the cache, the sync queue, the remote store and the
// realtime feed.
//
// A Coordinator is an actor: every operation, realtime delivery, auto-sync
// tick, connectivity change and bus event runs as a closure on a single
// mailbox goroutine, so none of them interleave. Readers (Items, State,
// Snapshot) see the last state the actor published.
//
// Only rejected writes, missing records and invalid input are returned to
// callers. Offline and transient conditions are absorbed: reads fall back to
// the cache and writes are queued.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/connectivity"
	"github.com/mschirtzinger/offlinesync/internal/events"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/realtime"
	"github.com/mschirtzinger/offlinesync/internal/remote"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// Deps are the collaborators of a coordinator. Cache, Queue and Remote are
// required. Without Connectivity the coordinator assumes it is always
// online; Bridge and Bus are optional.
type Deps struct {
	Cache        *cache.Store
	Queue        *queue.Queue
	Remote       remote.Repository
	Bridge       *realtime.Bridge
	Bus          *events.Bus
	Connectivity *connectivity.Monitor
}

// Options holds coordinator settings.
type Options struct {
	// StaleAfter is the cache age that triggers a remote refresh on Load
	StaleAfter time.Duration

	// SyncInterval is the auto-sync period while online. Zero disables
	// auto-sync.
	SyncInterval time.Duration

	// RemoteTimeout bounds every remote call
	RemoteTimeout time.Duration

	// Policy resolves realtime changes against pending local writes
	Policy ConflictPolicy

	// MailboxSize is the buffer of the actor mailbox
	MailboxSize int

	// Observer, when set, is told about every drain pass
	Observer DrainObserver

	// Logger for coordinator activity
	Logger *log.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DrainObserver is told about every drain pass, e.g. for metrics.
type DrainObserver interface {
	DrainFinished(result *queue.DrainResult, elapsed time.Duration)
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() *Options {
	return &Options{
		StaleAfter:    5 * time.Minute,
		SyncInterval:  2 * time.Minute,
		RemoteTimeout: 30 * time.Second,
		Policy:        NewestWins,
		MailboxSize:   64,
		Clock:         time.Now,
	}
}

type request struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Coordinator manages one entity type.
type Coordinator[E schema.Record] struct {
	t      schema.EntityType
	deps   Deps
	opts   *Options
	logger *log.Logger
	now    func() time.Time

	mailbox chan request
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Owned by the actor goroutine.
	items []E

	// Written by the actor under mu.
	mu       sync.RWMutex
	view     Snapshot
	list     []E
	realtime map[string]bool // owners with a wanted realtime subscription
}

// New creates a coordinator for the entity type of E. Call Start before
// using it.
func New[E schema.Record](deps Deps, opts *Options) (*Coordinator[E], error) {
	if deps.Cache == nil || deps.Queue == nil || deps.Remote == nil {
		return nil, fmt.Errorf("coordinator needs a cache, a queue and a remote repository")
	}
	t := schema.TypeOf[E]()
	if deps.Remote.EntityType() != t {
		return nil, fmt.Errorf("remote repository serves %s, coordinator manages %s", deps.Remote.EntityType(), t)
	}

	if opts == nil {
		opts = DefaultOptions()
	}
	defaults := DefaultOptions()
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = defaults.StaleAfter
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaults.RemoteTimeout
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = defaults.MailboxSize
	}
	if opts.Clock == nil {
		opts.Clock = defaults.Clock
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "["+string(t)+"s] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator[E]{
		t:        t,
		deps:     deps,
		opts:     opts,
		logger:   opts.Logger,
		now:      opts.Clock,
		mailbox:  make(chan request, opts.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		realtime: make(map[string]bool),
		view:     Snapshot{EntityType: t, State: StateUninitialized, Sync: SyncStateSynced},
	}, nil
}

// EntityType returns the type this coordinator manages.
func (c *Coordinator[E]) EntityType() schema.EntityType { return c.t }

// Start launches the mailbox goroutine and the background watchers:
// auto-sync, connectivity transitions and bus events.
func (c *Coordinator[E]) Start(ctx context.Context) error {
	if c.ctx.Err() != nil {
		return fmt.Errorf("coordinator %s: %w", c.t, syncerr.ErrClosed)
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}

	c.wg.Add(1)
	go c.run()

	if c.opts.SyncInterval > 0 {
		c.wg.Add(1)
		go c.autoSync()
	}
	if c.deps.Connectivity != nil {
		ch, cancel := c.deps.Connectivity.Subscribe()
		c.wg.Add(1)
		go c.watchConnectivity(ch, cancel)
	}
	if c.deps.Bus != nil {
		ch, cancel := c.deps.Bus.Subscribe(16, c.t)
		c.wg.Add(1)
		go c.watchBus(ch, cancel)
	}

	// Refresh the pending count so State is right before the first Load.
	return c.do(ctx, func(ctx context.Context) error {
		c.publishView(ctx, nil)
		return nil
	})
}

// Stop shuts the coordinator down. Realtime subscriptions it opened are
// closed. Calls after Stop fail with syncerr.ErrClosed.
func (c *Coordinator[E]) Stop() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.logger.Println("Stopping coordinator")

	if c.deps.Bridge != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		for owner := range c.wantedRealtime() {
			if err := c.deps.Bridge.Unsubscribe(ctx, c.t, owner); err != nil {
				c.logger.Printf("WARNING: %v", err)
			}
		}
		cancel()
	}

	c.cancel()
	c.wg.Wait()
	return nil
}

// run is the actor loop.
func (c *Coordinator[E]) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case req := <-c.mailbox:
			err := req.fn(req.ctx)
			if req.done != nil {
				req.done <- err
			}
		}
	}
}

// do runs fn on the actor and waits for it.
func (c *Coordinator[E]) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.started.Load() {
		return fmt.Errorf("coordinator %s not started: %w", c.t, syncerr.ErrClosed)
	}
	done := make(chan error, 1)
	select {
	case c.mailbox <- request{ctx: ctx, fn: fn, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("coordinator %s: %w", c.t, syncerr.ErrClosed)
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return fmt.Errorf("coordinator %s: %w", c.t, syncerr.ErrClosed)
	}
}

// post queues fn on the actor without waiting. Errors are logged.
func (c *Coordinator[E]) post(what string, fn func(ctx context.Context) error) {
	wrapped := func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			c.logger.Printf("WARNING: %s: %v", what, err)
		}
		return nil
	}
	select {
	case c.mailbox <- request{ctx: c.ctx, fn: wrapped}:
	case <-c.ctx.Done():
	}
}

func (c *Coordinator[E]) autoSync() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if !c.online() {
				continue
			}
			c.post("auto-sync", func(ctx context.Context) error {
				_, err := c.sync(ctx)
				return err
			})
		}
	}
}

func (c *Coordinator[E]) watchConnectivity(ch <-chan bool, cancel func()) {
	defer c.wg.Done()
	defer cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			if !online {
				c.logger.Println("Offline, writes will be queued")
				continue
			}
			c.logger.Println("Back online, syncing")
			c.post("reconnect", func(ctx context.Context) error {
				c.reattach(ctx)
				_, err := c.sync(ctx)
				return err
			})
		}
	}
}

func (c *Coordinator[E]) watchBus(ch <-chan events.SyncEvent, cancel func()) {
	defer c.wg.Done()
	defer cancel()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindCacheUpdateRequired {
				continue
			}
			c.post("reload", func(ctx context.Context) error {
				owner := c.currentOwner()
				if owner == "" || (ev.Owner != "" && ev.Owner != owner) {
					return nil
				}
				_, err := c.load(ctx, owner, false)
				return err
			})
		}
	}
}

// online reports whether remote calls may be attempted.
func (c *Coordinator[E]) online() bool {
	return c.deps.Connectivity == nil || c.deps.Connectivity.Online()
}

func (c *Coordinator[E]) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.opts.RemoteTimeout)
}

// Items returns a copy of the current list.
func (c *Coordinator[E]) Items() []E {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]E(nil), c.list...)
}

// State returns the load state and its sync sub-state.
func (c *Coordinator[E]) State() (State, SyncState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.State, c.view.Sync
}

// Snapshot returns the published view.
func (c *Coordinator[E]) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view
}

func (c *Coordinator[E]) currentOwner() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.view.Owner
}

func (c *Coordinator[E]) wantedRealtime() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.realtime))
	for owner := range c.realtime {
		out[owner] = true
	}
	return out
}

// publishView copies actor state into the published view. change, when not
// nil, is applied to the view first. A state_changed event is published when
// the label moved.
func (c *Coordinator[E]) publishView(ctx context.Context, change func(v *Snapshot)) {
	pending, err := c.deps.Queue.PendingCount(ctx, c.t)
	if err != nil {
		c.logger.Printf("WARNING: failed to count pending operations: %v", err)
	}

	c.mu.Lock()
	before := c.view.Label()
	if change != nil {
		change(&c.view)
	}
	if err == nil {
		c.view.Pending = pending
	}
	c.view.Sync = SyncStateSynced
	if c.view.Pending > 0 {
		c.view.Sync = SyncStatePending
	}
	c.view.Items = len(c.items)
	c.view.Realtime = len(c.realtime) > 0
	c.list = append(c.list[:0:0], c.items...)
	view := c.view
	c.mu.Unlock()

	if view.Label() != before {
		c.emit(events.KindStateChanged, view, "")
	}
}

func (c *Coordinator[E]) emit(kind events.Kind, view Snapshot, errText string) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(events.SyncEvent{
		Kind:       kind,
		EntityType: c.t,
		Owner:      view.Owner,
		State:      view.Label(),
		Pending:    view.Pending,
		Err:        errText,
	})
}
