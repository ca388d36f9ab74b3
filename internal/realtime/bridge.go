// Package realtime delivers server-pushed record changes.
//
// PhoenixClient speaks the Phoenix channel protocol used by Supabase realtime
// over a single websocket. Bridge sits on top of any Feed and keeps exactly
// one subscription per (entity type, owner), decoding wire changes into typed
// records. Merging those changes into local state is the coordinator's job.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Kind is the operation a change carries.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Change is a decoded change for one record. Record is set for insert and
// update; deletes only carry the id.
type Change struct {
	Kind   Kind
	ID     string
	Record schema.Variant
}

// Callbacks receive decoded changes. Nil callbacks are skipped.
type Callbacks struct {
	OnInsert func(schema.Variant)
	OnUpdate func(schema.Variant)
	OnDelete func(id string)
}

// Key identifies one bridge subscription.
type Key struct {
	EntityType schema.EntityType
	Owner      string
}

func (k Key) String() string { return string(k.EntityType) + "/" + k.Owner }

type subscription struct {
	key       Key
	callbacks Callbacks
	feedSub   Subscription
}

// Bridge keeps one subscription per Key.
type Bridge struct {
	feed   Feed
	logger *log.Logger

	mu   sync.Mutex
	subs map[Key]*subscription
}

// NewBridge wraps feed.
func NewBridge(feed Feed, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[realtime] ", log.LstdFlags)
	}
	return &Bridge{
		feed:   feed,
		logger: logger,
		subs:   make(map[Key]*subscription),
	}
}

// TopicFor returns the change stream of t filtered to owner.
func TopicFor(t schema.EntityType, owner string) Topic {
	return Topic{Schema: "public", Table: t.Table(), Filter: "owner_id=eq." + owner}
}

// Subscribe opens the change stream of t for owner. An existing
// subscription for the same key is torn down first, and no callback of the
// replaced subscription fires afterwards.
func (b *Bridge) Subscribe(ctx context.Context, t schema.EntityType, owner string, cb Callbacks) error {
	if !t.Valid() || owner == "" {
		return fmt.Errorf("subscribe needs an entity type and owner (got %q, %q)", t, owner)
	}
	key := Key{EntityType: t, Owner: owner}

	if err := b.Unsubscribe(ctx, t, owner); err != nil {
		b.logger.Printf("WARNING: replacing %s: %v", key, err)
	}

	sub := &subscription{key: key, callbacks: cb}
	b.mu.Lock()
	b.subs[key] = sub
	b.mu.Unlock()

	feedSub, err := b.feed.Subscribe(ctx, TopicFor(t, owner), func(raw RawChange) {
		b.deliver(sub, raw)
	})
	if err != nil {
		b.mu.Lock()
		if b.subs[key] == sub {
			delete(b.subs, key)
		}
		b.mu.Unlock()
		return fmt.Errorf("failed to subscribe %s: %w", key, err)
	}

	b.mu.Lock()
	current := b.subs[key] == sub
	if current {
		sub.feedSub = feedSub
	}
	b.mu.Unlock()
	if !current {
		// Unsubscribed or replaced while the feed was still subscribing.
		if err := feedSub.Unsubscribe(ctx); err != nil {
			return fmt.Errorf("failed to drop superseded subscription %s: %w", key, err)
		}
		b.logger.Printf("Dropped superseded subscription %s", key)
		return nil
	}
	b.logger.Printf("Subscribed %s", key)
	return nil
}

// Unsubscribe tears down the subscription for (t, owner). It is a no-op
// when none exists. A subscription whose feed call is still in flight is
// torn down by its Subscribe once that call returns.
func (b *Bridge) Unsubscribe(ctx context.Context, t schema.EntityType, owner string) error {
	key := Key{EntityType: t, Owner: owner}
	b.mu.Lock()
	sub, ok := b.subs[key]
	var feedSub Subscription
	if ok {
		delete(b.subs, key)
		feedSub = sub.feedSub
	}
	b.mu.Unlock()
	if feedSub == nil {
		return nil
	}
	if err := feedSub.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("failed to unsubscribe %s: %w", key, err)
	}
	b.logger.Printf("Unsubscribed %s", key)
	return nil
}

// Active returns the current subscription keys, sorted.
func (b *Bridge) Active() []Key {
	b.mu.Lock()
	keys := make([]Key, 0, len(b.subs))
	for k := range b.subs {
		keys = append(keys, k)
	}
	b.mu.Unlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Close tears down every subscription.
func (b *Bridge) Close(ctx context.Context) error {
	var errs []error
	for _, k := range b.Active() {
		if err := b.Unsubscribe(ctx, k.EntityType, k.Owner); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) deliver(sub *subscription, raw RawChange) {
	b.mu.Lock()
	current := b.subs[sub.key] == sub
	b.mu.Unlock()
	if !current {
		return
	}

	change, err := Decode(sub.key.EntityType, raw)
	if err != nil {
		b.logger.Printf("WARNING: dropping %s change for %s: %v", raw.Type, sub.key, err)
		return
	}
	if change.Kind != KindDelete && change.Record.Owner() != sub.key.Owner {
		b.logger.Printf("WARNING: dropping %s change for foreign owner %q", sub.key, change.Record.Owner())
		return
	}

	cb := sub.callbacks
	switch change.Kind {
	case KindInsert:
		if cb.OnInsert != nil {
			cb.OnInsert(change.Record)
		}
	case KindUpdate:
		if cb.OnUpdate != nil {
			cb.OnUpdate(change.Record)
		}
	case KindDelete:
		if cb.OnDelete != nil {
			cb.OnDelete(change.ID)
		}
	}
}

// Decode turns a wire change into a typed Change for entity type t.
func Decode(t schema.EntityType, raw RawChange) (Change, error) {
	switch raw.Type {
	case "INSERT", "UPDATE":
		v, err := schema.Decode(t, raw.Record)
		if err != nil {
			return Change{}, err
		}
		if err := v.Validate(); err != nil {
			return Change{}, fmt.Errorf("invalid record: %w", err)
		}
		kind := KindInsert
		if raw.Type == "UPDATE" {
			kind = KindUpdate
		}
		return Change{Kind: kind, ID: v.ID(), Record: v}, nil
	case "DELETE":
		var old struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw.OldRecord, &old); err != nil {
			return Change{}, fmt.Errorf("malformed old_record: %w", err)
		}
		if old.ID == "" {
			return Change{}, fmt.Errorf("delete without id")
		}
		return Change{Kind: KindDelete, ID: old.ID}, nil
	}
	return Change{}, fmt.Errorf("unknown change type %q", raw.Type)
}
