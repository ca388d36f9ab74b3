// Package events carries sync notifications from the coordinators to
// whoever observes them: other coordinators, the CLI and websocket clients.
//
// Events are a closed set of kinds. The Bus never blocks a publisher: a
// subscriber whose buffer is full misses the event and the drop is counted.
package events

import (
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Kind is the type of a SyncEvent.
type Kind string

const (
	// KindSyncCompleted follows every drain pass while online
	KindSyncCompleted Kind = "sync_completed"

	// KindCacheUpdateRequired asks the coordinator of a type to reload
	KindCacheUpdateRequired Kind = "cache_update_required"

	// KindSyncFailed reports operations a drain pass could not replay
	KindSyncFailed Kind = "sync_failed"

	// KindStateChanged reports a coordinator state transition
	KindStateChanged Kind = "state_changed"
)

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindSyncCompleted, KindCacheUpdateRequired, KindSyncFailed, KindStateChanged:
		return true
	}
	return false
}

// SyncEvent is one notification.
type SyncEvent struct {
	Kind       Kind              `json:"type"`
	EntityType schema.EntityType `json:"entity_type"`
	Owner      string            `json:"owner,omitempty"`
	State      string            `json:"state,omitempty"`
	Pending    int               `json:"pending"`
	Err        string            `json:"error,omitempty"`
	At         time.Time         `json:"at"`
}

func (e SyncEvent) String() string {
	s := fmt.Sprintf("%s %s", e.Kind, e.EntityType)
	if e.State != "" {
		s += " state=" + e.State
	}
	if e.Err != "" {
		s += " err=" + e.Err
	}
	return s
}

// Observer is notified of bus traffic, e.g. for metrics.
type Observer interface {
	EventPublished(kind string)
	EventDropped(kind string)
}

type subscriber struct {
	ch    chan SyncEvent
	types map[schema.EntityType]bool // nil means every type
}

func (s *subscriber) wants(t schema.EntityType) bool {
	return s.types == nil || s.types[t]
}

// Bus fans events out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[int]*subscriber
	nextID   int
	closed   bool
	dropped  atomic.Uint64
	logger   *log.Logger
	observer Observer
	now      func() time.Time
}

// NewBus creates an empty bus. observer may be nil.
func NewBus(logger *log.Logger, observer Observer) *Bus {
	if logger == nil {
		logger = log.New(os.Stderr, "[events] ", log.LstdFlags)
	}
	return &Bus{
		subs:     make(map[int]*subscriber),
		logger:   logger,
		observer: observer,
		now:      time.Now,
	}
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev SyncEvent) {
	if !ev.Kind.Valid() {
		b.logger.Printf("WARNING: refusing event of unknown kind %q", ev.Kind)
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	if b.observer != nil {
		b.observer.EventPublished(string(ev.Kind))
	}
	for _, sub := range b.subs {
		if !sub.wants(ev.EntityType) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			if b.observer != nil {
				b.observer.EventDropped(string(ev.Kind))
			}
		}
	}
}

// Subscribe returns a channel receiving events for the given entity types
// (all types when none are given) and a cancel func that closes it.
func (b *Bus) Subscribe(buffer int, types ...schema.EntityType) (<-chan SyncEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{ch: make(chan SyncEvent, buffer)}
	if len(types) > 0 {
		sub.types = make(map[schema.EntityType]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
}

// Dropped returns how many deliveries were skipped on full subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}
