package events

import (
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

type countingObserver struct {
	mu        sync.Mutex
	published map[string]int
	dropped   map[string]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{published: map[string]int{}, dropped: map[string]int{}}
}

func (o *countingObserver) EventPublished(kind string) {
	o.mu.Lock()
	o.published[kind]++
	o.mu.Unlock()
}

func (o *countingObserver) EventDropped(kind string) {
	o.mu.Lock()
	o.dropped[kind]++
	o.mu.Unlock()
}

func quietBus(obs Observer) *Bus {
	return NewBus(log.New(io.Discard, "", 0), obs)
}

func recv(t *testing.T, ch <-chan SyncEvent) SyncEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return SyncEvent{}
}

func TestBus_FiltersByType(t *testing.T) {
	bus := quietBus(nil)
	defer bus.Close()

	all, cancelAll := bus.Subscribe(4)
	defer cancelAll()
	tasks, cancelTasks := bus.Subscribe(4, schema.TypeTask)
	defer cancelTasks()

	bus.Publish(SyncEvent{Kind: KindSyncCompleted, EntityType: schema.TypeExpense})
	bus.Publish(SyncEvent{Kind: KindCacheUpdateRequired, EntityType: schema.TypeTask})

	if ev := recv(t, all); ev.EntityType != schema.TypeExpense {
		t.Errorf("Expected expense event first, got %v", ev)
	}
	if ev := recv(t, all); ev.Kind != KindCacheUpdateRequired {
		t.Errorf("Expected cache_update_required, got %v", ev)
	}

	ev := recv(t, tasks)
	if ev.EntityType != schema.TypeTask || ev.Kind != KindCacheUpdateRequired {
		t.Errorf("Unexpected task event %v", ev)
	}
	if ev.At.IsZero() {
		t.Error("Expected At to be stamped")
	}
	select {
	case extra := <-tasks:
		t.Errorf("Task subscriber received foreign event %v", extra)
	default:
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	obs := newCountingObserver()
	bus := quietBus(obs)
	defer bus.Close()

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		bus.Publish(SyncEvent{Kind: KindSyncCompleted, EntityType: schema.TypeTask})
	}

	if got := bus.Dropped(); got != 2 {
		t.Errorf("Expected 2 dropped, got %d", got)
	}
	if obs.published["sync_completed"] != 3 || obs.dropped["sync_completed"] != 2 {
		t.Errorf("Unexpected observer counts: published=%v dropped=%v", obs.published, obs.dropped)
	}
	recv(t, ch)
}

func TestBus_RejectsUnknownKind(t *testing.T) {
	obs := newCountingObserver()
	bus := quietBus(obs)
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(SyncEvent{Kind: "tables_changed"})

	select {
	case ev := <-ch:
		t.Errorf("Unknown kind delivered: %v", ev)
	default:
	}
	if len(obs.published) != 0 {
		t.Errorf("Unknown kind counted: %v", obs.published)
	}
}

func TestBus_CancelAndClose(t *testing.T) {
	bus := quietBus(nil)

	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent
	if _, ok := <-ch; ok {
		t.Error("Expected closed channel after cancel")
	}

	other, cancelOther := bus.Subscribe(1)
	bus.Close()
	bus.Close()
	if _, ok := <-other; ok {
		t.Error("Expected closed channel after Close")
	}
	cancelOther() // after Close, must not double-close

	bus.Publish(SyncEvent{Kind: KindSyncCompleted}) // ignored, must not panic

	late, _ := bus.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("Subscribe on closed bus should return a closed channel")
	}
}

func TestKind_Valid(t *testing.T) {
	tests := []struct {
		kind Kind
		want bool
	}{
		{KindSyncCompleted, true},
		{KindCacheUpdateRequired, true},
		{KindSyncFailed, true},
		{KindStateChanged, true},
		{"", false},
		{"sync", false},
	}
	for _, tt := range tests {
		if got := tt.kind.Valid(); got != tt.want {
			t.Errorf("Kind(%q).Valid() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
