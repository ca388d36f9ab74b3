package realtime_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"

	"github.com/mschirtzinger/offlinesync/internal/realtime"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// replayFeed delivers a fixed list of changes as soon as a topic is joined.
type replayFeed []realtime.RawChange

func (f replayFeed) Subscribe(ctx context.Context, topic realtime.Topic, handler func(realtime.RawChange)) (realtime.Subscription, error) {
	for _, rc := range f {
		handler(rc)
	}
	return noopSub{}, nil
}

type noopSub struct{}

func (noopSub) Unsubscribe(context.Context) error { return nil }

// Example subscribes to a user's reminders and prints each change.
func Example() {
	feed := replayFeed{
		{Type: "INSERT", Record: json.RawMessage(`{"id":"r1","owner_id":"u1","title":"Call mom","remind_at":"2026-05-01T18:00:00Z"}`)},
		{Type: "DELETE", OldRecord: json.RawMessage(`{"id":"r1"}`)},
	}
	bridge := realtime.NewBridge(feed, log.New(io.Discard, "", 0))

	err := bridge.Subscribe(context.Background(), schema.TypeReminder, "u1", realtime.Callbacks{
		OnInsert: func(v schema.Variant) { fmt.Println("insert", v.ID(), v.Reminder.Title) },
		OnDelete: func(id string) { fmt.Println("delete", id) },
	})
	if err != nil {
		fmt.Println("subscribe:", err)
		return
	}
	fmt.Println("active:", bridge.Active())

	// Output:
	// insert r1 Call mom
	// delete r1
	// active: [reminder/u1]
}
