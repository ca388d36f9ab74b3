package schema

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestVariant_JSON(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	v := Wrap(Expense{ID: "e1", OwnerID: "u1", Item: "Coffee", Amount: 4.5, SpentAt: now})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"type":"expense"`) {
		t.Errorf("missing type tag: %s", data)
	}

	var back Variant
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	exp, err := As[Expense](back)
	if err != nil {
		t.Fatalf("As failed: %v", err)
	}
	if exp.Item != "Coffee" || exp.Amount != 4.5 || !exp.SpentAt.Equal(now) {
		t.Errorf("decoded = %+v", exp)
	}
}

func TestVariant_AsWrongType(t *testing.T) {
	v := Wrap(Task{ID: "t1", OwnerID: "u1", Title: "x"})
	if _, err := As[Reminder](v); err == nil {
		t.Error("As[Reminder] on a task variant should fail")
	}
}

func TestVariant_Zero(t *testing.T) {
	var v Variant
	if !v.IsZero() {
		t.Error("zero Variant should report IsZero")
	}
	if v.ID() != "" || v.Owner() != "" {
		t.Error("zero Variant should have empty identity")
	}
	if _, err := json.Marshal(v); err == nil {
		t.Error("marshalling an empty Variant should fail")
	}
}

func TestWrapPointerCopies(t *testing.T) {
	task := &Task{ID: "t1", OwnerID: "u1", Title: "before"}
	v := Wrap(task)
	task.Title = "after"
	if v.Task.Title != "before" {
		t.Errorf("Wrap kept a reference to the caller's record")
	}
}

func TestDecodeRemoteRow(t *testing.T) {
	row := []byte(`{"id":"r1","owner_id":"u1","title":"Pay rent","remind_at":"2026-04-01T08:00:00+00:00","done":false,"created_at":"2026-03-01T08:00:00.123456+00:00","updated_at":"2026-03-01T08:00:00.123456+00:00"}`)
	v, err := Decode(TypeReminder, row)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if v.ID() != "r1" || v.Owner() != "u1" {
		t.Errorf("identity = %s/%s", v.ID(), v.Owner())
	}
	if err := v.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestEnvelope_JSON(t *testing.T) {
	env := Envelope{
		SyncStatus: StatusPending,
		Payload:    Wrap(Task{ID: "t1", OwnerID: "u1", Title: "x"}),
	}
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var back Envelope
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.SyncStatus != StatusPending || back.Payload.ID() != "t1" {
		t.Errorf("round trip = %+v", back)
	}
}
