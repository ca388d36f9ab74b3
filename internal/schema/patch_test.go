package schema

import (
	"testing"
	"time"
)

func TestApplyPatch(t *testing.T) {
	task := Task{ID: "7", OwnerID: "u1", Title: "Buy milk", Priority: 2}

	got, err := ApplyPatch(task, Patch{"completed": true, "priority": 0})
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if !got.Completed || got.Priority != 0 {
		t.Errorf("patched = %+v", got)
	}
	if got.Title != "Buy milk" {
		t.Errorf("untouched field changed: %q", got.Title)
	}
	if task.Completed {
		t.Error("ApplyPatch mutated its input")
	}
}

func TestApplyPatch_Rejects(t *testing.T) {
	task := Task{ID: "7", OwnerID: "u1", Title: "Buy milk"}

	tests := []struct {
		name  string
		patch Patch
	}{
		{"empty", Patch{}},
		{"id", Patch{"id": "8"}},
		{"owner", Patch{"owner_id": "u2"}},
		{"invalid result", Patch{"title": ""}},
		{"wrong type", Patch{"priority": "high"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ApplyPatch(task, tt.patch); err == nil {
				t.Errorf("ApplyPatch(%v) expected error", tt.patch)
			}
		})
	}
}

func TestPatch_WithUpdatedAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	p := Patch{"title": "x"}
	stamped := p.WithUpdatedAt(now)

	if _, ok := p["updated_at"]; ok {
		t.Error("WithUpdatedAt mutated the receiver")
	}

	got, err := ApplyPatch(Task{ID: "1", OwnerID: "u", Title: "a"}, stamped)
	if err != nil {
		t.Fatalf("ApplyPatch failed: %v", err)
	}
	if !got.UpdatedAt.Equal(now) {
		t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, now)
	}
}
