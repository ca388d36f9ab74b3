package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType names a disjoint cache and queue partition.
type EntityType string

const (
	TypeTask     EntityType = "task"
	TypeExpense  EntityType = "expense"
	TypeReminder EntityType = "reminder"
)

// AllEntityTypes returns every entity type in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{TypeTask, TypeExpense, TypeReminder}
}

// ParseEntityType accepts the singular or table name of an entity type.
func ParseEntityType(s string) (EntityType, error) {
	switch s {
	case "task", "tasks":
		return TypeTask, nil
	case "expense", "expenses":
		return TypeExpense, nil
	case "reminder", "reminders":
		return TypeReminder, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	switch t {
	case TypeTask, TypeExpense, TypeReminder:
		return true
	}
	return false
}

// Table returns the remote table backing t.
func (t EntityType) Table() string {
	return string(t) + "s"
}

func (t EntityType) String() string {
	return string(t)
}

// SyncStatus tells whether a cached record matches the remote store.
type SyncStatus string

const (
	StatusSynced  SyncStatus = "synced"
	StatusPending SyncStatus = "pending"
)

// Flag returns the persisted form of the status (1 = synced).
func (s SyncStatus) Flag() int {
	if s == StatusSynced {
		return 1
	}
	return 0
}

// SyncStatusFromFlag is the inverse of Flag.
func SyncStatusFromFlag(flag int) SyncStatus {
	if flag == 1 {
		return StatusSynced
	}
	return StatusPending
}

// Entity is implemented by every cached record type.
type Entity interface {
	EntityID() string
	EntityOwner() string
	EntityType() EntityType
	Updated() time.Time
	Validate() error
}

// Record constrains generic code to the closed set of record types.
type Record interface {
	Task | Expense | Reminder
	Entity
}

// NewID returns a client-generated record id.
func NewID() string {
	return uuid.NewString()
}

// Prepare fills in identity and timestamps on a record about to be created.
// An empty id is replaced with a client-generated one; the owner is always
// overwritten so a record can never be created on behalf of someone else.
func Prepare[E Record](e E, owner string, now time.Time) E {
	switch r := any(&e).(type) {
	case *Task:
		if r.ID == "" {
			r.ID = NewID()
		}
		r.OwnerID = owner
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	case *Expense:
		if r.ID == "" {
			r.ID = NewID()
		}
		r.OwnerID = owner
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		if r.SpentAt.IsZero() {
			r.SpentAt = now
		}
		r.UpdatedAt = now
	case *Reminder:
		if r.ID == "" {
			r.ID = NewID()
		}
		r.OwnerID = owner
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
	}
	return e
}

// TypeOf returns the entity type handled by a generic record parameter.
func TypeOf[E Record]() EntityType {
	var zero E
	return zero.EntityType()
}

func requireIdentity(id, owner string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if owner == "" {
		return fmt.Errorf("owner_id is required")
	}
	return nil
}
