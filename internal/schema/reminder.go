package schema

import (
	"fmt"
	"time"
)

// Reminder fires a notification at RemindAt. Delivery is handled elsewhere;
// the cache only tracks the record.
type Reminder struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	Notes     string    `json:"notes,omitempty"`
	RemindAt  time.Time `json:"remind_at"`
	Done      bool      `json:"done"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r Reminder) EntityID() string       { return r.ID }
func (r Reminder) EntityOwner() string    { return r.OwnerID }
func (r Reminder) EntityType() EntityType { return TypeReminder }
func (r Reminder) Updated() time.Time     { return r.UpdatedAt }

func (r Reminder) Validate() error {
	if err := requireIdentity(r.ID, r.OwnerID); err != nil {
		return err
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if r.RemindAt.IsZero() {
		return fmt.Errorf("remind_at is required")
	}
	return nil
}

// Due reports whether the reminder should fire at now.
func (r Reminder) Due(now time.Time) bool {
	return !r.Done && !r.RemindAt.After(now)
}
