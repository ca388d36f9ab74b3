package schema

import (
	"fmt"
	"time"
)

// Task is a to-do item.
type Task struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Priority    int        `json:"priority"` // 0 (highest) to 4
	Completed   bool       `json:"completed"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (t Task) EntityID() string       { return t.ID }
func (t Task) EntityOwner() string    { return t.OwnerID }
func (t Task) EntityType() EntityType { return TypeTask }
func (t Task) Updated() time.Time     { return t.UpdatedAt }

// Validate checks if the Task has valid field values.
func (t Task) Validate() error {
	if err := requireIdentity(t.ID, t.OwnerID); err != nil {
		return err
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	return nil
}

// Overdue reports whether an open task is past its due time.
func (t Task) Overdue(now time.Time) bool {
	return !t.Completed && t.DueAt != nil && t.DueAt.Before(now)
}
