package schema

import (
	"fmt"
	"math"
	"time"
)

// Expense is a single spending record.
type Expense struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Item      string    `json:"item"`
	Amount    float64   `json:"amount"`
	Category  string    `json:"category,omitempty"`
	SpentAt   time.Time `json:"spent_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Expense) EntityID() string       { return e.ID }
func (e Expense) EntityOwner() string    { return e.OwnerID }
func (e Expense) EntityType() EntityType { return TypeExpense }
func (e Expense) Updated() time.Time     { return e.UpdatedAt }

func (e Expense) Validate() error {
	if err := requireIdentity(e.ID, e.OwnerID); err != nil {
		return err
	}
	if e.Item == "" {
		return fmt.Errorf("item is required")
	}
	if e.Amount < 0 || math.IsNaN(e.Amount) || math.IsInf(e.Amount, 0) {
		return fmt.Errorf("amount must be a non-negative number (got %v)", e.Amount)
	}
	return nil
}
