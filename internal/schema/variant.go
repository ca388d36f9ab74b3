package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variant is a tagged union over the cached record types. Exactly one of the
// pointers matching Type is set on a valid Variant.
type Variant struct {
	Type     EntityType
	Task     *Task
	Expense  *Expense
	Reminder *Reminder
}

// Envelope pairs a record with its sync metadata.
type Envelope struct {
	SyncStatus SyncStatus `json:"sync_status"`
	Payload    Variant    `json:"payload"`
}

// Wrap builds a Variant from any record value or pointer.
func Wrap(e Entity) Variant {
	switch r := e.(type) {
	case Task:
		return Variant{Type: TypeTask, Task: &r}
	case *Task:
		c := *r
		return Variant{Type: TypeTask, Task: &c}
	case Expense:
		return Variant{Type: TypeExpense, Expense: &r}
	case *Expense:
		c := *r
		return Variant{Type: TypeExpense, Expense: &c}
	case Reminder:
		return Variant{Type: TypeReminder, Reminder: &r}
	case *Reminder:
		c := *r
		return Variant{Type: TypeReminder, Reminder: &c}
	}
	return Variant{}
}

// Entity returns the wrapped record, or nil for an empty Variant.
func (v Variant) Entity() Entity {
	switch v.Type {
	case TypeTask:
		if v.Task != nil {
			return *v.Task
		}
	case TypeExpense:
		if v.Expense != nil {
			return *v.Expense
		}
	case TypeReminder:
		if v.Reminder != nil {
			return *v.Reminder
		}
	}
	return nil
}

// IsZero reports whether the Variant carries no record.
func (v Variant) IsZero() bool {
	return v.Entity() == nil
}

func (v Variant) ID() string {
	if e := v.Entity(); e != nil {
		return e.EntityID()
	}
	return ""
}

func (v Variant) Owner() string {
	if e := v.Entity(); e != nil {
		return e.EntityOwner()
	}
	return ""
}

func (v Variant) UpdatedAt() time.Time {
	if e := v.Entity(); e != nil {
		return e.Updated()
	}
	return time.Time{}
}

// Validate checks the tag and the wrapped record.
func (v Variant) Validate() error {
	e := v.Entity()
	if e == nil {
		return fmt.Errorf("variant %q carries no record", v.Type)
	}
	return e.Validate()
}

// Data returns the record encoded with the remote table field names.
func (v Variant) Data() ([]byte, error) {
	e := v.Entity()
	if e == nil {
		return nil, fmt.Errorf("variant %q carries no record", v.Type)
	}
	return json.Marshal(e)
}

type variantJSON struct {
	Type EntityType      `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (v Variant) MarshalJSON() ([]byte, error) {
	data, err := v.Data()
	if err != nil {
		return nil, err
	}
	return json.Marshal(variantJSON{Type: v.Type, Data: data})
}

func (v *Variant) UnmarshalJSON(b []byte) error {
	var raw variantJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	decoded, err := Decode(raw.Type, raw.Data)
	if err != nil {
		return err
	}
	*v = decoded
	return nil
}

// Decode parses a record of type t from its table encoding.
func Decode(t EntityType, data []byte) (Variant, error) {
	switch t {
	case TypeTask:
		var r Task
		if err := json.Unmarshal(data, &r); err != nil {
			return Variant{}, fmt.Errorf("failed to decode task: %w", err)
		}
		return Variant{Type: t, Task: &r}, nil
	case TypeExpense:
		var r Expense
		if err := json.Unmarshal(data, &r); err != nil {
			return Variant{}, fmt.Errorf("failed to decode expense: %w", err)
		}
		return Variant{Type: t, Expense: &r}, nil
	case TypeReminder:
		var r Reminder
		if err := json.Unmarshal(data, &r); err != nil {
			return Variant{}, fmt.Errorf("failed to decode reminder: %w", err)
		}
		return Variant{Type: t, Reminder: &r}, nil
	}
	return Variant{}, fmt.Errorf("unknown entity type %q", t)
}

// As unwraps a Variant into the concrete record type E.
func As[E Record](v Variant) (E, error) {
	var zero E
	e, ok := v.Entity().(E)
	if !ok {
		return zero, fmt.Errorf("variant holds %q, not %q", v.Type, zero.EntityType())
	}
	return e, nil
}
