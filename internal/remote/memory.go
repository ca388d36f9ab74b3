package remote

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// Memory is an in-process Repository. Rows are kept in insertion order.
type Memory struct {
	mu         sync.Mutex
	entityType schema.EntityType
	rows       []schema.Variant
	now        func() time.Time
	err        error
	calls      map[string]int
}

// NewMemory creates an empty in-memory repository for t.
func NewMemory(t schema.EntityType) *Memory {
	return &Memory{entityType: t, now: time.Now, calls: make(map[string]int)}
}

// Seed stores records as if they had been created remotely.
func (m *Memory) Seed(records ...schema.Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, records...)
}

// FailWith makes every following call return err. nil restores normal
// behaviour.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetClock overrides the time source used to stamp updated_at.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Calls returns how many times op ("list", "create", "update", "delete")
// was invoked, failed calls included.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// Records returns a copy of every stored row.
func (m *Memory) Records() []schema.Variant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]schema.Variant(nil), m.rows...)
}

func (m *Memory) EntityType() schema.EntityType { return m.entityType }

func (m *Memory) enter(op string) error {
	m.calls[op]++
	return m.err
}

func (m *Memory) find(id string) int {
	for i, row := range m.rows {
		if row.ID() == id {
			return i
		}
	}
	return -1
}

func (m *Memory) GetAll(ctx context.Context, owner string) ([]schema.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("list"); err != nil {
		return nil, err
	}
	var out []schema.Variant
	for _, row := range m.rows {
		if row.Owner() == owner {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *Memory) Create(ctx context.Context, record schema.Variant) (schema.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("create"); err != nil {
		return schema.Variant{}, err
	}
	op := "create " + m.entityType.Table()
	if record.Type != m.entityType {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusBadRequest, Message: "wrong table"}
	}
	if err := record.Validate(); err != nil {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusBadRequest, Code: "23514", Message: err.Error()}
	}
	if m.find(record.ID()) >= 0 {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusConflict, Code: "23505", Message: "duplicate key value violates unique constraint"}
	}

	stored, err := schema.PatchVariant(record, schema.Patch{}.WithUpdatedAt(m.now()))
	if err != nil {
		return schema.Variant{}, err
	}
	m.rows = append(m.rows, stored)
	return stored, nil
}

func (m *Memory) Update(ctx context.Context, id string, patch schema.Patch) (schema.Variant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("update"); err != nil {
		return schema.Variant{}, err
	}
	op := "update " + m.entityType.Table()
	i := m.find(id)
	if i < 0 {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusNotFound, Code: "PGRST116", Message: "no rows matched"}
	}
	if err := patch.Validate(); err != nil {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusBadRequest, Message: err.Error()}
	}
	updated, err := schema.PatchVariant(m.rows[i], patch.WithUpdatedAt(m.now()))
	if err != nil {
		return schema.Variant{}, &syncerr.RemoteError{Op: op, StatusCode: http.StatusBadRequest, Code: "23514", Message: err.Error()}
	}
	m.rows[i] = updated
	return updated, nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("delete"); err != nil {
		return err
	}
	if i := m.find(id); i >= 0 {
		m.rows = append(m.rows[:i], m.rows[i+1:]...)
	}
	return nil
}

// MemoryBackend is a Backend made of Memory repositories.
type MemoryBackend struct {
	mu    sync.Mutex
	repos map[schema.EntityType]*Memory
}

// NewMemoryBackend creates a backend with one empty repository per type.
func NewMemoryBackend() *MemoryBackend {
	b := &MemoryBackend{repos: make(map[schema.EntityType]*Memory)}
	for _, t := range schema.AllEntityTypes() {
		b.repos[t] = NewMemory(t)
	}
	return b
}

// Repository implements Backend.
func (b *MemoryBackend) Repository(t schema.EntityType) Repository {
	return b.Memory(t)
}

// Memory returns the concrete repository for t.
func (b *MemoryBackend) Memory(t schema.EntityType) *Memory {
	b.mu.Lock()
	defer b.mu.Unlock()
	repo, ok := b.repos[t]
	if !ok {
		panic(fmt.Sprintf("remote: unknown entity type %q", t))
	}
	return repo
}
