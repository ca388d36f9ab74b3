// Package queue implements the durable sync queue for writes made while the
// remote store is unreachable.
//
// Each entity type has its own FIFO. Operations survive restarts because they
// live in the same SQLite file as the cache, and an operation is only removed
// once its remote call succeeds (or the remote store rejects it outright).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// Kind is the write an operation replays.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Operation is one queued write.
type Operation struct {
	ID         string
	EntityType schema.EntityType
	Kind       Kind
	RecordID   string
	Record     schema.Variant // create only
	Patch      schema.Patch   // update only
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Validate checks that the operation carries what its kind needs.
func (op Operation) Validate() error {
	if !op.EntityType.Valid() {
		return fmt.Errorf("unknown entity type %q", op.EntityType)
	}
	switch op.Kind {
	case KindCreate:
		if err := op.Record.Validate(); err != nil {
			return fmt.Errorf("create needs a valid record: %w", err)
		}
		if op.Record.Type != op.EntityType {
			return fmt.Errorf("record type %s does not match queue %s", op.Record.Type, op.EntityType)
		}
	case KindUpdate:
		if op.RecordID == "" {
			return fmt.Errorf("update needs a record id")
		}
		if err := op.Patch.Validate(); err != nil {
			return err
		}
	case KindDelete:
		if op.RecordID == "" {
			return fmt.Errorf("delete needs a record id")
		}
	default:
		return fmt.Errorf("unknown operation kind %q", op.Kind)
	}
	return nil
}

// Executor replays one operation against the remote store. For create and
// update it may return the record as confirmed by the server.
type Executor func(ctx context.Context, op Operation) (schema.Variant, error)

// Failure pairs an operation with the error its replay produced.
type Failure struct {
	Op  Operation
	Err error
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	EntityType schema.EntityType
	Attempted  int
	Succeeded  int
	Failed     []Failure   // transient; still queued
	Rejected   []Failure   // permanent; removed from the queue
	Deferred   []Operation // behind a failed operation of the same record; still queued
}

// Err joins every failure of the pass, or returns nil.
func (r *DrainResult) Err() error {
	var errs []error
	for _, f := range r.Failed {
		errs = append(errs, fmt.Errorf("%s %s/%s: %w", f.Op.Kind, f.Op.EntityType, f.Op.RecordID, f.Err))
	}
	for _, f := range r.Rejected {
		errs = append(errs, fmt.Errorf("%s %s/%s: %w", f.Op.Kind, f.Op.EntityType, f.Op.RecordID, f.Err))
	}
	return errors.Join(errs...)
}

// Config holds queue settings.
type Config struct {
	// Logger for queue activity
	Logger *log.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger: log.New(os.Stderr, "[queue] ", log.LstdFlags),
		Clock:  time.Now,
	}
}

// Queue is the SQLite-backed sync queue.
type Queue struct {
	db     *db.DB
	cache  *cache.Store
	logger *log.Logger
	now    func() time.Time
}

// New creates a Queue sharing database with the cache store.
func New(database *db.DB, store *cache.Store, config *Config) *Queue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Queue{
		db:     database,
		cache:  store,
		logger: config.Logger,
		now:    config.Clock,
	}
}

// Enqueue appends op to its entity type's queue and marks the cached record
// pending. ID and EnqueuedAt are filled in when empty.
func (q *Queue) Enqueue(ctx context.Context, op Operation) (Operation, error) {
	if op.Kind == KindCreate && op.RecordID == "" {
		op.RecordID = op.Record.ID()
	}
	if err := op.Validate(); err != nil {
		return Operation{}, fmt.Errorf("invalid operation: %w: %w", syncerr.ErrInvalidInput, err)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = q.now()
	}

	row, err := toRow(op)
	if err != nil {
		return Operation{}, err
	}
	if _, err := q.db.InsertOpContext(ctx, row); err != nil {
		return Operation{}, err
	}

	if err := q.cache.SetSyncStatus(ctx, op.EntityType, op.RecordID, schema.StatusPending); err != nil {
		return Operation{}, err
	}

	q.logger.Printf("Queued %s %s/%s", op.Kind, op.EntityType, op.RecordID)
	return op, nil
}

// EnqueueCreate queues the creation of record.
func (q *Queue) EnqueueCreate(ctx context.Context, record schema.Variant) (Operation, error) {
	return q.Enqueue(ctx, Operation{EntityType: record.Type, Kind: KindCreate, RecordID: record.ID(), Record: record})
}

// EnqueueUpdate queues a partial update of record id.
func (q *Queue) EnqueueUpdate(ctx context.Context, t schema.EntityType, id string, patch schema.Patch) (Operation, error) {
	return q.Enqueue(ctx, Operation{EntityType: t, Kind: KindUpdate, RecordID: id, Patch: patch})
}

// EnqueueDelete queues the deletion of record id.
func (q *Queue) EnqueueDelete(ctx context.Context, t schema.EntityType, id string) (Operation, error) {
	return q.Enqueue(ctx, Operation{EntityType: t, Kind: KindDelete, RecordID: id})
}

// Pending returns the queued operations of t in FIFO order.
func (q *Queue) Pending(ctx context.Context, t schema.EntityType) ([]Operation, error) {
	rows, err := q.db.ListOpsContext(ctx, string(t))
	if err != nil {
		return nil, err
	}
	ops := make([]Operation, 0, len(rows))
	for _, row := range rows {
		op, err := fromRow(row)
		if err != nil {
			q.logger.Printf("WARNING: dropping unreadable queued operation %s: %v", row.OpID, err)
			if err := q.db.DeleteOpContext(ctx, row.OpID); err != nil {
				return nil, err
			}
			continue
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// PendingCount returns the number of queued operations of t.
func (q *Queue) PendingCount(ctx context.Context, t schema.EntityType) (int, error) {
	return q.db.CountOpsContext(ctx, string(t))
}

// Clear drops every queued operation of t without replaying it.
func (q *Queue) Clear(ctx context.Context, t schema.EntityType) (int, error) {
	return q.db.ClearOpsContext(ctx, string(t))
}

// Drain replays the queued operations of t in FIFO order.
//
// A failing operation does not stop the pass: transient failures stay queued
// with their attempt count bumped, rejected ones are removed. Once an
// operation fails transiently, the later operations of the same record are
// not executed in this pass and stay queued as Deferred; other records go
// on. Succeeded
// operations are removed and their cache entry is flipped to synced once no
// other operation for the same record remains. Failures are reported in the
// result only after the whole pass has run. The returned error is reserved
// for storage failures and cancellation.
func (q *Queue) Drain(ctx context.Context, t schema.EntityType, exec Executor) (*DrainResult, error) {
	result := &DrainResult{EntityType: t}

	ops, err := q.Pending(ctx, t)
	if err != nil {
		return result, err
	}
	if len(ops) == 0 {
		return result, nil
	}

	remaining := make(map[string]int)
	for _, op := range ops {
		remaining[op.RecordID]++
	}
	blocked := make(map[string]bool)

	for _, op := range ops {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if blocked[op.RecordID] {
			result.Deferred = append(result.Deferred, op)
			continue
		}

		result.Attempted++
		remaining[op.RecordID]--

		confirmed, execErr := exec(ctx, op)
		if execErr != nil {
			if syncerr.IsRetryable(execErr) {
				blocked[op.RecordID] = true
				result.Failed = append(result.Failed, Failure{Op: op, Err: execErr})
				q.logger.Printf("WARNING: %s %s/%s failed (attempt %d): %v", op.Kind, t, op.RecordID, op.Attempts+1, execErr)
				if err := q.db.RecordOpFailureContext(ctx, op.ID, execErr.Error()); err != nil {
					return result, err
				}
			} else {
				result.Rejected = append(result.Rejected, Failure{Op: op, Err: execErr})
				q.logger.Printf("WARNING: %s %s/%s rejected, dropping: %v", op.Kind, t, op.RecordID, execErr)
				if err := q.db.DeleteOpContext(ctx, op.ID); err != nil {
					return result, err
				}
				if remaining[op.RecordID] == 0 {
					if err := q.rollback(ctx, op); err != nil {
						return result, err
					}
				}
			}
			continue
		}

		if err := q.db.DeleteOpContext(ctx, op.ID); err != nil {
			return result, err
		}
		result.Succeeded++

		if err := q.settle(ctx, op, confirmed, remaining[op.RecordID] == 0); err != nil {
			return result, err
		}
	}

	q.logger.Printf("Drained %s: attempted=%d succeeded=%d failed=%d rejected=%d deferred=%d",
		t, result.Attempted, result.Succeeded, len(result.Failed), len(result.Rejected), len(result.Deferred))
	return result, nil
}

// settle brings the cache in line with a succeeded operation. last is true
// when no other operation for the record is still outstanding.
func (q *Queue) settle(ctx context.Context, op Operation, confirmed schema.Variant, last bool) error {
	if op.Kind == KindDelete {
		return q.cache.Delete(ctx, op.EntityType, op.RecordID)
	}
	if !last {
		return nil
	}

	if !confirmed.IsZero() && confirmed.Type == op.EntityType {
		if confirmed.ID() != op.RecordID {
			if err := q.cache.Delete(ctx, op.EntityType, op.RecordID); err != nil {
				return err
			}
		}
		entry := cache.NewEntry(confirmed, schema.StatusSynced)
		if err := q.cache.Put(ctx, entry); err != nil {
			if errors.Is(err, syncerr.ErrInvalidInput) {
				q.logger.Printf("WARNING: server returned invalid %s/%s: %v", op.EntityType, confirmed.ID(), err)
				return q.cache.SetSyncStatus(ctx, op.EntityType, op.RecordID, schema.StatusSynced)
			}
			return err
		}
		return nil
	}
	return q.cache.SetSyncStatus(ctx, op.EntityType, op.RecordID, schema.StatusSynced)
}

// rollback undoes the local effect of a rejected operation. A rejected create
// never reached the server, so its entry goes away. Otherwise the entry is
// marked synced so the next refresh replaces it with the server's copy.
func (q *Queue) rollback(ctx context.Context, op Operation) error {
	switch op.Kind {
	case KindCreate:
		return q.cache.Delete(ctx, op.EntityType, op.RecordID)
	case KindUpdate:
		return q.cache.SetSyncStatus(ctx, op.EntityType, op.RecordID, schema.StatusSynced)
	}
	return nil
}

func toRow(op Operation) (*db.OpRow, error) {
	var payload []byte
	var err error
	switch op.Kind {
	case KindCreate:
		payload, err = json.Marshal(op.Record)
	case KindUpdate:
		payload, err = json.Marshal(op.Patch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", op.Kind, err)
	}
	return &db.OpRow{
		OpID:       op.ID,
		EntityType: string(op.EntityType),
		Kind:       string(op.Kind),
		RecordID:   op.RecordID,
		Payload:    payload,
		EnqueuedAt: op.EnqueuedAt,
		Attempts:   op.Attempts,
		LastError:  op.LastError,
	}, nil
}

func fromRow(row *db.OpRow) (Operation, error) {
	t, err := schema.ParseEntityType(row.EntityType)
	if err != nil {
		return Operation{}, err
	}
	op := Operation{
		ID:         row.OpID,
		EntityType: t,
		Kind:       Kind(row.Kind),
		RecordID:   row.RecordID,
		EnqueuedAt: row.EnqueuedAt,
		Attempts:   row.Attempts,
		LastError:  row.LastError,
	}
	switch op.Kind {
	case KindCreate:
		if err := json.Unmarshal(row.Payload, &op.Record); err != nil {
			return Operation{}, fmt.Errorf("failed to decode create payload: %w", err)
		}
	case KindUpdate:
		if err := json.Unmarshal(row.Payload, &op.Patch); err != nil {
			return Operation{}, fmt.Errorf("failed to decode update payload: %w", err)
		}
	}
	return op, nil
}
