// Package cache implements the local record cache for tasks, expenses and
// reminders.
//
// Each entity type is a disjoint partition. Entries are keyed by (entity type,
// id), remember which owner they belong to and when they were cached, and carry
// a sync status telling whether the record still has a write waiting in the
// sync queue. The store also tracks cache health: staleness, expiry, size, and
// when eviction last ran.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/schema"
	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// Entry is a cached record plus its cache metadata.
type Entry struct {
	Owner    string
	CachedAt time.Time
	schema.Envelope
}

// ID returns the record id.
func (e Entry) ID() string { return e.Payload.ID() }

// Type returns the partition the entry lives in.
func (e Entry) Type() schema.EntityType { return e.Payload.Type }

// NewEntry wraps a record for caching. The owner is taken from the record.
func NewEntry(v schema.Variant, status schema.SyncStatus) Entry {
	return Entry{
		Owner:    v.Owner(),
		Envelope: schema.Envelope{SyncStatus: status, Payload: v},
	}
}

// Config holds cache policy settings.
type Config struct {
	// Expiry is the per-type age after which an entry counts as expired in
	// the health score. Types without a value use DefaultExpiry.
	Expiry map[schema.EntityType]time.Duration

	// DefaultExpiry applies to types missing from Expiry.
	DefaultExpiry time.Duration

	// StaleAfter is the fixed age used for the stale count in the health
	// score. It is independent of the maxAge callers pass to IsStale.
	StaleAfter time.Duration

	// MaintenanceInterval is how long the cache may go without a
	// maintenance run before MaintenanceNeeded reports true.
	MaintenanceInterval time.Duration

	// Logger for cache activity
	Logger *log.Logger

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Expiry:              map[schema.EntityType]time.Duration{},
		DefaultExpiry:       24 * time.Hour,
		StaleAfter:          time.Hour,
		MaintenanceInterval: 24 * time.Hour,
		Logger:              log.New(os.Stderr, "[cache] ", log.LstdFlags),
		Clock:               time.Now,
	}
}

// Store is the SQLite-backed cache.
type Store struct {
	db     *db.DB
	config *Config
	logger *log.Logger
	now    func() time.Time
}

// New creates a Store on an initialized database.
//
// If config is nil, DefaultConfig() is used.
func New(database *db.DB, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	defaults := DefaultConfig()
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.DefaultExpiry <= 0 {
		config.DefaultExpiry = defaults.DefaultExpiry
	}
	if config.MaintenanceInterval <= 0 {
		config.MaintenanceInterval = defaults.MaintenanceInterval
	}
	return &Store{
		db:     database,
		config: config,
		logger: config.Logger,
		now:    config.Clock,
	}
}

// Put upserts one entry. CachedAt is stamped with the current time when unset.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	row, err := s.toRow(entry)
	if err != nil {
		return err
	}
	return s.db.UpsertEntryContext(ctx, row)
}

// PutAll upserts entries in slice order within one transaction.
func (s *Store) PutAll(ctx context.Context, entries []Entry) error {
	rows := make([]*db.EntryRow, 0, len(entries))
	for _, e := range entries {
		row, err := s.toRow(e)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.db.UpsertEntriesContext(ctx, rows)
}

// Get returns one entry or an error wrapping syncerr.ErrNotFound.
func (s *Store) Get(ctx context.Context, t schema.EntityType, id string) (Entry, error) {
	row, err := s.db.GetEntryContext(ctx, string(t), id)
	if err != nil {
		return Entry{}, err
	}
	entry, err := s.fromRow(row)
	if err != nil {
		s.dropCorrupt(ctx, row, err)
		return Entry{}, fmt.Errorf("entry %s/%s: %w", t, id, syncerr.ErrNotFound)
	}
	return entry, nil
}

// GetAll returns every entry for owner across all entity types, in
// insertion order.
func (s *Store) GetAll(ctx context.Context, owner string) ([]Entry, error) {
	return s.list(ctx, db.EntryFilter{OwnerID: owner})
}

// GetAllByType returns owner's entries of one type, in insertion order.
func (s *Store) GetAllByType(ctx context.Context, owner string, t schema.EntityType) ([]Entry, error) {
	return s.list(ctx, db.EntryFilter{OwnerID: owner, EntityType: string(t)})
}

// Update merges patch into the cached record and returns the new entry.
// The sync status is preserved; callers that queue the change mark it pending.
func (s *Store) Update(ctx context.Context, t schema.EntityType, id string, patch schema.Patch) (Entry, error) {
	entry, err := s.Get(ctx, t, id)
	if err != nil {
		return Entry{}, err
	}

	merged, err := schema.PatchVariant(entry.Payload, patch)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to update %s/%s: %w: %w", t, id, syncerr.ErrInvalidInput, err)
	}

	entry.Payload = merged
	entry.CachedAt = s.now()
	if err := s.Put(ctx, entry); err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// Delete removes an entry. Deleting an absent id is a no-op.
func (s *Store) Delete(ctx context.Context, t schema.EntityType, id string) error {
	return s.db.DeleteEntryContext(ctx, string(t), id)
}

// ReplacePartition makes records the synced contents of owner's partition.
// Entries with a pending local change are kept as they are.
func (s *Store) ReplacePartition(ctx context.Context, owner string, t schema.EntityType, records []schema.Variant) error {
	rows := make([]*db.EntryRow, 0, len(records))
	for _, v := range records {
		if v.Type != t {
			return fmt.Errorf("record %s has type %s, partition is %s: %w", v.ID(), v.Type, t, syncerr.ErrInvalidInput)
		}
		entry := NewEntry(v, schema.StatusSynced)
		entry.Owner = owner
		row, err := s.toRow(entry)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.db.ReplacePartitionContext(ctx, string(t), owner, rows)
}

// SetSyncStatus flips the sync status of an entry. Missing entries are ignored.
func (s *Store) SetSyncStatus(ctx context.Context, t schema.EntityType, id string, status schema.SyncStatus) error {
	return s.db.SetSyncedContext(ctx, string(t), id, status == schema.StatusSynced)
}

// ClearOwner removes all of owner's entries.
func (s *Store) ClearOwner(ctx context.Context, owner string) error {
	return s.db.DeleteOwnerContext(ctx, owner)
}

func (s *Store) list(ctx context.Context, filter db.EntryFilter) ([]Entry, error) {
	rows, err := s.db.ListEntriesContext(ctx, filter)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		entry, err := s.fromRow(row)
		if err != nil {
			s.dropCorrupt(ctx, row, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// dropCorrupt removes an unreadable entry. Corruption is never fatal.
func (s *Store) dropCorrupt(ctx context.Context, row *db.EntryRow, cause error) {
	s.logger.Printf("WARNING: dropping corrupt entry %s/%s: %v", row.EntityType, row.ID, cause)
	if err := s.db.DeleteEntryContext(ctx, row.EntityType, row.ID); err != nil {
		s.logger.Printf("WARNING: failed to drop corrupt entry %s/%s: %v", row.EntityType, row.ID, err)
	}
}

func (s *Store) toRow(entry Entry) (*db.EntryRow, error) {
	if err := entry.Payload.Validate(); err != nil {
		return nil, fmt.Errorf("invalid entry: %w: %w", syncerr.ErrInvalidInput, err)
	}
	payload, err := entry.Payload.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode entry: %w", err)
	}

	owner := entry.Owner
	if owner == "" {
		owner = entry.Payload.Owner()
	}
	cachedAt := entry.CachedAt
	if cachedAt.IsZero() {
		cachedAt = s.now()
	}
	status := entry.SyncStatus
	if status == "" {
		status = schema.StatusSynced
	}

	return &db.EntryRow{
		EntityType: string(entry.Payload.Type),
		ID:         entry.Payload.ID(),
		OwnerID:    owner,
		Payload:    payload,
		CachedAt:   cachedAt,
		Synced:     status == schema.StatusSynced,
	}, nil
}

func (s *Store) fromRow(row *db.EntryRow) (Entry, error) {
	t, err := schema.ParseEntityType(row.EntityType)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", syncerr.ErrCacheCorrupt, err)
	}
	v, err := schema.Decode(t, row.Payload)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: %w", syncerr.ErrCacheCorrupt, err)
	}
	if v.ID() != row.ID {
		return Entry{}, fmt.Errorf("%w: payload id %q does not match key %q", syncerr.ErrCacheCorrupt, v.ID(), row.ID)
	}
	status := schema.StatusPending
	if row.Synced {
		status = schema.StatusSynced
	}
	return Entry{
		Owner:    row.OwnerID,
		CachedAt: row.CachedAt,
		Envelope: schema.Envelope{SyncStatus: status, Payload: v},
	}, nil
}

// IsNotFound reports whether err means the entry does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, syncerr.ErrNotFound)
}
