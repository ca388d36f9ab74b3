package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// EntryRow is one row of cache_entries.
type EntryRow struct {
	Seq        int64
	EntityType string
	ID         string
	OwnerID    string
	Payload    []byte
	CachedAt   time.Time
	Synced     bool
}

// EntryFilter narrows ListEntries. Empty fields match everything.
type EntryFilter struct {
	EntityType string
	OwnerID    string
}

const upsertEntrySQL = `
	INSERT INTO cache_entries (entity_type, id, owner_id, payload, cached_at, synced)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(entity_type, id) DO UPDATE SET
		owner_id = excluded.owner_id,
		payload = excluded.payload,
		cached_at = excluded.cached_at,
		synced = excluded.synced
	`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertEntry(ctx context.Context, ex execer, row *EntryRow) error {
	if row.EntityType == "" || row.ID == "" {
		return fmt.Errorf("entity type and id are required: %w", syncerr.ErrInvalidInput)
	}
	synced := 0
	if row.Synced {
		synced = 1
	}
	_, err := ex.ExecContext(ctx, upsertEntrySQL,
		row.EntityType,
		row.ID,
		row.OwnerID,
		string(row.Payload),
		toUnix(row.CachedAt),
		synced,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entry %s/%s: %w", row.EntityType, row.ID, err)
	}
	return nil
}

// UpsertEntry inserts or replaces a cache entry.
//
// A replaced entry keeps its original sequence number, so insertion order is
// the order in which each (entity_type, id) was first cached.
func (db *DB) UpsertEntry(row *EntryRow) error {
	return db.UpsertEntryContext(context.Background(), row)
}

// UpsertEntryContext inserts or replaces a cache entry with context support.
func (db *DB) UpsertEntryContext(ctx context.Context, row *EntryRow) error {
	return upsertEntry(ctx, db.conn, row)
}

// UpsertEntriesContext upserts rows in one transaction, in slice order.
func (db *DB) UpsertEntriesContext(ctx context.Context, rows []*EntryRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, row := range rows {
		if err := upsertEntry(ctx, tx, row); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ReplacePartitionContext swaps the synced rows of one owner's partition for
// rows. Rows still marked pending locally are left untouched, including when
// rows carries a server copy of the same id: the queued write wins until it
// drains. Rows whose record has a queued delete are skipped.
func (db *DB) ReplacePartitionContext(ctx context.Context, entityType, ownerID string, rows []*EntryRow) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE entity_type = ? AND owner_id = ? AND synced = 1`,
		entityType, ownerID)
	if err != nil {
		return fmt.Errorf("failed to clear partition %s/%s: %w", entityType, ownerID, err)
	}

	deleting, err := queuedDeletes(ctx, tx, entityType)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if deleting[row.ID] {
			continue
		}
		synced := 0
		if row.Synced {
			synced = 1
		}
		_, err := tx.ExecContext(ctx, upsertEntrySQL+` WHERE cache_entries.synced = 1`,
			row.EntityType, row.ID, row.OwnerID, string(row.Payload), toUnix(row.CachedAt), synced)
		if err != nil {
			return fmt.Errorf("failed to upsert entry %s/%s: %w", row.EntityType, row.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// queuedDeletes returns the record ids of entityType with a delete waiting
// in sync_queue.
func queuedDeletes(ctx context.Context, tx *sql.Tx, entityType string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT record_id FROM sync_queue WHERE entity_type = ? AND kind = 'delete' AND record_id IS NOT NULL`,
		entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to list queued deletes: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan queued delete: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// GetEntryContext returns one entry or an error wrapping syncerr.ErrNotFound.
func (db *DB) GetEntryContext(ctx context.Context, entityType, id string) (*EntryRow, error) {
	query := `
		SELECT seq, entity_type, id, owner_id, payload, cached_at, synced
		FROM cache_entries
		WHERE entity_type = ? AND id = ?
	`
	row := db.conn.QueryRowContext(ctx, query, entityType, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %s/%s: %w", entityType, id, syncerr.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry %s/%s: %w", entityType, id, err)
	}
	return entry, nil
}

// ListEntries returns entries in insertion order.
func (db *DB) ListEntries(filter EntryFilter) ([]*EntryRow, error) {
	return db.ListEntriesContext(context.Background(), filter)
}

// ListEntriesContext returns entries in insertion order with context support.
func (db *DB) ListEntriesContext(ctx context.Context, filter EntryFilter) ([]*EntryRow, error) {
	var conditions []string
	var args []interface{}

	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}

	query := `
		SELECT seq, entity_type, id, owner_id, payload, cached_at, synced
		FROM cache_entries
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*EntryRow
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entries: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes an entry. Returns nil if it doesn't exist (idempotent).
func (db *DB) DeleteEntry(entityType, id string) error {
	return db.DeleteEntryContext(context.Background(), entityType, id)
}

// DeleteEntryContext removes an entry with context support.
func (db *DB) DeleteEntryContext(ctx context.Context, entityType, id string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE entity_type = ? AND id = ?`, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to delete entry %s/%s: %w", entityType, id, err)
	}
	return nil
}

// DeleteEntriesBySeqContext removes the entries with the given sequence numbers
// and returns how many rows went away.
func (db *DB) DeleteEntriesBySeqContext(ctx context.Context, seqs []int64) (int, error) {
	if len(seqs) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(seqs))
	args := make([]interface{}, len(seqs))
	for i, s := range seqs {
		placeholders[i] = "?"
		args[i] = s
	}

	res, err := db.conn.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE seq IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted entries: %w", err)
	}
	return int(n), nil
}

// DeleteOwnerContext removes every entry belonging to ownerID.
func (db *DB) DeleteOwnerContext(ctx context.Context, ownerID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM cache_entries WHERE owner_id = ?`, ownerID); err != nil {
		return fmt.Errorf("failed to delete entries for owner %s: %w", ownerID, err)
	}
	return nil
}

// SetSyncedContext flips the synced flag. A missing entry is not an error.
func (db *DB) SetSyncedContext(ctx context.Context, entityType, id string, synced bool) error {
	flag := 0
	if synced {
		flag = 1
	}
	_, err := db.conn.ExecContext(ctx,
		`UPDATE cache_entries SET synced = ? WHERE entity_type = ? AND id = ?`, flag, entityType, id)
	if err != nil {
		return fmt.Errorf("failed to set synced flag on %s/%s: %w", entityType, id, err)
	}
	return nil
}

// GetEntryCountContext returns the number of entries of one type, or of all
// types when entityType is empty.
func (db *DB) GetEntryCountContext(ctx context.Context, entityType string) (int, error) {
	query := "SELECT COUNT(*) FROM cache_entries"
	var args []interface{}
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}

	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get entry count: %w", err)
	}
	return count, nil
}

// GetEntryCount returns the number of entries of one type.
func (db *DB) GetEntryCount(entityType string) (int, error) {
	return db.GetEntryCountContext(context.Background(), entityType)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*EntryRow, error) {
	var (
		entry    EntryRow
		payload  string
		cachedAt int64
		synced   int
	)
	if err := s.Scan(&entry.Seq, &entry.EntityType, &entry.ID, &entry.OwnerID, &payload, &cachedAt, &synced); err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	entry.CachedAt = fromUnix(cachedAt)
	entry.Synced = synced == 1
	return &entry, nil
}
