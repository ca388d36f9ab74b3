package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// OpRow is one row of sync_queue.
type OpRow struct {
	Seq        int64
	OpID       string
	EntityType string
	Kind       string
	RecordID   string
	Payload    []byte
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// InsertOpContext appends an operation to the queue and returns its sequence.
func (db *DB) InsertOpContext(ctx context.Context, op *OpRow) (int64, error) {
	query := `
	INSERT INTO sync_queue (op_id, entity_type, kind, record_id, payload, enqueued_at, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := db.conn.ExecContext(ctx, query,
		op.OpID,
		op.EntityType,
		op.Kind,
		stringToNull(op.RecordID),
		stringToNull(string(op.Payload)),
		toUnix(op.EnqueuedAt),
		op.Attempts,
		stringToNull(op.LastError),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to enqueue %s %s: %w", op.Kind, op.EntityType, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue sequence: %w", err)
	}
	return seq, nil
}

// ListOpsContext returns the queued operations of one entity type in FIFO order.
func (db *DB) ListOpsContext(ctx context.Context, entityType string) ([]*OpRow, error) {
	query := `
		SELECT seq, op_id, entity_type, kind, record_id, payload, enqueued_at, attempts, last_error
		FROM sync_queue
		WHERE entity_type = ?
		ORDER BY seq ASC
	`
	rows, err := db.conn.QueryContext(ctx, query, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var ops []*OpRow
	for rows.Next() {
		var (
			op         OpRow
			recordID   sql.NullString
			payload    sql.NullString
			lastError  sql.NullString
			enqueuedAt int64
		)
		if err := rows.Scan(&op.Seq, &op.OpID, &op.EntityType, &op.Kind, &recordID, &payload,
			&enqueuedAt, &op.Attempts, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan queued operation: %w", err)
		}
		op.RecordID = recordID.String
		if payload.Valid {
			op.Payload = []byte(payload.String)
		}
		op.LastError = lastError.String
		op.EnqueuedAt = fromUnix(enqueuedAt)
		ops = append(ops, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue: %w", err)
	}
	return ops, nil
}

// DeleteOpContext removes a queued operation. Missing ops are ignored.
func (db *DB) DeleteOpContext(ctx context.Context, opID string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE op_id = ?`, opID); err != nil {
		return fmt.Errorf("failed to delete queued operation %s: %w", opID, err)
	}
	return nil
}

// RecordOpFailureContext bumps the attempt counter and stores the last error.
func (db *DB) RecordOpFailureContext(ctx context.Context, opID, lastError string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = ? WHERE op_id = ?`,
		stringToNull(lastError), opID)
	if err != nil {
		return fmt.Errorf("failed to record failure for %s: %w", opID, err)
	}
	return nil
}

// CountOpsContext returns the number of queued operations of one type, or of
// all types when entityType is empty.
func (db *DB) CountOpsContext(ctx context.Context, entityType string) (int, error) {
	query := "SELECT COUNT(*) FROM sync_queue"
	var args []interface{}
	if entityType != "" {
		query += " WHERE entity_type = ?"
		args = append(args, entityType)
	}
	var count int
	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count queued operations: %w", err)
	}
	return count, nil
}

// ClearOpsContext drops every queued operation of one entity type.
func (db *DB) ClearOpsContext(ctx context.Context, entityType string) (int, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_queue WHERE entity_type = ?`, entityType)
	if err != nil {
		return 0, fmt.Errorf("failed to clear queue for %s: %w", entityType, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// SetMaintenanceContext records when maintenance last ran for entityType.
func (db *DB) SetMaintenanceContext(ctx context.Context, entityType string, at time.Time) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO maintenance_log (entity_type, ran_at) VALUES (?, ?)
		ON CONFLICT(entity_type) DO UPDATE SET ran_at = excluded.ran_at
	`, entityType, toUnix(at))
	if err != nil {
		return fmt.Errorf("failed to record maintenance for %s: %w", entityType, err)
	}
	return nil
}

// LastMaintenanceContext returns the most recent maintenance time across all
// entity types, or the zero time if maintenance never ran.
func (db *DB) LastMaintenanceContext(ctx context.Context) (time.Time, error) {
	var ranAt sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(ran_at) FROM maintenance_log`).Scan(&ranAt); err != nil {
		return time.Time{}, fmt.Errorf("failed to read maintenance log: %w", err)
	}
	if !ranAt.Valid {
		return time.Time{}, nil
	}
	return fromUnix(ranAt.Int64), nil
}
