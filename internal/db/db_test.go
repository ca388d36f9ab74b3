package db

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/mschirtzinger/offlinesync/internal/syncerr"
)

// testDB opens a fresh database with the schema applied.
func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func entry(typ, id, owner string, at time.Time) *EntryRow {
	return &EntryRow{
		EntityType: typ,
		ID:         id,
		OwnerID:    owner,
		Payload:    []byte(`{"id":"` + id + `"}`),
		CachedAt:   at,
		Synced:     true,
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := testDB(t)

	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"cache_entries", "sync_queue", "maintenance_log"} {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

func TestUpsertEntry_KeepsInsertionOrder(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		if err := db.UpsertEntry(entry("task", id, "u1", now)); err != nil {
			t.Fatalf("UpsertEntry(%s) failed: %v", id, err)
		}
	}

	// Re-putting "a" must not move it to the end.
	updated := entry("task", "a", "u1", now.Add(time.Minute))
	updated.Payload = []byte(`{"id":"a","title":"changed"}`)
	if err := db.UpsertEntry(updated); err != nil {
		t.Fatalf("UpsertEntry(a) failed: %v", err)
	}

	rows, err := db.ListEntriesContext(ctx, EntryFilter{EntityType: "task", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	var ids []string
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	if strings.Join(ids, ",") != "a,b,c" {
		t.Errorf("order = %v, want a,b,c", ids)
	}
	if !strings.Contains(string(rows[0].Payload), "changed") {
		t.Errorf("payload not replaced: %s", rows[0].Payload)
	}
	if !rows[0].CachedAt.Equal(now.Add(time.Minute)) {
		t.Errorf("cached_at = %v", rows[0].CachedAt)
	}
}

func TestGetEntry_NotFound(t *testing.T) {
	db := testDB(t)

	_, err := db.GetEntryContext(context.Background(), "task", "missing")
	if !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("GetEntry() error = %v, want ErrNotFound", err)
	}
}

func TestDeleteEntry_Idempotent(t *testing.T) {
	db := testDB(t)

	if err := db.DeleteEntry("task", "never-existed"); err != nil {
		t.Errorf("DeleteEntry() on missing id failed: %v", err)
	}
}

func TestReplacePartition_KeepsPending(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pending := entry("expense", "local", "u1", now)
	pending.Synced = false
	rows := []*EntryRow{entry("expense", "old", "u1", now), pending, entry("expense", "other", "u2", now)}
	if err := db.UpsertEntriesContext(ctx, rows); err != nil {
		t.Fatalf("UpsertEntries() failed: %v", err)
	}

	serverCopy := entry("expense", "local", "u1", now)
	serverCopy.Payload = []byte(`{"id":"local","server":true}`)
	fresh := []*EntryRow{entry("expense", "new", "u1", now), serverCopy}
	if err := db.ReplacePartitionContext(ctx, "expense", "u1", fresh); err != nil {
		t.Fatalf("ReplacePartition() failed: %v", err)
	}

	got, err := db.ListEntriesContext(ctx, EntryFilter{EntityType: "expense", OwnerID: "u1"})
	if err != nil {
		t.Fatalf("ListEntries() failed: %v", err)
	}
	byID := map[string]*EntryRow{}
	for _, r := range got {
		byID[r.ID] = r
	}
	if _, ok := byID["old"]; ok {
		t.Error("stale synced entry survived replace")
	}
	if _, ok := byID["new"]; !ok {
		t.Error("fresh entry missing")
	}
	local := byID["local"]
	if local == nil || local.Synced || strings.Contains(string(local.Payload), "server") {
		t.Errorf("pending entry overwritten: %+v", local)
	}

	other, _ := db.ListEntriesContext(ctx, EntryFilter{OwnerID: "u2"})
	if len(other) != 1 {
		t.Errorf("other owner's partition touched: %d rows", len(other))
	}
}

func TestReplacePartition_SkipsQueuedDeletes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := db.InsertOpContext(ctx, &OpRow{
		OpID:       "del-op",
		EntityType: "task",
		Kind:       "delete",
		RecordID:   "gone",
		EnqueuedAt: now,
	})
	if err != nil {
		t.Fatalf("InsertOp() failed: %v", err)
	}

	fresh := []*EntryRow{entry("task", "gone", "u1", now), entry("task", "kept", "u1", now)}
	if err := db.ReplacePartitionContext(ctx, "task", "u1", fresh); err != nil {
		t.Fatalf("ReplacePartition() failed: %v", err)
	}

	if _, err := db.GetEntryContext(ctx, "task", "gone"); !errors.Is(err, syncerr.ErrNotFound) {
		t.Errorf("record with a queued delete came back: %v", err)
	}
	if _, err := db.GetEntryContext(ctx, "task", "kept"); err != nil {
		t.Errorf("GetEntry(kept) failed: %v", err)
	}

	// Once the delete has drained the record is ordinary server state again.
	if err := db.DeleteOpContext(ctx, "del-op"); err != nil {
		t.Fatalf("DeleteOp() failed: %v", err)
	}
	if err := db.ReplacePartitionContext(ctx, "task", "u1", fresh); err != nil {
		t.Fatalf("ReplacePartition() failed: %v", err)
	}
	if _, err := db.GetEntryContext(ctx, "task", "gone"); err != nil {
		t.Errorf("GetEntry(gone) after drain failed: %v", err)
	}
}

func TestQueue_FIFO(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i, kind := range []string{"create", "update", "delete"} {
		_, err := db.InsertOpContext(ctx, &OpRow{
			OpID:       kind + "-op",
			EntityType: "task",
			Kind:       kind,
			RecordID:   "7",
			EnqueuedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("InsertOp(%s) failed: %v", kind, err)
		}
	}

	if err := db.RecordOpFailureContext(ctx, "update-op", "http 503"); err != nil {
		t.Fatalf("RecordOpFailure() failed: %v", err)
	}

	ops, err := db.ListOpsContext(ctx, "task")
	if err != nil {
		t.Fatalf("ListOps() failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("len(ops) = %d, want 3", len(ops))
	}
	if ops[0].Kind != "create" || ops[1].Kind != "update" || ops[2].Kind != "delete" {
		t.Errorf("order = %s,%s,%s", ops[0].Kind, ops[1].Kind, ops[2].Kind)
	}
	if ops[1].Attempts != 1 || ops[1].LastError != "http 503" {
		t.Errorf("failure not recorded: %+v", ops[1])
	}
	if ops[0].Payload != nil {
		t.Errorf("empty payload should scan as nil, got %q", ops[0].Payload)
	}

	if err := db.DeleteOpContext(ctx, "create-op"); err != nil {
		t.Fatalf("DeleteOp() failed: %v", err)
	}
	count, err := db.CountOpsContext(ctx, "task")
	if err != nil || count != 2 {
		t.Errorf("CountOps() = %d, %v; want 2", count, err)
	}
}

func TestMaintenanceLog(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	last, err := db.LastMaintenanceContext(ctx)
	if err != nil {
		t.Fatalf("LastMaintenance() failed: %v", err)
	}
	if !last.IsZero() {
		t.Errorf("LastMaintenance() = %v, want zero", last)
	}

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := db.SetMaintenanceContext(ctx, "task", at); err != nil {
		t.Fatalf("SetMaintenance() failed: %v", err)
	}
	if err := db.SetMaintenanceContext(ctx, "expense", at.Add(-time.Hour)); err != nil {
		t.Fatalf("SetMaintenance() failed: %v", err)
	}

	last, _ = db.LastMaintenanceContext(ctx)
	if !last.Equal(at) {
		t.Errorf("LastMaintenance() = %v, want %v", last, at)
	}
}

func TestGetEntryCount_WrapsDriverError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer conn.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM cache_entries`).
		WithArgs("task").
		WillReturnError(errors.New("disk I/O error"))

	_, err = New(conn).GetEntryCount("task")
	if err == nil || !strings.Contains(err.Error(), "failed to get entry count") {
		t.Errorf("GetEntryCount() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertEntries_RollsBackOnError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer conn.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO cache_entries`).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`INSERT INTO cache_entries`).WillReturnError(errors.New("constraint failed"))
	mock.ExpectRollback()

	rows := []*EntryRow{entry("task", "a", "u1", time.Now()), entry("task", "b", "u1", time.Now())}
	if err := New(conn).UpsertEntriesContext(context.Background(), rows); err == nil {
		t.Fatal("UpsertEntries() expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestUpsertEntry_RequiresKey(t *testing.T) {
	db := testDB(t)
	err := db.UpsertEntry(&EntryRow{EntityType: "task"})
	if !errors.Is(err, syncerr.ErrInvalidInput) {
		t.Errorf("UpsertEntry() error = %v, want ErrInvalidInput", err)
	}
}
