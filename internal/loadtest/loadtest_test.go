package loadtest

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/schema"
)

func TestCreateTestCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	tc, err := CreateTestCache(dbPath, 100, 0.3)
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	defer tc.Close()

	ctx := context.Background()
	for _, et := range schema.AllEntityTypes() {
		if n := len(tc.IDs[et]); n != 100 {
			t.Errorf("Expected 100 %s ids, got %d", et, n)
		}
		entries, err := tc.Cache.GetAllByType(ctx, Owner, et)
		if err != nil {
			t.Fatalf("GetAllByType(%s) failed: %v", et, err)
		}
		if len(entries) != 100 {
			t.Errorf("Expected 100 cached %s entries, got %d", et, len(entries))
		}
	}

	// 30% of each type
	if n := len(tc.PendingIDs); n != 90 {
		t.Errorf("Expected 90 pending records, got %d", n)
	}
	stats, err := tc.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats["queued_task"] != 30 {
		t.Errorf("Expected 30 queued task operations, got %v", stats["queued_task"])
	}
	if size, _ := stats["estimated_bytes"].(int64); size <= 0 {
		t.Errorf("Expected a positive size estimate, got %v", stats["estimated_bytes"])
	}

	t.Logf("Cache created: %+v", stats)
}

func TestCreateTestCache_NoPending(t *testing.T) {
	tc, err := CreateTestCache(filepath.Join(t.TempDir(), "test.db"), 10, 0)
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	defer tc.Close()

	if len(tc.PendingIDs) != 0 {
		t.Errorf("Expected no pending records, got %d", len(tc.PendingIDs))
	}
	n, err := tc.Queue.PendingCount(context.Background(), schema.TypeReminder)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if n != 0 {
		t.Errorf("Expected an empty queue, got %d", n)
	}
}

func TestConcurrentReads_Small(t *testing.T) {
	tc, err := CreateTestCache(filepath.Join(t.TempDir(), "test.db"), 100, 0.3)
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	defer tc.Close()

	stats, err := tc.RunConcurrentReads(context.Background(), 10, 5)
	if err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during reads", stats.Errors)
	}
	if stats.TotalQueries != 50 {
		t.Errorf("Expected 50 total reads, got %d", stats.TotalQueries)
	}
	if stats.Min > stats.P50 || stats.P50 > stats.P99 || stats.P99 > stats.Max {
		t.Errorf("Percentiles out of order: %+v", stats)
	}

	var buf bytes.Buffer
	stats.WriteStats(&buf)
	t.Log(buf.String())
	if !strings.Contains(buf.String(), "Total Reads:   50") {
		t.Errorf("Unexpected stats output:\n%s", buf.String())
	}
}

func TestConcurrentReads_50Readers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping load test in short mode")
	}

	tc, err := CreateTestCache(filepath.Join(t.TempDir(), "test.db"), 500, 0.3)
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	defer tc.Close()

	start := time.Now()
	stats, err := tc.RunConcurrentReads(context.Background(), 50, 10)
	total := time.Since(start)
	if err != nil {
		t.Fatalf("Concurrent reads failed: %v", err)
	}
	if stats.Errors > 0 {
		t.Errorf("Got %d errors during reads", stats.Errors)
	}

	var buf bytes.Buffer
	stats.WriteStats(&buf)
	t.Logf("\n=== LOAD TEST RESULTS (50 readers, 10 reads each) ===\n%s", buf.String())
	t.Logf("Throughput: %.2f reads/second", float64(stats.TotalQueries)/total.Seconds())
}

func TestVerifyConsistency(t *testing.T) {
	tc, err := CreateTestCache(filepath.Join(t.TempDir(), "test.db"), 50, 0.2)
	if err != nil {
		t.Fatalf("Failed to create test cache: %v", err)
	}
	defer tc.Close()

	ctx := context.Background()
	before, err := tc.Queue.PendingCount(ctx, schema.TypeTask)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}

	if err := tc.VerifyConsistency(ctx, 4, 2, 300*time.Millisecond); err != nil {
		t.Fatalf("Consistency check failed: %v", err)
	}

	after, err := tc.Queue.PendingCount(ctx, schema.TypeTask)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if after <= before {
		t.Errorf("Expected writers to queue updates: before %d, after %d", before, after)
	}
}

func TestComputeLatencyStats(t *testing.T) {
	var durations []time.Duration
	for i := 100; i >= 1; i-- {
		durations = append(durations, time.Duration(i)*time.Millisecond)
	}

	stats := computeLatencyStats(durations)
	if stats.Min != time.Millisecond || stats.Max != 100*time.Millisecond {
		t.Errorf("Unexpected min/max: %v/%v", stats.Min, stats.Max)
	}
	if stats.P50 != 51*time.Millisecond {
		t.Errorf("Expected P50 51ms, got %v", stats.P50)
	}
	if stats.Mean != 50500*time.Microsecond {
		t.Errorf("Expected mean 50.5ms, got %v", stats.Mean)
	}
	if empty := computeLatencyStats(nil); empty.TotalQueries != 0 {
		t.Errorf("Expected empty stats, got %+v", empty)
	}
}
