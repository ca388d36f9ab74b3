// Package loadtest exercises the cache and sync queue under concurrent access.
//
// A test cache is seeded with records of every entity type, a share of them
// carrying queued writes. Readers then list partitions the way the record
// coordinators do while writers keep updating records, and the latency of
// every read is recorded.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Owner is the owner every seeded record belongs to.
const Owner = "loadtest"

// TestCache is a populated cache for load testing.
type TestCache struct {
	DB    *db.DB
	Cache *cache.Store
	Queue *queue.Queue

	IDs        map[schema.EntityType][]string
	PendingIDs []string
	PerType    int
	PendingPct float64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min          time.Duration
	Max          time.Duration
	Mean         time.Duration
	P50          time.Duration // Median
	P95          time.Duration
	P99          time.Duration
	TotalQueries int
	Errors       int
	Durations    []time.Duration
}

// CreateTestCache creates a cache at dbPath holding perType records of each
// entity type.
//
// pendingPct of the records (0 to 1) get a queued update, so the cache holds
// the same mix of synced and pending rows a device sees after time offline.
func CreateTestCache(dbPath string, perType int, pendingPct float64) (*TestCache, error) {
	database, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	quiet := log.New(io.Discard, "", 0)
	cacheCfg := cache.DefaultConfig()
	cacheCfg.Logger = quiet
	store := cache.New(database, cacheCfg)
	q := queue.New(database, store, &queue.Config{Logger: quiet})

	tc := &TestCache{
		DB:         database,
		Cache:      store,
		Queue:      q,
		IDs:        make(map[schema.EntityType][]string),
		PerType:    perType,
		PendingPct: pendingPct,
	}

	ctx := context.Background()
	for _, t := range schema.AllEntityTypes() {
		records := generateRecords(t, perType)
		entries := make([]cache.Entry, len(records))
		for i, v := range records {
			entries[i] = cache.NewEntry(v, schema.StatusSynced)
			tc.IDs[t] = append(tc.IDs[t], v.ID())
		}
		if err := store.PutAll(ctx, entries); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to seed %s records: %w", t, err)
		}
	}

	for _, op := range generatePending(tc.IDs, pendingPct) {
		if _, err := q.EnqueueUpdate(ctx, op.t, op.id, op.patch); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("failed to queue update for %s/%s: %w", op.t, op.id, err)
		}
		tc.PendingIDs = append(tc.PendingIDs, op.id)
	}

	return tc, nil
}

// Close closes the test database connection.
func (tc *TestCache) Close() error {
	if tc.DB != nil {
		return tc.DB.Close()
	}
	return nil
}

// RunConcurrentReads simulates numReaders clients listing partitions at once.
//
// Each reader performs readsPerReader reads, cycling through the entity
// types, and every read is timed.
func (tc *TestCache) RunConcurrentReads(ctx context.Context, numReaders, readsPerReader int) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numReaders)
	errorsChan := make(chan error, numReaders)
	types := schema.AllEntityTypes()

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, readsPerReader)
			for j := 0; j < readsPerReader; j++ {
				t := types[(reader+j)%len(types)]
				start := time.Now()
				_, err := tc.Cache.GetAllByType(ctx, Owner, t)
				durations = append(durations, time.Since(start))
				if err != nil {
					errorsChan <- fmt.Errorf("reader %d read %d failed: %w", reader, j, err)
					break
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errorCount int
	for range errorsChan {
		errorCount++
	}

	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no reads completed")
	}

	stats := computeLatencyStats(all)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs readers and writers side by side for duration.
//
// Writers patch random cached tasks and queue the change, the way an offline
// edit does. Readers check that the task partition never loses or gains rows
// and that every entry is well formed. The first inconsistency is returned.
func (tc *TestCache) VerifyConsistency(ctx context.Context, numReaders, numWriters int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numReaders+numWriters)
	taskIDs := tc.IDs[schema.TypeTask]
	if len(taskIDs) == 0 {
		return fmt.Errorf("no tasks seeded")
	}

	for i := 0; i < numWriters; i++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(writer)))
			for n := 0; ctx.Err() == nil; n++ {
				id := taskIDs[rng.Intn(len(taskIDs))]
				patch := schema.Patch{"title": fmt.Sprintf("writer %d edit %d", writer, n)}
				if _, err := tc.Cache.Update(ctx, schema.TypeTask, id, patch); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer %d cache update failed: %w", writer, err)
					return
				}
				if _, err := tc.Queue.EnqueueUpdate(ctx, schema.TypeTask, id, patch); err != nil && ctx.Err() == nil {
					errorsChan <- fmt.Errorf("writer %d update failed: %w", writer, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	for i := 0; i < numReaders; i++ {
		wg.Add(1)
		go func(reader int) {
			defer wg.Done()
			for ctx.Err() == nil {
				entries, err := tc.Cache.GetAllByType(ctx, Owner, schema.TypeTask)
				if err != nil {
					if ctx.Err() == nil {
						errorsChan <- fmt.Errorf("reader %d read failed: %w", reader, err)
					}
					return
				}
				if len(entries) != tc.PerType {
					errorsChan <- fmt.Errorf("reader %d saw %d tasks, want %d", reader, len(entries), tc.PerType)
					return
				}
				for _, e := range entries {
					if e.ID() == "" || e.Owner != Owner {
						errorsChan <- fmt.Errorf("reader %d found malformed entry %+v", reader, e)
						return
					}
				}
				time.Sleep(time.Millisecond)
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)
	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns statistics about the test cache.
func (tc *TestCache) GetStats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"per_type":        tc.PerType,
		"pending_records": len(tc.PendingIDs),
	}
	for _, t := range schema.AllEntityTypes() {
		queued, err := tc.Queue.PendingCount(ctx, t)
		if err != nil {
			return nil, err
		}
		stats["queued_"+string(t)] = queued
	}
	size, err := tc.Cache.EstimateSize(ctx)
	if err != nil {
		return nil, err
	}
	stats["estimated_bytes"] = size
	return stats, nil
}

// generateRecords creates count records of type t with staggered timestamps.
func generateRecords(t schema.EntityType, count int) []schema.Variant {
	out := make([]schema.Variant, count)
	base := time.Now().Add(-30 * 24 * time.Hour)
	// Priority distribution weighted toward 2
	priorities := []int{0, 1, 2, 2, 2, 2, 2, 3, 3, 4}
	categories := []string{"food", "travel", "home", "health"}

	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%05d", t, i)
		at := base.Add(time.Duration(i) * time.Minute)

		var e schema.Entity
		switch t {
		case schema.TypeTask:
			e = schema.Task{
				ID:        id,
				OwnerID:   Owner,
				Title:     fmt.Sprintf("Task %d", i),
				Priority:  priorities[i%len(priorities)],
				Completed: i%7 == 0,
				CreatedAt: at,
				UpdatedAt: at,
			}
		case schema.TypeExpense:
			e = schema.Expense{
				ID:        id,
				OwnerID:   Owner,
				Item:      fmt.Sprintf("Expense %d", i),
				Amount:    float64(i%50) + 0.99,
				Category:  categories[i%len(categories)],
				SpentAt:   at,
				CreatedAt: at,
				UpdatedAt: at,
			}
		case schema.TypeReminder:
			e = schema.Reminder{
				ID:        id,
				OwnerID:   Owner,
				Title:     fmt.Sprintf("Reminder %d", i),
				RemindAt:  at.Add(48 * time.Hour),
				CreatedAt: at,
				UpdatedAt: at,
			}
		}
		out[i] = schema.Wrap(e)
	}
	return out
}

type pendingOp struct {
	t     schema.EntityType
	id    string
	patch schema.Patch
}

// generatePending picks records to carry a queued write. A fixed seed keeps
// runs comparable.
func generatePending(ids map[schema.EntityType][]string, pct float64) []pendingOp {
	if pct <= 0 {
		return nil
	}
	if pct > 1 {
		pct = 1
	}

	rng := rand.New(rand.NewSource(42))
	var ops []pendingOp
	for _, t := range schema.AllEntityTypes() {
		list := ids[t]
		n := int(float64(len(list)) * pct)
		for _, i := range rng.Perm(len(list))[:n] {
			ops = append(ops, pendingOp{t: t, id: list[i], patch: pendingPatch(t, i)})
		}
	}
	return ops
}

func pendingPatch(t schema.EntityType, i int) schema.Patch {
	switch t {
	case schema.TypeTask:
		return schema.Patch{"completed": true}
	case schema.TypeExpense:
		return schema.Patch{"amount": float64(i) + 0.5}
	default:
		return schema.Patch{"done": true}
	}
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:          sorted[0],
		Max:          sorted[len(sorted)-1],
		Mean:         sum / time.Duration(len(durations)),
		P50:          sorted[len(sorted)*50/100],
		P95:          sorted[len(sorted)*95/100],
		P99:          sorted[len(sorted)*99/100],
		TotalQueries: len(durations),
		Durations:    sorted,
	}
}

// WriteStats formats latency statistics to w.
func (s *LatencyStats) WriteStats(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Reads:   %d\n", s.TotalQueries)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
