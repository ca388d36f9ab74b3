package cache

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

// Stats summarizes one partition. It is derived on demand, never stored.
type Stats struct {
	EntityType     schema.EntityType `json:"entity_type" yaml:"entity_type"`
	EntryCount     int               `json:"entry_count" yaml:"entry_count"`
	PendingCount   int               `json:"pending_count" yaml:"pending_count"`
	OldestEntryAge time.Duration     `json:"oldest_entry_age" yaml:"oldest_entry_age"`
	NewestEntryAge time.Duration     `json:"newest_entry_age" yaml:"newest_entry_age"`
	ExpiredCount   int               `json:"expired_count" yaml:"expired_count"`
	StaleCount     int               `json:"stale_count" yaml:"stale_count"`
	SizeBytes      int64             `json:"size_bytes" yaml:"size_bytes"`
}

// Health score thresholds.
const (
	HealthyScore          = 70
	largeCacheEntries     = 50
	maxExpiredPenalty     = 30
	maxStalePenalty       = 20
	maxSizePenalty        = 30
	expiredPenaltyPerItem = 10
	stalePenaltyPerItem   = 5
	sizePenaltyPerItem    = 2
)

// Score computes the 0-100 health score for a partition.
//
// Starting from 100 it subtracts min(30, 10*expired), min(20, 5*stale) and
// min(30, 2*(entries-50)) for partitions over 50 entries. Negative counts are
// treated as zero, so the result is always within [0, 100].
func Score(st Stats) int {
	score := 100
	score -= min(maxExpiredPenalty, expiredPenaltyPerItem*max(0, st.ExpiredCount))
	score -= min(maxStalePenalty, stalePenaltyPerItem*max(0, st.StaleCount))
	score -= min(maxSizePenalty, sizePenaltyPerItem*max(0, st.EntryCount-largeCacheEntries))
	return max(0, min(100, score))
}

// RowSize estimates the serialized size of a cached row.
func RowSize(row *db.EntryRow) int64 {
	return int64(len(row.Payload) + len(row.ID) + len(row.OwnerID) + len(row.EntityType))
}

func (s *Store) expiryFor(t schema.EntityType) time.Duration {
	if d, ok := s.config.Expiry[t]; ok && d > 0 {
		return d
	}
	return s.config.DefaultExpiry
}

// Stats returns the derived statistics for one entity type.
func (s *Store) Stats(ctx context.Context, t schema.EntityType) (Stats, error) {
	rows, err := s.db.ListEntriesContext(ctx, db.EntryFilter{EntityType: string(t)})
	if err != nil {
		return Stats{}, err
	}

	now := s.now()
	expiry := s.expiryFor(t)
	st := Stats{EntityType: t, EntryCount: len(rows)}

	var oldest, newest time.Time
	for i, row := range rows {
		if i == 0 || row.CachedAt.Before(oldest) {
			oldest = row.CachedAt
		}
		if i == 0 || row.CachedAt.After(newest) {
			newest = row.CachedAt
		}
		age := now.Sub(row.CachedAt)
		if age > expiry {
			st.ExpiredCount++
		}
		if age > s.config.StaleAfter {
			st.StaleCount++
		}
		if !row.Synced {
			st.PendingCount++
		}
		st.SizeBytes += RowSize(row)
	}
	if len(rows) > 0 {
		st.OldestEntryAge = now.Sub(oldest)
		st.NewestEntryAge = now.Sub(newest)
	}
	return st, nil
}

// IsStale reports whether the newest entry of t is older than maxAge.
// An empty partition is always stale.
func (s *Store) IsStale(ctx context.Context, t schema.EntityType, maxAge time.Duration) (bool, error) {
	st, err := s.Stats(ctx, t)
	if err != nil {
		return false, err
	}
	if st.EntryCount == 0 {
		return true, nil
	}
	return st.NewestEntryAge > maxAge, nil
}

// IsStaleFor is IsStale narrowed to owner's partition of t, so entries
// cached for another owner never make it look fresh.
func (s *Store) IsStaleFor(ctx context.Context, owner string, t schema.EntityType, maxAge time.Duration) (bool, error) {
	rows, err := s.db.ListEntriesContext(ctx, db.EntryFilter{EntityType: string(t), OwnerID: owner})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return true, nil
	}
	var newest time.Time
	for _, row := range rows {
		if row.CachedAt.After(newest) {
			newest = row.CachedAt
		}
	}
	return s.now().Sub(newest) > maxAge, nil
}

// HealthScore returns Score for the current stats of t.
func (s *Store) HealthScore(ctx context.Context, t schema.EntityType) (int, error) {
	st, err := s.Stats(ctx, t)
	if err != nil {
		return 0, err
	}
	return Score(st), nil
}

// EvictLeastRecentlyUsed keeps the keep most recently cached entries of t and
// removes the rest. The store tracks write time, not access time, so "used"
// means cached.
func (s *Store) EvictLeastRecentlyUsed(ctx context.Context, t schema.EntityType, keep int) (int, error) {
	return s.evict(ctx, t, keep)
}

// EvictOldest removes entries of t beyond the keep most recently cached.
// Ordering is identical to EvictLeastRecentlyUsed: cachedAt ascending, ties
// broken by insertion order.
func (s *Store) EvictOldest(ctx context.Context, t schema.EntityType, keep int) (int, error) {
	return s.evict(ctx, t, keep)
}

func (s *Store) evict(ctx context.Context, t schema.EntityType, keep int) (int, error) {
	if keep < 0 {
		return 0, fmt.Errorf("keep must be >= 0 (got %d)", keep)
	}
	rows, err := s.db.ListEntriesContext(ctx, db.EntryFilter{EntityType: string(t)})
	if err != nil {
		return 0, err
	}
	if len(rows) <= keep {
		return 0, nil
	}

	sortOldestFirst(rows)
	victims := rows[:len(rows)-keep]
	seqs := make([]int64, len(victims))
	for i, row := range victims {
		seqs[i] = row.Seq
	}

	removed, err := s.db.DeleteEntriesBySeqContext(ctx, seqs)
	if err != nil {
		return 0, fmt.Errorf("failed to evict %s entries: %w", t, err)
	}
	if removed > 0 {
		s.logger.Printf("Evicted %d %s entries (kept %d)", removed, t, keep)
	}
	return removed, nil
}

// EnforceStorageLimit evicts entries oldest-first across all entity types
// until the estimated size is at most maxBytes. Returns the number removed.
func (s *Store) EnforceStorageLimit(ctx context.Context, maxBytes int64) (int, error) {
	if maxBytes < 0 {
		return 0, fmt.Errorf("maxBytes must be >= 0 (got %d)", maxBytes)
	}
	rows, err := s.db.ListEntriesContext(ctx, db.EntryFilter{})
	if err != nil {
		return 0, err
	}

	var total int64
	for _, row := range rows {
		total += RowSize(row)
	}
	if total <= maxBytes {
		return 0, nil
	}

	sortOldestFirst(rows)
	var seqs []int64
	for _, row := range rows {
		if total <= maxBytes {
			break
		}
		seqs = append(seqs, row.Seq)
		total -= RowSize(row)
	}

	removed, err := s.db.DeleteEntriesBySeqContext(ctx, seqs)
	if err != nil {
		return 0, fmt.Errorf("failed to enforce storage limit: %w", err)
	}
	s.logger.Printf("Storage limit %d bytes: evicted %d entries", maxBytes, removed)
	return removed, nil
}

// EstimateSize returns the estimated size of the whole cache in bytes.
func (s *Store) EstimateSize(ctx context.Context) (int64, error) {
	rows, err := s.db.ListEntriesContext(ctx, db.EntryFilter{})
	if err != nil {
		return 0, err
	}
	var total int64
	for _, row := range rows {
		total += RowSize(row)
	}
	return total, nil
}

// MaintenanceNeeded reports whether any partition scores below HealthyScore
// or maintenance has not run within the configured interval.
func (s *Store) MaintenanceNeeded(ctx context.Context) (bool, error) {
	for _, t := range schema.AllEntityTypes() {
		score, err := s.HealthScore(ctx, t)
		if err != nil {
			return false, err
		}
		if score < HealthyScore {
			return true, nil
		}
	}

	last, err := s.db.LastMaintenanceContext(ctx)
	if err != nil {
		return false, err
	}
	return s.now().Sub(last) > s.config.MaintenanceInterval, nil
}

// MaintenanceReport describes one maintenance pass.
type MaintenanceReport struct {
	Evicted      map[schema.EntityType]int
	LimitEvicted int
	Scores       map[schema.EntityType]int
	RanAt        time.Time
}

// RunMaintenance trims every partition to keep entries, enforces maxBytes
// (skipped when maxBytes <= 0), then records the run.
func (s *Store) RunMaintenance(ctx context.Context, keep int, maxBytes int64) (*MaintenanceReport, error) {
	report := &MaintenanceReport{
		Evicted: make(map[schema.EntityType]int),
		Scores:  make(map[schema.EntityType]int),
		RanAt:   s.now(),
	}

	for _, t := range schema.AllEntityTypes() {
		n, err := s.EvictOldest(ctx, t, keep)
		if err != nil {
			return nil, err
		}
		report.Evicted[t] = n
	}

	if maxBytes > 0 {
		n, err := s.EnforceStorageLimit(ctx, maxBytes)
		if err != nil {
			return nil, err
		}
		report.LimitEvicted = n
	}

	for _, t := range schema.AllEntityTypes() {
		score, err := s.HealthScore(ctx, t)
		if err != nil {
			return nil, err
		}
		report.Scores[t] = score
		if err := s.db.SetMaintenanceContext(ctx, string(t), report.RanAt); err != nil {
			return nil, err
		}
	}

	s.logger.Printf("Maintenance complete: evicted=%v limit_evicted=%d", report.Evicted, report.LimitEvicted)
	return report, nil
}

func sortOldestFirst(rows []*db.EntryRow) {
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].CachedAt.Equal(rows[j].CachedAt) {
			return rows[i].Seq < rows[j].Seq
		}
		return rows[i].CachedAt.Before(rows[j].CachedAt)
	})
}
