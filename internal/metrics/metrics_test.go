package metrics

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/db"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

func TestEventCounters(t *testing.T) {
	m := New()
	m.EventPublished("sync_completed")
	m.EventPublished("sync_completed")
	m.EventDropped("sync_completed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues("sync_completed", "published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.events.WithLabelValues("sync_completed", "dropped")))
}

func TestDrainFinished(t *testing.T) {
	m := New()
	m.DrainFinished(&queue.DrainResult{
		EntityType: schema.TypeExpense,
		Attempted:  4,
		Succeeded:  2,
		Failed:     []queue.Failure{{Err: errors.New("503")}},
		Rejected:   []queue.Failure{{Err: errors.New("422")}},
		Deferred:   []queue.Operation{{RecordID: "e1"}, {RecordID: "e1"}},
	}, 120*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.drainOps.WithLabelValues("expense", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drainOps.WithLabelValues("expense", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.drainOps.WithLabelValues("expense", "rejected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.drainOps.WithLabelValues("expense", "deferred")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.drainDuration))
}

func TestObserveRemote(t *testing.T) {
	m := New()
	m.ObserveRemote(http.MethodGet, "tasks", http.StatusOK, time.Millisecond)
	m.ObserveRemote(http.MethodGet, "tasks", 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteRequests.WithLabelValues("GET", "tasks", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.remoteRequests.WithLabelValues("GET", "tasks", "error")))
}

func TestRecordMaintenanceAndOnline(t *testing.T) {
	m := New()
	m.RecordMaintenance(&cache.MaintenanceReport{
		Evicted:      map[schema.EntityType]int{schema.TypeTask: 3},
		LimitEvicted: 2,
	})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.evictions.WithLabelValues("task", "keep")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.evictions.WithLabelValues("all", "storage_limit")))

	m.SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.online))
	m.SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.online))
}

func TestStoreCollector(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.InitSchema())

	quiet := log.New(io.Discard, "", 0)
	store := cache.New(database, &cache.Config{Logger: quiet})
	q := queue.New(database, store, &queue.Config{Logger: quiet})
	ctx := context.Background()

	task := schema.Wrap(schema.Task{ID: "t1", OwnerID: "u1", Title: "one"})
	require.NoError(t, store.Put(ctx, cache.NewEntry(task, schema.StatusSynced)))
	_, err = q.EnqueueCreate(ctx, task)
	require.NoError(t, err)

	collector := NewStoreCollector(store, q)
	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(collector))

	expected := `
# HELP offsync_cache_entries Cached entries per entity type.
# TYPE offsync_cache_entries gauge
offsync_cache_entries{entity_type="expense"} 0
offsync_cache_entries{entity_type="reminder"} 0
offsync_cache_entries{entity_type="task"} 1
# HELP offsync_queue_pending Queued operations per entity type.
# TYPE offsync_queue_pending gauge
offsync_queue_pending{entity_type="expense"} 0
offsync_queue_pending{entity_type="reminder"} 0
offsync_queue_pending{entity_type="task"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"offsync_cache_entries", "offsync_queue_pending"))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetOnline(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offsync_online 1")
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
