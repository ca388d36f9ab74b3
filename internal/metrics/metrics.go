// Package metrics exposes sync engine metrics in Prometheus format.
//
// Collectors live on a private registry owned by a Metrics value, so several
// engines (and tests) never share counters.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mschirtzinger/offlinesync/internal/cache"
	"github.com/mschirtzinger/offlinesync/internal/queue"
	"github.com/mschirtzinger/offlinesync/internal/schema"
)

const namespace = "offsync"

// Metrics holds every collector of one engine.
type Metrics struct {
	Registry *prometheus.Registry

	events         *prometheus.CounterVec
	drainOps       *prometheus.CounterVec
	drainDuration  *prometheus.HistogramVec
	remoteRequests *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	evictions      *prometheus.CounterVec
	online         prometheus.Gauge
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "total",
				Help:      "Sync events by kind and delivery outcome.",
			},
			[]string{"kind", "outcome"},
		),

		drainOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "operations_total",
				Help:      "Queued operations replayed, by entity type and result.",
			},
			[]string{"entity_type", "result"},
		),

		drainDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "drain_duration_seconds",
				Help:      "Duration of drain passes.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
			},
			[]string{"entity_type"},
		),

		remoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "requests_total",
				Help:      "HTTP attempts against the remote store.",
			},
			[]string{"method", "table", "status"},
		),

		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "request_duration_seconds",
				Help:      "Duration of HTTP attempts against the remote store.",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"method", "table"},
		),

		evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "evictions_total",
				Help:      "Cache entries removed by maintenance.",
			},
			[]string{"entity_type", "reason"},
		),

		online: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "online",
				Help:      "1 while the remote store is considered reachable.",
			},
		),
	}

	m.Registry.MustRegister(
		m.events,
		m.drainOps,
		m.drainDuration,
		m.remoteRequests,
		m.remoteDuration,
		m.evictions,
		m.online,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// EventPublished implements events.Observer.
func (m *Metrics) EventPublished(kind string) {
	m.events.WithLabelValues(kind, "published").Inc()
}

// EventDropped implements events.Observer.
func (m *Metrics) EventDropped(kind string) {
	m.events.WithLabelValues(kind, "dropped").Inc()
}

// DrainFinished implements coordinator.DrainObserver.
func (m *Metrics) DrainFinished(result *queue.DrainResult, elapsed time.Duration) {
	t := string(result.EntityType)
	m.drainOps.WithLabelValues(t, "succeeded").Add(float64(result.Succeeded))
	m.drainOps.WithLabelValues(t, "failed").Add(float64(len(result.Failed)))
	m.drainOps.WithLabelValues(t, "rejected").Add(float64(len(result.Rejected)))
	m.drainOps.WithLabelValues(t, "deferred").Add(float64(len(result.Deferred)))
	m.drainDuration.WithLabelValues(t).Observe(elapsed.Seconds())
}

// ObserveRemote matches remote.Config.Observe.
func (m *Metrics) ObserveRemote(method, table string, status int, elapsed time.Duration) {
	code := "error"
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.remoteRequests.WithLabelValues(method, table, code).Inc()
	m.remoteDuration.WithLabelValues(method, table).Observe(elapsed.Seconds())
}

// RecordMaintenance counts the evictions of a maintenance run.
func (m *Metrics) RecordMaintenance(report *cache.MaintenanceReport) {
	for t, n := range report.Evicted {
		m.evictions.WithLabelValues(string(t), "keep").Add(float64(n))
	}
	m.evictions.WithLabelValues("all", "storage_limit").Add(float64(report.LimitEvicted))
}

// SetOnline records the connectivity state.
func (m *Metrics) SetOnline(online bool) {
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}

// PendingCounter is the part of the sync queue the collector reads.
type PendingCounter interface {
	PendingCount(ctx context.Context, t schema.EntityType) (int, error)
}

// StoreCollector reports cache and queue gauges computed at scrape time.
type StoreCollector struct {
	store   *cache.Store
	pending PendingCounter
	timeout time.Duration

	entries *prometheus.Desc
	health  *prometheus.Desc
	oldest  *prometheus.Desc
	queued  *prometheus.Desc
	bytes   *prometheus.Desc
}

// NewStoreCollector creates a collector over store and pending.
func NewStoreCollector(store *cache.Store, pending PendingCounter) *StoreCollector {
	return &StoreCollector{
		store:   store,
		pending: pending,
		timeout: 5 * time.Second,
		entries: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "entries"),
			"Cached entries per entity type.", []string{"entity_type"}, nil),
		health: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "health_score"),
			"Cache health score (0-100) per entity type.", []string{"entity_type"}, nil),
		oldest: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "oldest_entry_age_seconds"),
			"Age of the oldest cached entry per entity type.", []string{"entity_type"}, nil),
		queued: prometheus.NewDesc(prometheus.BuildFQName(namespace, "queue", "pending"),
			"Queued operations per entity type.", []string{"entity_type"}, nil),
		bytes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "cache", "size_bytes"),
			"Estimated serialized size of the cache.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.health
	ch <- c.oldest
	ch <- c.queued
	ch <- c.bytes
}

// Collect implements prometheus.Collector. Types whose stats cannot be read
// are skipped for this scrape.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for _, t := range schema.AllEntityTypes() {
		label := string(t)
		if st, err := c.store.Stats(ctx, t); err == nil {
			ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(st.EntryCount), label)
			ch <- prometheus.MustNewConstMetric(c.oldest, prometheus.GaugeValue, st.OldestEntryAge.Seconds(), label)
			ch <- prometheus.MustNewConstMetric(c.health, prometheus.GaugeValue, float64(cache.Score(st)), label)
		}
		if n, err := c.pending.PendingCount(ctx, t); err == nil {
			ch <- prometheus.MustNewConstMetric(c.queued, prometheus.GaugeValue, float64(n), label)
		}
	}
	if size, err := c.store.EstimateSize(ctx); err == nil {
		ch <- prometheus.MustNewConstMetric(c.bytes, prometheus.GaugeValue, float64(size))
	}
}
