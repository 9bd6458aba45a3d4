package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cache tier label values.
const (
	TierMemory = "memory"
	TierRemote = "remote"
)

// Batch flush trigger label values.
const (
	TriggerSize  = "size"
	TriggerTimer = "timer"
	TriggerStop  = "stop"
)

// Event rejection reason label values.
const (
	ReasonQueueFull   = "queue_full"
	ReasonRateLimited = "rate_limited"
	ReasonShutdown    = "shutdown"
)

// Registry owns a private prometheus registry and the metric handles passed
// into each component. Nothing is registered with the global default registry,
// so every Registry is isolated.
type Registry struct {
	registry *prometheus.Registry

	Cache  *CacheMetrics
	Batch  *BatchMetrics
	Events *EventMetrics
	Memory *MemoryMetrics
	Pool   *PoolMetrics
}

// CacheMetrics tracks the two-tier cache.
type CacheMetrics struct {
	Access       *prometheus.CounterVec
	Size         prometheus.Gauge
	Promotions   prometheus.Counter
	RemoteErrors *prometheus.CounterVec
}

// BatchMetrics tracks batch flushes.
type BatchMetrics struct {
	Flushes       *prometheus.CounterVec
	Items         prometheus.Counter
	Errors        prometheus.Counter
	Abandoned     prometheus.Counter
	FlushDuration prometheus.Summary
}

// EventMetrics tracks the event worker pool.
type EventMetrics struct {
	Rate       prometheus.Gauge
	Processed  prometheus.Counter
	Failed     prometheus.Counter
	Rejected   *prometheus.CounterVec
	QueueDepth prometheus.Gauge
}

// MemoryMetrics tracks process memory sampling.
type MemoryMetrics struct {
	HeapAlloc  prometheus.Gauge
	Goroutines prometheus.Gauge
	ForcedGCs  prometheus.Counter
	Reclaimed  prometheus.Counter
}

// PoolMetrics tracks queries issued through the connection pool.
type PoolMetrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// New creates a registry with every handle registered under namespace.
func New(namespace string) *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}

	r.Cache = &CacheMetrics{
		Access: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "access_total",
			Help:      "Cache lookups by tier and result.",
		}, []string{"tier", "result"}),
		Size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "memory_entries",
			Help:      "Entries held by the in-process tier, including expired entries awaiting cleanup.",
		}),
		Promotions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "promotions_total",
			Help:      "Remote hits copied into the in-process tier.",
		}),
		RemoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "remote_errors_total",
			Help:      "Remote tier failures by operation.",
		}, []string{"op"}),
	}

	r.Batch = &BatchMetrics{
		Flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flushes_total",
			Help:      "Batch flushes by trigger.",
		}, []string{"trigger"}),
		Items: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Items handed to the flush callback.",
		}),
		Errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "flush_errors_total",
			Help:      "Flush callbacks that returned an error. The batch is dropped.",
		}),
		Abandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "abandoned_batches_total",
			Help:      "Batches still in flight when a stop deadline expired.",
		}),
		FlushDuration: prometheus.NewSummary(prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  "batch",
			Name:       "flush_duration_seconds",
			Help:       "Time spent in the flush callback.",
			Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
		}),
	}

	r.Events = &EventMetrics{
		Rate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "processed_per_second",
			Help:      "Events processed during the last one-second window.",
		}),
		Processed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Events passed to the processing callback.",
		}),
		Failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "failed_total",
			Help:      "Events whose processing callback returned an error.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "rejected_total",
			Help:      "Events refused at admission by reason.",
		}, []string{"reason"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "queue_depth",
			Help:      "Events waiting in the queue at the last sample.",
		}),
	}

	r.Memory = &MemoryMetrics{
		HeapAlloc: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "heap_alloc_bytes",
			Help:      "Heap bytes allocated at the last sample.",
		}),
		Goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "goroutines",
			Help:      "Goroutines at the last sample.",
		}),
		ForcedGCs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "forced_gc_total",
			Help:      "Garbage collections forced by the memory optimizer.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "reclaimed_bytes_total",
			Help:      "Heap bytes released by forced collections.",
		}),
	}

	r.Pool = &PoolMetrics{
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_duration_seconds",
			Help:      "Query latency by query type.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query_type"}),
		QueryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "query_errors_total",
			Help:      "Failed queries by query type.",
		}, []string{"query_type"}),
	}

	r.registry.MustRegister(
		r.Cache.Access, r.Cache.Size, r.Cache.Promotions, r.Cache.RemoteErrors,
		r.Batch.Flushes, r.Batch.Items, r.Batch.Errors, r.Batch.Abandoned, r.Batch.FlushDuration,
		r.Events.Rate, r.Events.Processed, r.Events.Failed, r.Events.Rejected, r.Events.QueueDepth,
		r.Memory.HeapAlloc, r.Memory.Goroutines, r.Memory.ForcedGCs, r.Memory.Reclaimed,
		r.Pool.QueryDuration, r.Pool.QueryErrors,
	)

	return r
}

// RegisterRuntime adds the Go runtime and process collectors.
func (r *Registry) RegisterRuntime() error {
	if err := r.registry.Register(collectors.NewGoCollector()); err != nil {
		return err
	}
	return r.registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Register adds an extra collector such as the pool's DBStatsCollector.
func (r *Registry) Register(c prometheus.Collector) error {
	return r.registry.Register(c)
}

// Gatherer exposes the registry for tests and custom handlers.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler returns the scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Hit records a cache hit on tier.
func (m *CacheMetrics) Hit(tier string) {
	m.Access.WithLabelValues(tier, "hit").Inc()
}

// Miss records a cache miss on tier.
func (m *CacheMetrics) Miss(tier string) {
	m.Access.WithLabelValues(tier, "miss").Inc()
}
