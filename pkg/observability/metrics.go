package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine and its stores.
type Metrics struct {
	// Engine metrics
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec
	EngineErrorsTotal       *prometheus.CounterVec
	BatchSize               *prometheus.HistogramVec

	// Permission metrics
	PermissionDenialsTotal *prometheus.CounterVec
	PermissionCacheHits    prometheus.Counter
	PermissionCacheMisses  prometheus.Counter

	// Cascade metrics
	CascadeDeletedTotal *prometheus.CounterVec
	CascadePages        prometheus.Histogram

	// Store metrics
	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec

	// Integrity sweeper metrics
	SweepRunsTotal      prometheus.Counter
	SweepOrphansFound   *prometheus.CounterVec
	SweepDurationSecond prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EngineOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_engine_operations_total",
				Help: "Total number of engine operations",
			},
			[]string{"entity", "operation", "status"},
		),
		EngineOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trellis_engine_operation_duration_seconds",
				Help:    "Engine operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"entity", "operation"},
		),
		EngineErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_engine_errors_total",
				Help: "Total number of engine errors by kind",
			},
			[]string{"entity", "operation", "kind"},
		),
		BatchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trellis_engine_batch_size",
				Help:    "Number of documents per batch operation",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
			[]string{"entity", "operation"},
		),
		PermissionDenialsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_permission_denials_total",
				Help: "Total number of permission denials",
			},
			[]string{"entity", "action"},
		),
		PermissionCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trellis_permission_cache_hits_total",
				Help: "Permission decision cache hits",
			},
		),
		PermissionCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trellis_permission_cache_misses_total",
				Help: "Permission decision cache misses",
			},
		),
		CascadeDeletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_cascade_deleted_total",
				Help: "Documents removed by cascading deletes",
			},
			[]string{"entity"},
		),
		CascadePages: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trellis_cascade_pages",
				Help:    "Delete pages issued per cascade",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		StoreOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_store_operations_total",
				Help: "Total number of store operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trellis_store_operation_duration_seconds",
				Help:    "Store operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		SweepRunsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "trellis_sweep_runs_total",
				Help: "Reference-integrity sweep runs",
			},
		),
		SweepOrphansFound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trellis_sweep_orphans_found_total",
				Help: "Orphaned references found by the integrity sweeper",
			},
			[]string{"entity", "reference"},
		),
		SweepDurationSecond: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trellis_sweep_duration_seconds",
				Help:    "Integrity sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	registry.MustRegister(
		m.EngineOperationsTotal,
		m.EngineOperationDuration,
		m.EngineErrorsTotal,
		m.BatchSize,
		m.PermissionDenialsTotal,
		m.PermissionCacheHits,
		m.PermissionCacheMisses,
		m.CascadeDeletedTotal,
		m.CascadePages,
		m.StoreOperationsTotal,
		m.StoreOperationDuration,
		m.SweepRunsTotal,
		m.SweepOrphansFound,
		m.SweepDurationSecond,
	)
	return m
}

// Handler returns the /metrics handler for the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
