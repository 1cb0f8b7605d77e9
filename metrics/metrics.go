package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueryTotal counts total queries by shard, query_type, cached
	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_query_total",
			Help: "Total number of queries processed",
		},
		[]string{"shard", "query_type", "cached"},
	)

	// QueryLatency tracks query latency by shard, query_type
	QueryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdogproxy_query_latency_seconds",
			Help:    "Query latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard", "query_type"},
	)

	// CacheHits counts cache hits by database
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"database"},
	)

	// CacheMisses counts cache misses by database
	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"database"},
	)

	// DatabaseQueries counts queries sent to a backend server by shard and role
	DatabaseQueries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_database_queries_total",
			Help: "Total queries sent to database",
		},
		[]string{"shard", "role"},
	)

	// RouteDecisions counts how Converge resolved each Query command,
	// by shard kind (all, direct, multi).
	RouteDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_route_decisions_total",
			Help: "Number of routed queries by resulting shard kind",
		},
		[]string{"shard_kind"},
	)

	// PoolCheckoutDuration tracks how long a checkout waited for a
	// free server, by (database, shard, role).
	PoolCheckoutDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdogproxy_pool_checkout_duration_seconds",
			Help:    "Time spent waiting for a pooled server connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"database", "shard", "role"},
	)

	// PoolBanned counts servers banned, by reason.
	PoolBanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_pool_banned_total",
			Help: "Number of servers banned, by reason",
		},
		[]string{"reason"},
	)

	// PubSubDropped counts NOTIFY deliveries dropped because a
	// subscriber's queue was full.
	PubSubDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_pubsub_dropped_total",
			Help: "Number of NOTIFY deliveries dropped for a full subscriber queue",
		},
		[]string{"channel"},
	)

	// PreparedStatements reports the number of distinct canonical
	// prepared statements currently registered.
	PreparedStatements = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgdogproxy_prepared_statements",
			Help: "Number of distinct canonical prepared statements currently registered",
		},
	)

	// Write Batch Metrics, labeled by shard like DatabaseQueries and
	// PoolCheckoutDuration: each pooled server runs its own write-batch
	// manager, so the shard a batch executed against is the dimension
	// worth slicing on, not the query text.

	// WriteBatchSize tracks the number of operations in each write batch
	WriteBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdogproxy_write_batch_size",
			Help:    "Number of operations in each write batch",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500, 1000},
		},
		[]string{"shard"},
	)

	// WriteBatchDelay tracks time between first enqueue and execution
	WriteBatchDelay = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdogproxy_write_batch_delay_seconds",
			Help:    "Time between first operation enqueue and batch execution",
			Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"shard"},
	)

	// WriteBatchLatency tracks time to execute a batch
	WriteBatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgdogproxy_write_batch_latency_seconds",
			Help:    "Time to execute a write batch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"shard"},
	)

	// WriteOpsPerSecond is the current write operations per second, per shard
	WriteOpsPerSecond = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdogproxy_write_ops_per_second",
			Help: "Current write operations per second (for adaptive delay)",
		},
		[]string{"shard"},
	)

	// WriteCurrentDelay is the current adaptive batching delay, per shard
	WriteCurrentDelay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgdogproxy_write_current_delay_ms",
			Help: "Current adaptive batching delay in milliseconds",
		},
		[]string{"shard"},
	)

	// WriteDelayAdjustments counts delay adjustments
	WriteDelayAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_write_delay_adjustments_total",
			Help: "Number of delay adjustments (increase/decrease)",
		},
		[]string{"direction", "shard"},
	)

	// WriteBatchedTotal counts write operations processed through batching
	WriteBatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgdogproxy_write_batched_total",
			Help: "Total write operations processed through batching",
		},
		[]string{"shard"},
	)

	once sync.Once
)

// Init registers all metrics with Prometheus
func Init() {
	once.Do(func() {
		prometheus.MustRegister(QueryTotal)
		prometheus.MustRegister(QueryLatency)
		prometheus.MustRegister(CacheHits)
		prometheus.MustRegister(CacheMisses)
		prometheus.MustRegister(DatabaseQueries)
		prometheus.MustRegister(RouteDecisions)
		prometheus.MustRegister(PoolCheckoutDuration)
		prometheus.MustRegister(PoolBanned)
		prometheus.MustRegister(PubSubDropped)
		prometheus.MustRegister(PreparedStatements)

		// Write batch metrics
		prometheus.MustRegister(WriteBatchSize)
		prometheus.MustRegister(WriteBatchDelay)
		prometheus.MustRegister(WriteBatchLatency)
		prometheus.MustRegister(WriteOpsPerSecond)
		prometheus.MustRegister(WriteCurrentDelay)
		prometheus.MustRegister(WriteDelayAdjustments)
		prometheus.MustRegister(WriteBatchedTotal)
	})
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
