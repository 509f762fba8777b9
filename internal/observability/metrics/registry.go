// Package metrics provides centralized Prometheus metrics for the application.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics track HTTP request patterns and performance
var (
	// HTTPRequestsTotal counts total HTTP requests by method, path, and status
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration measures HTTP request duration in seconds
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	// HTTPResponseSize measures HTTP response body size in bytes
	HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "HTTP response size in bytes",
			Buckets: prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// ActiveConnections tracks the number of active HTTP connections
	ActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_active_connections",
			Help: "Number of active HTTP connections",
		},
	)
)

// Mesh metrics track dispatch routing and per-node attempt outcomes
var (
	// DispatchesTotal counts dispatches by terminal result
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_dispatches_total",
			Help: "Total dispatches by result",
		},
		[]string{"result"}, // result: success, recall_hit, replay, exhausted, rejected, error
	)

	// AttemptsTotal counts node attempts by outcome
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mesh_attempts_total",
			Help: "Total node attempts by outcome",
		},
		[]string{"node", "outcome"},
	)

	// AttemptDuration measures node attempt duration in seconds
	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mesh_attempt_duration_seconds",
			Help:    "Node attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"node"},
	)

	// ResponseContentBytes measures streamed response size in bytes
	ResponseContentBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mesh_response_content_bytes",
			Help:    "Streamed response content size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 10),
		},
	)

	// NodeScore tracks the current routing score per node
	NodeScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_node_score",
			Help: "Current routing score per node",
		},
		[]string{"node"},
	)

	// NodeReliability tracks the current success ratio per node
	NodeReliability = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_node_reliability",
			Help: "Current success ratio per node (0-1)",
		},
		[]string{"node"},
	)

	// NodeEWMALatency tracks the smoothed latency per node in milliseconds
	NodeEWMALatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_node_ewma_latency_ms",
			Help: "Smoothed time-to-first-chunk latency per node in milliseconds",
		},
		[]string{"node"},
	)

	// NodeInCooldown reports whether a node is in rate-limit cooldown (0/1)
	NodeInCooldown = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mesh_node_in_cooldown",
			Help: "Whether the node is excluded by a rate-limit cooldown (0 or 1)",
		},
		[]string{"node"},
	)
)

// Resilience metrics track circuit breakers, the retry budget, and bulkheads
var (
	// CircuitBreakerState reports breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	// RetryBudgetRate reports the current retry-to-request ratio in percent
	RetryBudgetRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "retry_budget_rate_percent",
			Help: "Current retry rate against the shared budget, in percent",
		},
	)

	// BulkheadActiveCalls tracks active calls per bulkhead
	BulkheadActiveCalls = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkhead_active_calls",
			Help: "Active calls holding a bulkhead permit",
		},
		[]string{"name"},
	)

	// BulkheadRejectedTotal tracks cumulative rejections per bulkhead
	BulkheadRejectedTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bulkhead_rejected_calls_total",
			Help: "Cumulative calls rejected by the bulkhead",
		},
		[]string{"name"},
	)
)

// Recall and database metrics
var (
	// RecallLookupsTotal counts recall lookups by result
	RecallLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recall_lookups_total",
			Help: "Total recall lookups by result",
		},
		[]string{"result"}, // result: hit_exact, hit_semantic, miss, error
	)

	// DBQueryDuration measures database query duration
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		},
		[]string{"operation"},
	)

	// DBConnectionsActive tracks active database connections
	DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	// DBConnectionsIdle tracks idle database connections
	DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_idle",
			Help: "Number of idle database connections",
		},
	)
)

// RecordHTTPRequest records an HTTP request with its metadata
func RecordHTTPRequest(method, path, status string, duration time.Duration, responseSize int) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())

	if responseSize > 0 {
		HTTPResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
	}
}

// RecordDispatch records the terminal result of one dispatch.
func RecordDispatch(result string) {
	DispatchesTotal.WithLabelValues(result).Inc()
}

// RecordRecallLookup records a recall lookup result.
func RecordRecallLookup(result string) {
	RecallLookupsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records the duration of a database query operation.
func RecordDBQuery(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UpdateDBConnectionStats updates database connection pool statistics.
func UpdateDBConnectionStats(active, idle int) {
	DBConnectionsActive.Set(float64(active))
	DBConnectionsIdle.Set(float64(idle))
}
