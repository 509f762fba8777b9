// Package slo tracks service level objectives for dispatch traffic.
//
// Handlers record each dispatch result as it completes; a periodic worker
// folds the counters into gauges so dashboards can alert against the targets.
package slo

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SLO targets define the service level objectives for the application.
const (
	// AvailabilitySLO defines the target ratio of dispatches that produce a
	// response (99.5% leaves room for provider-wide incidents).
	AvailabilitySLO = 0.995

	// ErrorRateSLO defines the maximum acceptable dispatch error rate.
	ErrorRateSLO = 0.005
)

// SLO tracking metrics, updated periodically from the rolling counters.
var (
	// SLOAvailability tracks the ratio of dispatches that produced a stream
	SLOAvailability = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slo_dispatch_availability_ratio",
			Help: "Ratio of dispatches that produced a response (0-1), target: 0.995",
		},
	)

	// SLOErrorRate tracks the ratio of dispatches that failed outright
	SLOErrorRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "slo_dispatch_error_rate_ratio",
			Help: "Ratio of dispatches that failed (0-1), target: 0.005",
		},
	)
)

var (
	dispatchTotal  atomic.Int64
	dispatchFailed atomic.Int64
)

// RecordDispatch records one completed dispatch for SLO accounting.
func RecordDispatch(succeeded bool) {
	dispatchTotal.Add(1)
	if !succeeded {
		dispatchFailed.Add(1)
	}
}

// Refresh folds the counters into the SLO gauges. Call periodically; with no
// traffic the gauges report full availability.
func Refresh() {
	total := dispatchTotal.Load()
	failed := dispatchFailed.Load()

	if total == 0 {
		SLOAvailability.Set(1)
		SLOErrorRate.Set(0)
		return
	}

	errorRate := float64(failed) / float64(total)
	SLOAvailability.Set(1 - errorRate)
	SLOErrorRate.Set(errorRate)
}
