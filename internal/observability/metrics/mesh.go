package metrics

import (
	"time"

	"inference-mesh/internal/mesh"
	"inference-mesh/internal/resilience"
)

// MeshRecorder publishes node attempt telemetry to Prometheus. It implements
// the mesh's attempt recorder contract.
type MeshRecorder struct{}

// RecordAttempt records one node attempt.
func (MeshRecorder) RecordAttempt(nodeID string, duration time.Duration, outcome mesh.Outcome, contentLength int) {
	AttemptsTotal.WithLabelValues(nodeID, string(outcome)).Inc()
	AttemptDuration.WithLabelValues(nodeID).Observe(duration.Seconds())
	if outcome == mesh.OutcomeSuccess && contentLength > 0 {
		ResponseContentBytes.Observe(float64(contentLength))
	}
}

// UpdateMeshHealth refreshes the per-node health gauges from a mesh snapshot.
// Called periodically by the maintenance worker.
func UpdateMeshHealth(stats mesh.MeshStats) {
	for _, n := range stats.Nodes {
		NodeScore.WithLabelValues(n.ID).Set(n.Score)
		NodeReliability.WithLabelValues(n.ID).Set(n.Reliability)
		NodeEWMALatency.WithLabelValues(n.ID).Set(n.EWMALatencyMS)

		cooldown := 0.0
		if n.InCooldown {
			cooldown = 1.0
		}
		NodeInCooldown.WithLabelValues(n.ID).Set(cooldown)
	}
}

// UpdateResilienceStats refreshes the breaker, budget, and bulkhead gauges
// from a registry snapshot.
func UpdateResilienceStats(stats resilience.Stats) {
	for _, cb := range stats.Breakers {
		CircuitBreakerState.WithLabelValues(cb.Name).Set(breakerStateValue(cb.State))
	}
	for _, b := range stats.Bulkheads {
		BulkheadActiveCalls.WithLabelValues(b.Name).Set(float64(b.ActiveCalls))
		BulkheadRejectedTotal.WithLabelValues(b.Name).Set(float64(b.RejectedCalls))
	}
	RetryBudgetRate.Set(stats.Budget.RetryRate)
}

func breakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}
