package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inference-mesh/internal/mesh"
	"inference-mesh/internal/resilience"
	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/circuitbreaker"
	"inference-mesh/internal/resilience/retry"
)

func TestMeshRecorder_RecordAttempt(t *testing.T) {
	rec := MeshRecorder{}

	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("node-x", "success"))
	rec.RecordAttempt("node-x", 250*time.Millisecond, mesh.OutcomeSuccess, 512)
	after := testutil.ToFloat64(AttemptsTotal.WithLabelValues("node-x", "success"))

	assert.Equal(t, before+1, after)
}

func TestMeshRecorder_RecordAttempt_FailureOutcomes(t *testing.T) {
	rec := MeshRecorder{}

	before := testutil.ToFloat64(AttemptsTotal.WithLabelValues("node-y", "rate_limited"))
	rec.RecordAttempt("node-y", 10*time.Millisecond, mesh.OutcomeRateLimited, 0)
	after := testutil.ToFloat64(AttemptsTotal.WithLabelValues("node-y", "rate_limited"))

	assert.Equal(t, before+1, after)
}

func TestMeshRecorder_ObservesAttemptDuration(t *testing.T) {
	rec := MeshRecorder{}
	rec.RecordAttempt("node-z", 150*time.Millisecond, mesh.OutcomeSuccess, 64)

	var m dto.Metric
	hist, err := AttemptDuration.GetMetricWithLabelValues("node-z")
	require.NoError(t, err)
	require.NoError(t, hist.(prometheus.Metric).Write(&m))
	assert.GreaterOrEqual(t, m.GetHistogram().GetSampleCount(), uint64(1))
}

func TestUpdateMeshHealth(t *testing.T) {
	UpdateMeshHealth(mesh.MeshStats{
		Nodes: []mesh.NodeStats{
			{ID: "gauge-node", Score: 0.42, Reliability: 0.9, EWMALatencyMS: 800, InCooldown: true},
		},
	})

	assert.Equal(t, 0.42, testutil.ToFloat64(NodeScore.WithLabelValues("gauge-node")))
	assert.Equal(t, 0.9, testutil.ToFloat64(NodeReliability.WithLabelValues("gauge-node")))
	assert.Equal(t, 800.0, testutil.ToFloat64(NodeEWMALatency.WithLabelValues("gauge-node")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodeInCooldown.WithLabelValues("gauge-node")))
}

func TestUpdateResilienceStats(t *testing.T) {
	UpdateResilienceStats(resilience.Stats{
		Breakers: []circuitbreaker.Stats{
			{Name: "breaker-a", State: "open"},
			{Name: "breaker-b", State: "half-open"},
			{Name: "breaker-c", State: "closed"},
		},
		Bulkheads: []bulkhead.Stats{
			{Name: "pool-a", ActiveCalls: 3, RejectedCalls: 7},
		},
		Budget: retry.BudgetStats{RetryRate: 4.5},
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("breaker-a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("breaker-b")))
	assert.Equal(t, 0.0, testutil.ToFloat64(CircuitBreakerState.WithLabelValues("breaker-c")))
	assert.Equal(t, 3.0, testutil.ToFloat64(BulkheadActiveCalls.WithLabelValues("pool-a")))
	assert.Equal(t, 7.0, testutil.ToFloat64(BulkheadRejectedTotal.WithLabelValues("pool-a")))
	assert.Equal(t, 4.5, testutil.ToFloat64(RetryBudgetRate))
}

func TestRecordDispatch(t *testing.T) {
	before := testutil.ToFloat64(DispatchesTotal.WithLabelValues("exhausted"))
	RecordDispatch("exhausted")
	assert.Equal(t, before+1, testutil.ToFloat64(DispatchesTotal.WithLabelValues("exhausted")))
}
