package mesh

import (
	"sync"
	"time"

	"inference-mesh/internal/infra/transport"
	"inference-mesh/internal/resilience"
	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/circuitbreaker"
	"inference-mesh/internal/resilience/retry"
)

const (
	// ewmaAlpha is the smoothing factor for the latency moving average.
	// Higher values weight recent observations more heavily.
	ewmaAlpha = 0.2

	// scoreEpsilon (milliseconds) keeps the score finite for nodes with no
	// latency samples yet, and ranks fresh nodes favourably.
	scoreEpsilon = 1.0
)

// NodeSpec describes one inference node to register with the mesh.
type NodeSpec struct {
	// ID uniquely identifies the node in rankings, logs, and stats.
	ID string

	// Transport is the backend adapter the node dispatches through.
	Transport transport.Transport

	// Model is the model identifier sent to the backend.
	Model string

	// Weight is an operator-assigned multiplier applied to the health score.
	// Zero means 1.0.
	Weight float64
}

// Node couples a backend transport with its health accounting and its
// per-node resilience primitives. Health state is written on every observed
// outcome and read on every ranking pass, both under one mutex.
type Node struct {
	id        string
	transport transport.Transport
	model     string
	weight    float64

	breaker  *circuitbreaker.CircuitBreaker
	bulkhead *bulkhead.Bulkhead
	retries  *retry.Manager

	mu            sync.Mutex
	ewmaLatencyMS float64
	hasLatency    bool
	successCount  int64
	failureCount  int64
	cooldownUntil time.Time

	now func() time.Time
}

// NodeStats is a serializable snapshot of node health for operational
// visibility.
type NodeStats struct {
	ID            string    `json:"id"`
	Model         string    `json:"model"`
	Weight        float64   `json:"weight"`
	Score         float64   `json:"score"`
	Reliability   float64   `json:"reliability"`
	EWMALatencyMS float64   `json:"ewma_latency_ms"`
	SuccessCount  int64     `json:"success_count"`
	FailureCount  int64     `json:"failure_count"`
	InCooldown    bool      `json:"in_cooldown"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	CircuitState  string    `json:"circuit_state"`
}

// newNode creates a node and claims its named resilience primitives from the
// registry.
func newNode(spec NodeSpec, reg *resilience.Registry) *Node {
	weight := spec.Weight
	if weight <= 0 {
		weight = 1.0
	}
	return &Node{
		id:        spec.ID,
		transport: spec.Transport,
		model:     spec.Model,
		weight:    weight,
		breaker:   reg.Breaker(spec.ID),
		bulkhead:  reg.Bulkhead(spec.ID),
		retries:   reg.RetryManager(spec.ID),
		now:       time.Now,
	}
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// RecordSuccess folds one successful call latency into the moving average
// and bumps the success counter. The first sample seeds the average directly.
func (n *Node) RecordSuccess(latency time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ms := float64(latency) / float64(time.Millisecond)
	if n.hasLatency {
		n.ewmaLatencyMS = ewmaAlpha*ms + (1-ewmaAlpha)*n.ewmaLatencyMS
	} else {
		n.ewmaLatencyMS = ms
		n.hasLatency = true
	}
	n.successCount++
}

// RecordFailure bumps the failure counter. Latency of failed calls is not
// sampled; a fast failure must not make a node look fast.
func (n *Node) RecordFailure() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failureCount++
}

// StartCooldown excludes the node from ranking until d from now. Used when a
// backend signals rate limiting; the exclusion clears by itself, no reset
// call is needed.
func (n *Node) StartCooldown(d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cooldownUntil = n.now().Add(d)
}

// InCooldown reports whether the node is currently excluded by a rate-limit
// cooldown.
func (n *Node) InCooldown() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.now().Before(n.cooldownUntil)
}

// Reliability returns the success ratio over all observed outcomes. A node
// with no history is fully reliable, so fresh nodes get traffic.
func (n *Node) Reliability() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reliabilityLocked()
}

func (n *Node) reliabilityLocked() float64 {
	total := n.successCount + n.failureCount
	if total == 0 {
		return 1.0
	}
	return float64(n.successCount) / float64(total)
}

// Score returns the routing score: reliability cubed over smoothed latency,
// scaled by the operator weight. Cubing reliability makes unreliable nodes
// fall off sharply, while the latency divisor prefers fast ones among the
// reliable.
func (n *Node) Score() float64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	r := n.reliabilityLocked()
	return n.weight * (r * r * r) / (n.ewmaLatencyMS + scoreEpsilon)
}

// GetStats returns a snapshot of node health.
func (n *Node) GetStats() NodeStats {
	n.mu.Lock()
	r := n.reliabilityLocked()
	stats := NodeStats{
		ID:            n.id,
		Model:         n.model,
		Weight:        n.weight,
		Score:         n.weight * (r * r * r) / (n.ewmaLatencyMS + scoreEpsilon),
		Reliability:   r,
		EWMALatencyMS: n.ewmaLatencyMS,
		SuccessCount:  n.successCount,
		FailureCount:  n.failureCount,
		InCooldown:    n.now().Before(n.cooldownUntil),
		CooldownUntil: n.cooldownUntil,
	}
	n.mu.Unlock()

	stats.CircuitState = n.breaker.State().String()
	return stats
}
