// This file implements a gobreaker-backed guard for optional collaborator
// calls (recall store, embedding API). Collaborator failures are ratio-based
// and bursty, which fits gobreaker's windowed counting; the per-node breaker
// in circuitbreaker.go keeps the consecutive-failure semantics the routing
// mesh depends on.
package circuitbreaker

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// GuardConfig holds the configuration for a collaborator guard.
type GuardConfig struct {
	// Name is the guard name for logging and stats
	Name string

	// MaxRequests is the maximum number of requests allowed in half-open state
	MaxRequests uint32

	// Interval is the cyclic period of the closed state to clear success/failure counts
	Interval time.Duration

	// Timeout is how long to wait in open state before trying again
	Timeout time.Duration

	// FailureThreshold is the failure ratio threshold to trip the circuit
	// For example, 0.6 means 60% failure rate
	FailureThreshold float64

	// MinRequests is the minimum number of requests before calculating failure ratio
	MinRequests uint32
}

// DefaultGuardConfig returns a default configuration for collaborator guards.
func DefaultGuardConfig(name string) GuardConfig {
	return GuardConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// RecallStoreConfig returns configuration optimized for the semantic recall
// store. A miss or outage here must degrade silently, so the guard trips
// quickly and stays open for a while.
func RecallStoreConfig() GuardConfig {
	return GuardConfig{
		Name:             "recall-store",
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 1.0, // open only on consecutive failures
		MinRequests:      5,
	}
}

// EmbeddingAPIConfig returns configuration optimized for embedding API calls.
func EmbeddingAPIConfig() GuardConfig {
	return GuardConfig{
		Name:             "embedding-api",
		MaxRequests:      3,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      5,
	}
}

// Guard wraps gobreaker.CircuitBreaker for calls into optional collaborators.
type Guard struct {
	breaker *gobreaker.CircuitBreaker
	name    string
}

// NewGuard creates a new collaborator guard with the given configuration.
func NewGuard(cfg GuardConfig) *Guard {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			slog.Warn("collaborator guard state changed",
				slog.String("guard", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	}

	return &Guard{
		breaker: gobreaker.NewCircuitBreaker(settings),
		name:    cfg.Name,
	}
}

// Execute runs the given function through the guard.
// If the circuit is open, it returns gobreaker.ErrOpenState immediately.
func (g *Guard) Execute(fn func() (interface{}, error)) (interface{}, error) {
	return g.breaker.Execute(fn)
}

// State returns the current state of the guard.
func (g *Guard) State() gobreaker.State {
	return g.breaker.State()
}

// Name returns the name of the guard.
func (g *Guard) Name() string {
	return g.name
}

// IsOpen returns true if the guard is in the open state.
func (g *Guard) IsOpen() bool {
	return g.breaker.State() == gobreaker.StateOpen
}
