// Package circuitbreaker provides failure isolation for outbound backend calls.
// Each inference node owns one CircuitBreaker; the mesh consults it before every
// attempt and records every tracked outcome back into it. A separate
// gobreaker-backed Guard (guard.go) protects optional collaborator paths such as
// the recall store.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// StateClosed indicates normal operation; requests are allowed.
	StateClosed State = iota

	// StateOpen indicates the backend is isolated; requests are rejected
	// until the recovery timeout elapses.
	StateOpen

	// StateHalfOpen indicates recovery probing; a bounded number of
	// concurrent requests are allowed through to test the backend.
	StateHalfOpen
)

// String returns a string representation of the circuit state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a request is rejected because the circuit
// breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Clock provides an abstraction for time operations to enable testing.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock is a Clock implementation that uses the system time.
type SystemClock struct{}

// Now returns the current system time.
func (c *SystemClock) Now() time.Time {
	return time.Now()
}

// Config holds configuration for a circuit breaker.
type Config struct {
	// Name identifies this circuit breaker in logs and stats.
	Name string

	// FailureThreshold is the number of consecutive failures in the closed
	// state required to open the circuit. Default: 5
	FailureThreshold int

	// SuccessThreshold is the number of successes in the half-open state
	// required to close the circuit. Default: 2
	SuccessThreshold int

	// Timeout is how long the circuit stays open before allowing recovery
	// probes. Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxCalls bounds the number of concurrent probe calls admitted
	// in the half-open state. Default: 1
	HalfOpenMaxCalls int

	// IsFailure classifies errors. Only errors for which IsFailure returns
	// true count against the breaker; all other errors pass through without
	// affecting state. Default: every non-nil error is a failure.
	IsFailure func(error) bool

	// Clock provides time abstraction for testing. Default: SystemClock
	Clock Clock

	// OnStateChange is invoked after every state transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig returns a default configuration for node circuit breakers.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker implements a closed/open/half-open state machine over
// consecutive failure counting.
//
// State transitions:
//   - Closed: failures increment a counter; reaching FailureThreshold opens
//     the circuit. A single success clears the counter.
//   - Open: requests are rejected until Timeout has elapsed since the last
//     failure, then the breaker moves to half-open before answering the
//     same Allow call.
//   - HalfOpen: at most HalfOpenMaxCalls probes run concurrently. One
//     tracked failure reopens the circuit; SuccessThreshold successes
//     close it.
//
// All transitions happen synchronously under a single mutex, so a state
// change is visible to the very next call.
type CircuitBreaker struct {
	config Config

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	halfOpenCalls   int
	lastFailureTime time.Time
	lastStateChange time.Time
}

// Stats is a serializable snapshot of breaker state for operational visibility.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	HalfOpenCalls   int       `json:"half_open_calls"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}

// New creates a new circuit breaker with the given configuration.
// Zero-valued config fields are replaced with defaults.
func New(config Config) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}
	if config.Clock == nil {
		config.Clock = &SystemClock{}
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: config.Clock.Now(),
	}
}

// Allow reports whether a request may proceed. In the open state it also
// performs the open-to-half-open transition once the recovery timeout has
// elapsed, so the first caller at or after the deadline is admitted as a probe.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if cb.config.Clock.Now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.halfOpenCalls++
		return true

	case StateHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful call outcome.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		// A single success clears accumulated failure history.
		cb.failures = 0

	case StateHalfOpen:
		if cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transition(StateClosed)
		}
	}
}

// RecordFailure records a tracked failure outcome. Callers are expected to
// classify errors first (see RecordResult); RecordFailure counts
// unconditionally.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureTime = cb.config.Clock.Now()

	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.transition(StateOpen)
		}

	case StateHalfOpen:
		if cb.halfOpenCalls > 0 {
			cb.halfOpenCalls--
		}
		cb.transition(StateOpen)
	}
}

// RecordNeutral records a completed call whose outcome should count neither
// for nor against the breaker, such as an untracked error class or a caller
// cancellation. It only releases the half-open probe slot the call held.
func (cb *CircuitBreaker) RecordNeutral() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// RecordResult classifies err with the configured IsFailure predicate and
// records the outcome. A nil error is a success; an error that does not match
// the predicate releases the call's probe slot but leaves counters untouched.
func (cb *CircuitBreaker) RecordResult(err error) {
	if err == nil {
		cb.RecordSuccess()
		return
	}
	if cb.config.IsFailure(err) {
		cb.RecordFailure()
		return
	}
	cb.RecordNeutral()
}

// Execute runs fn through the circuit breaker. It returns ErrCircuitOpen
// without invoking fn when the breaker rejects the request.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.RecordResult(err)
	return err
}

// Available reports whether the breaker would admit a request, without
// mutating state or consuming a half-open probe slot. Useful for ranking
// candidates before committing to an attempt; the attempt itself must still
// go through Allow.
func (cb *CircuitBreaker) Available() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return cb.config.Clock.Now().Sub(cb.lastFailureTime) >= cb.config.Timeout
	case StateHalfOpen:
		return cb.halfOpenCalls < cb.config.HalfOpenMaxCalls
	default:
		return false
	}
}

// State returns the current state without triggering transitions.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the name of the circuit breaker.
func (cb *CircuitBreaker) Name() string {
	return cb.config.Name
}

// GetStats returns a snapshot of the breaker's counters and state.
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		Name:            cb.config.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		HalfOpenCalls:   cb.halfOpenCalls,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}

// transition moves the breaker to a new state and resets counters.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}

	from := cb.state
	cb.state = to
	cb.lastStateChange = cb.config.Clock.Now()

	switch to {
	case StateClosed, StateHalfOpen:
		cb.failures = 0
		cb.successes = 0
		cb.halfOpenCalls = 0
	case StateOpen:
		cb.successes = 0
	}

	slog.Warn("circuit breaker state changed",
		slog.String("circuit", cb.config.Name),
		slog.String("from", from.String()),
		slog.String("to", to.String()))

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, from, to)
	}
}
