// Package retry provides retry orchestration for outbound backend calls:
// a rolling retry budget, configurable backoff policies with jitter, and an
// idempotency cache that deduplicates completed calls.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrBudgetExhausted is returned before any network attempt when the global
// retry budget has been consumed. This is the fail-fast retry-storm guard.
var ErrBudgetExhausted = errors.New("retry budget exhausted")

// Policy selects the backoff growth function.
type Policy int

const (
	// PolicyExponential grows delays as baseDelay * 2^attempt.
	PolicyExponential Policy = iota
	// PolicyLinear grows delays as baseDelay * (attempt + 1).
	PolicyLinear
	// PolicyFibonacci grows delays along the Fibonacci sequence.
	PolicyFibonacci
)

// String returns the policy name.
func (p Policy) String() string {
	switch p {
	case PolicyExponential:
		return "exponential"
	case PolicyLinear:
		return "linear"
	case PolicyFibonacci:
		return "fibonacci"
	default:
		return "unknown"
	}
}

// Config holds the configuration for retry behavior.
type Config struct {
	// MaxRetries is the number of attempts beyond the first.
	MaxRetries int

	// BaseDelay is the delay unit multiplied by the policy's growth function.
	BaseDelay time.Duration

	// MaxDelay is the hard cap applied after growth and jitter.
	MaxDelay time.Duration

	// Policy selects the growth function. Default: exponential.
	Policy Policy

	// JitterFraction is the symmetric jitter applied to each delay
	// (0.1 means ±10%).
	JitterFraction float64

	// RetryIf determines whether an error is worth retrying.
	// Default: IsRetryable.
	RetryIf func(error) bool

	// Rand supplies randomness for jitter. Injected so backoff tests are
	// deterministic. Default: the shared math/rand source.
	Rand *rand.Rand
}

// DefaultConfig returns a default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     2,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       10 * time.Second,
		Policy:         PolicyExponential,
		JitterFraction: 0.1,
	}
}

// InferenceConfig returns configuration optimized for LLM inference calls.
// Moderate retry due to cost: failed nodes are escalated past rather than
// hammered.
func InferenceConfig() Config {
	return Config{
		MaxRetries:     2,
		BaseDelay:      2 * time.Second,
		MaxDelay:       10 * time.Second,
		Policy:         PolicyExponential,
		JitterFraction: 0.1,
	}
}

// Manager orchestrates retries for one named call site. It consults the
// idempotency cache before any network attempt, enforces the shared retry
// budget, and applies the configured backoff between attempts.
type Manager struct {
	name   string
	config Config
	budget *Budget
	cache  *IdempotencyCache

	// sleep is swappable in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// ManagerStats is a serializable snapshot of a manager and its budget.
type ManagerStats struct {
	Name       string      `json:"name"`
	MaxRetries int         `json:"max_retries"`
	Policy     string      `json:"policy"`
	Budget     BudgetStats `json:"budget"`
	CacheSize  int         `json:"cache_size"`
}

// NewManager creates a retry manager. A nil budget or cache gets a default
// instance; sharing one budget across managers is the intended production
// setup so the storm guard is global.
func NewManager(name string, cfg Config, budget *Budget, cache *IdempotencyCache) *Manager {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsRetryable
	}
	if budget == nil {
		budget = NewBudget(100, 10.0)
	}
	if cache == nil {
		cache = NewIdempotencyCache(10 * time.Minute)
	}

	return &Manager{
		name:   name,
		config: cfg,
		budget: budget,
		cache:  cache,
		sleep:  sleepContext,
	}
}

// Execute runs fn with retry orchestration.
//
// Order of operations:
//  1. A completed, non-expired result under idempotencyKey is returned
//     without calling fn.
//  2. If the retry budget is exhausted, ErrBudgetExhausted is returned
//     before any attempt.
//  3. fn runs up to MaxRetries+1 times. Non-retryable errors (client-class
//     responses, context cancellation) propagate immediately; retryable
//     errors wait out the policy delay first.
//
// On success the result is cached under idempotencyKey (when non-empty).
// Callers whose results complete later (streaming) should pass an empty key
// here and use Lookup/Complete instead.
func (m *Manager) Execute(ctx context.Context, idempotencyKey string, fn func(ctx context.Context) (any, error)) (any, error) {
	if cached, ok := m.cache.Get(idempotencyKey); ok {
		slog.Debug("idempotency cache hit, skipping backend call",
			slog.String("manager", m.name),
			slog.String("key", idempotencyKey))
		return cached, nil
	}

	if !m.budget.CanRetry() {
		return nil, fmt.Errorf("%s: %w", m.name, ErrBudgetExhausted)
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Each retry consumes budget; stop retrying the moment the
			// shared budget runs out.
			if !m.budget.CanRetry() {
				return nil, fmt.Errorf("%s: %w (last error: %v)", m.name, ErrBudgetExhausted, lastErr)
			}
			m.budget.TrackRetry()
		}
		m.budget.TrackRequest()

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				slog.Info("operation succeeded after retry",
					slog.String("manager", m.name),
					slog.Int("attempt", attempt+1))
			}
			m.cache.Put(idempotencyKey, result)
			return result, nil
		}
		lastErr = err

		if !m.config.RetryIf(err) {
			return nil, err
		}
		if attempt == m.config.MaxRetries {
			break
		}

		delay := m.Delay(attempt)
		slog.Warn("operation failed, retrying",
			slog.String("manager", m.name),
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", m.config.MaxRetries+1),
			slog.Duration("delay", delay),
			slog.Any("error", err))

		if err := m.sleep(ctx, delay); err != nil {
			return nil, fmt.Errorf("retry aborted: %w", err)
		}
	}

	return nil, fmt.Errorf("max retry attempts (%d) exceeded: %w", m.config.MaxRetries+1, lastErr)
}

// Lookup returns the cached result for an idempotency key, if any.
func (m *Manager) Lookup(key string) (any, bool) {
	return m.cache.Get(key)
}

// Complete stores a finished result under an idempotency key. Streaming
// callers invoke this after the stream has fully drained.
func (m *Manager) Complete(key string, result any) {
	m.cache.Put(key, result)
}

// Budget returns the manager's shared retry budget.
func (m *Manager) Budget() *Budget {
	return m.budget
}

// Cache returns the manager's idempotency cache.
func (m *Manager) Cache() *IdempotencyCache {
	return m.cache
}

// Name returns the manager name.
func (m *Manager) Name() string {
	return m.name
}

// GetStats returns a snapshot of the manager and its budget.
func (m *Manager) GetStats() ManagerStats {
	return ManagerStats{
		Name:       m.name,
		MaxRetries: m.config.MaxRetries,
		Policy:     m.config.Policy.String(),
		Budget:     m.budget.GetStats(),
		CacheSize:  m.cache.Len(),
	}
}

// Delay computes the backoff delay for a zero-based retry attempt, applying
// the growth policy, symmetric jitter, and the MaxDelay cap.
func (m *Manager) Delay(attempt int) time.Duration {
	base := float64(m.config.BaseDelay)

	var grown float64
	switch m.config.Policy {
	case PolicyLinear:
		grown = base * float64(attempt+1)
	case PolicyFibonacci:
		grown = base * float64(fibonacci(attempt+1))
	default:
		grown = base * float64(uint64(1)<<uint(attempt))
	}

	if m.config.JitterFraction > 0 {
		jitterRange := grown * m.config.JitterFraction
		// #nosec G404 -- math/rand is acceptable for backoff jitter;
		// cryptographic randomness is not required.
		grown += (m.randFloat()*2 - 1) * jitterRange
	}

	if grown > float64(m.config.MaxDelay) {
		grown = float64(m.config.MaxDelay)
	}
	if grown < 0 {
		grown = float64(m.config.BaseDelay)
	}
	return time.Duration(grown)
}

func (m *Manager) randFloat() float64 {
	if m.config.Rand != nil {
		return m.config.Rand.Float64()
	}
	return rand.Float64()
}

// fibonacci returns the n-th Fibonacci number (1, 1, 2, 3, 5, ...).
func fibonacci(n int) int {
	a, b := 1, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return a
}

// sleepContext waits for d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRetryable determines if an error is worth retrying.
// Client-class (4xx-equivalent) responses and context cancellation are never
// retried; transport-level failures and server-class responses are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are not retryable
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Network errors (timeout)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	// Syscall errors
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	// HTTP status codes
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		// 5xx server errors are retryable
		if httpErr.StatusCode >= 500 && httpErr.StatusCode < 600 {
			return true
		}
		// 429 Too Many Requests is retryable
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return true
		}
		// 408 Request Timeout is retryable
		if httpErr.StatusCode == http.StatusRequestTimeout {
			return true
		}
	}

	return false
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}
