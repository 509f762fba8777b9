// Package bulkhead provides concurrency admission control for outbound
// backend calls. Admission is always non-blocking: when every permit is in
// use the call is rejected immediately rather than queued, which bounds tail
// latency under overload.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrFull is returned when no permit is available at admission time.
var ErrFull = errors.New("bulkhead is full")

// ErrTimeout is returned when a call completed but exceeded the configured
// timeout. The timeout is cooperative: the call is never preempted, the
// error is raised after completion is observed.
var ErrTimeout = errors.New("bulkhead call timed out")

// Config holds the configuration for a bulkhead.
type Config struct {
	// Name identifies this bulkhead in logs and stats.
	Name string

	// MaxConcurrentCalls is the number of permits. Default: 10
	MaxConcurrentCalls int

	// MaxQueueSize is informational only: no call is ever queued, excess
	// calls fail fast. Kept in stats so operators can compare against
	// upstream queue expectations.
	MaxQueueSize int

	// Timeout is the cooperative per-call deadline. Zero disables it.
	Timeout time.Duration
}

// DefaultConfig returns a default configuration for backend bulkheads.
func DefaultConfig(name string) Config {
	return Config{
		Name:               name,
		MaxConcurrentCalls: 10,
		Timeout:            2 * time.Minute,
	}
}

// Bulkhead isolates concurrent load on one backend or pool behind a
// fixed-size permit set.
type Bulkhead struct {
	config Config
	sem    *semaphore.Weighted

	activeCalls   atomic.Int64
	totalCalls    atomic.Int64
	rejectedCalls atomic.Int64
}

// Stats is a serializable snapshot of bulkhead state.
type Stats struct {
	Name               string `json:"name"`
	MaxConcurrentCalls int    `json:"max_concurrent_calls"`
	MaxQueueSize       int    `json:"max_queue_size"`
	ActiveCalls        int64  `json:"active_calls"`
	TotalCalls         int64  `json:"total_calls"`
	RejectedCalls      int64  `json:"rejected_calls"`
}

// New creates a bulkhead with the given configuration.
func New(config Config) *Bulkhead {
	if config.MaxConcurrentCalls <= 0 {
		config.MaxConcurrentCalls = 10
	}
	return &Bulkhead{
		config: config,
		sem:    semaphore.NewWeighted(int64(config.MaxConcurrentCalls)),
	}
}

// Acquire claims one permit without blocking. It returns ErrFull when no
// permit is available and counts the rejection.
//
// Callers holding a permit across a streaming response must pair every
// successful Acquire with exactly one Release on all exit paths.
func (b *Bulkhead) Acquire() error {
	b.totalCalls.Add(1)
	if !b.sem.TryAcquire(1) {
		b.rejectedCalls.Add(1)
		return fmt.Errorf("%s: %w", b.config.Name, ErrFull)
	}
	b.activeCalls.Add(1)
	return nil
}

// Release returns one permit.
func (b *Bulkhead) Release() {
	b.activeCalls.Add(-1)
	b.sem.Release(1)
}

// Execute runs fn under a permit. The permit is released on every exit path.
// When a timeout is configured, fn receives a context with that deadline and
// Execute reports ErrTimeout if the observed duration exceeded it, even when
// fn itself returned nil.
func (b *Bulkhead) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Acquire(); err != nil {
		return err
	}
	defer b.Release()

	if b.config.Timeout <= 0 {
		return fn(ctx)
	}

	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	if elapsed := time.Since(start); elapsed > b.config.Timeout {
		if err != nil {
			return fmt.Errorf("%s: %w (after %v): %w", b.config.Name, ErrTimeout, elapsed, err)
		}
		return fmt.Errorf("%s: %w (after %v)", b.config.Name, ErrTimeout, elapsed)
	}
	return err
}

// Name returns the bulkhead name.
func (b *Bulkhead) Name() string {
	return b.config.Name
}

// Available returns the number of free permits.
func (b *Bulkhead) Available() int {
	return b.config.MaxConcurrentCalls - int(b.activeCalls.Load())
}

// GetStats returns a snapshot of the bulkhead counters.
func (b *Bulkhead) GetStats() Stats {
	return Stats{
		Name:               b.config.Name,
		MaxConcurrentCalls: b.config.MaxConcurrentCalls,
		MaxQueueSize:       b.config.MaxQueueSize,
		ActiveCalls:        b.activeCalls.Load(),
		TotalCalls:         b.totalCalls.Load(),
		RejectedCalls:      b.rejectedCalls.Load(),
	}
}
