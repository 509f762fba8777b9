// Package resilience ties the breaker, retry, and bulkhead primitives into a
// single registry owned by the application's startup context. Named instances
// are created lazily and live for the process lifetime; there is no ambient
// global state, the registry is passed by handle to every call site.
package resilience

import (
	"sort"
	"sync"
	"time"

	"inference-mesh/internal/resilience/bulkhead"
	"inference-mesh/internal/resilience/circuitbreaker"
	"inference-mesh/internal/resilience/retry"
)

// Config holds the defaults applied to lazily created instances.
type Config struct {
	// BreakerDefaults produces the configuration for a named breaker.
	// Default: circuitbreaker.DefaultConfig.
	BreakerDefaults func(name string) circuitbreaker.Config

	// RetryDefaults produces the configuration for a named retry manager.
	// Default: retry.DefaultConfig.
	RetryDefaults func(name string) retry.Config

	// BulkheadDefaults produces the configuration for a named bulkhead.
	// Default: bulkhead.DefaultConfig.
	BulkheadDefaults func(name string) bulkhead.Config

	// BudgetWindow and BudgetPercent configure the shared retry budget.
	BudgetWindow  int
	BudgetPercent float64

	// IdempotencyTTL configures the shared idempotency cache.
	IdempotencyTTL time.Duration
}

// Registry hands out named circuit breakers, retry managers, and bulkheads.
// All retry managers share one budget and one idempotency cache so the
// retry-storm guard and call deduplication are process-wide.
type Registry struct {
	config Config

	mu        sync.Mutex
	breakers  map[string]*circuitbreaker.CircuitBreaker
	managers  map[string]*retry.Manager
	bulkheads map[string]*bulkhead.Bulkhead

	budget *retry.Budget
	cache  *retry.IdempotencyCache
}

// Stats is a serializable snapshot of every named instance, exported for
// operational visibility.
type Stats struct {
	Breakers      []circuitbreaker.Stats `json:"circuit_breakers"`
	RetryManagers []retry.ManagerStats   `json:"retry_managers"`
	Bulkheads     []bulkhead.Stats       `json:"bulkheads"`
	Budget        retry.BudgetStats      `json:"retry_budget"`
}

// NewRegistry creates a registry with the given defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.BreakerDefaults == nil {
		cfg.BreakerDefaults = circuitbreaker.DefaultConfig
	}
	if cfg.RetryDefaults == nil {
		cfg.RetryDefaults = func(string) retry.Config { return retry.DefaultConfig() }
	}
	if cfg.BulkheadDefaults == nil {
		cfg.BulkheadDefaults = bulkhead.DefaultConfig
	}
	if cfg.BudgetWindow <= 0 {
		cfg.BudgetWindow = 100
	}
	if cfg.BudgetPercent <= 0 {
		cfg.BudgetPercent = 10.0
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 10 * time.Minute
	}

	return &Registry{
		config:    cfg,
		breakers:  make(map[string]*circuitbreaker.CircuitBreaker),
		managers:  make(map[string]*retry.Manager),
		bulkheads: make(map[string]*bulkhead.Bulkhead),
		budget:    retry.NewBudget(cfg.BudgetWindow, cfg.BudgetPercent),
		cache:     retry.NewIdempotencyCache(cfg.IdempotencyTTL),
	}
}

// Breaker returns the named circuit breaker, creating it on first use.
func (r *Registry) Breaker(name string) *circuitbreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	cb, ok := r.breakers[name]
	if !ok {
		cb = circuitbreaker.New(r.config.BreakerDefaults(name))
		r.breakers[name] = cb
	}
	return cb
}

// RetryManager returns the named retry manager, creating it on first use.
// Every manager shares the registry's budget and idempotency cache.
func (r *Registry) RetryManager(name string) *retry.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.managers[name]
	if !ok {
		m = retry.NewManager(name, r.config.RetryDefaults(name), r.budget, r.cache)
		r.managers[name] = m
	}
	return m
}

// Bulkhead returns the named bulkhead, creating it on first use.
func (r *Registry) Bulkhead(name string) *bulkhead.Bulkhead {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bulkheads[name]
	if !ok {
		b = bulkhead.New(r.config.BulkheadDefaults(name))
		r.bulkheads[name] = b
	}
	return b
}

// Budget returns the process-wide retry budget.
func (r *Registry) Budget() *retry.Budget {
	return r.budget
}

// Cache returns the process-wide idempotency cache.
func (r *Registry) Cache() *retry.IdempotencyCache {
	return r.cache
}

// GetStats returns a snapshot of every named instance, sorted by name for
// stable output.
func (r *Registry) GetStats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{Budget: r.budget.GetStats()}
	for _, cb := range r.breakers {
		stats.Breakers = append(stats.Breakers, cb.GetStats())
	}
	for _, m := range r.managers {
		stats.RetryManagers = append(stats.RetryManagers, m.GetStats())
	}
	for _, b := range r.bulkheads {
		stats.Bulkheads = append(stats.Bulkheads, b.GetStats())
	}

	sort.Slice(stats.Breakers, func(i, j int) bool { return stats.Breakers[i].Name < stats.Breakers[j].Name })
	sort.Slice(stats.RetryManagers, func(i, j int) bool { return stats.RetryManagers[i].Name < stats.RetryManagers[j].Name })
	sort.Slice(stats.Bulkheads, func(i, j int) bool { return stats.Bulkheads[i].Name < stats.Bulkheads[j].Name })
	return stats
}
