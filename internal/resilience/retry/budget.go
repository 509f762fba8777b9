package retry

import (
	"sync"
)

// Budget caps the fraction of traffic that may be retries over a rolling
// window, protecting backends from retry storms. Every attempt (including the
// first) is tracked as a request; every attempt beyond the first for the same
// logical call is additionally tracked as a retry.
//
// The window compacts by multiplying both counters by 0.9 once the request
// counter exceeds the window size. This preserves the observed retry rate
// while bounding counter growth.
type Budget struct {
	mu            sync.Mutex
	windowSize    float64
	budgetPercent float64
	totalRequests float64
	totalRetries  float64
}

// BudgetStats is a serializable snapshot of budget state.
type BudgetStats struct {
	TotalRequests float64 `json:"total_requests"`
	TotalRetries  float64 `json:"total_retries"`
	RetryRate     float64 `json:"retry_rate"`
	BudgetPercent float64 `json:"budget_percent"`
}

// NewBudget creates a retry budget.
//
// Parameters:
//   - windowSize: number of requests after which counters are compacted
//   - budgetPercent: maximum retry rate as a percentage (e.g. 10.0 allows
//     retries up to 10% of tracked requests)
func NewBudget(windowSize int, budgetPercent float64) *Budget {
	if windowSize <= 0 {
		windowSize = 100
	}
	if budgetPercent <= 0 {
		budgetPercent = 10.0
	}
	return &Budget{
		windowSize:    float64(windowSize),
		budgetPercent: budgetPercent,
	}
}

// CanRetry reports whether the windowed retry rate is still below the budget.
// It returns true when no requests have been tracked yet.
func (b *Budget) CanRetry() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.totalRequests == 0 {
		return true
	}
	return (b.totalRetries/b.totalRequests)*100 < b.budgetPercent
}

// TrackRequest records one attempt. Compaction happens here so the counters
// never grow past the window size unchecked.
func (b *Budget) TrackRequest() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalRequests++
	if b.totalRequests > b.windowSize {
		b.totalRequests *= 0.9
		b.totalRetries *= 0.9
	}
}

// TrackRetry records one retry attempt (an attempt beyond the first for the
// same logical call).
func (b *Budget) TrackRetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.totalRetries++
}

// GetStats returns a snapshot of the budget counters and derived retry rate.
func (b *Budget) GetStats() BudgetStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 0.0
	if b.totalRequests > 0 {
		rate = b.totalRetries / b.totalRequests
	}
	return BudgetStats{
		TotalRequests: b.totalRequests,
		TotalRetries:  b.totalRetries,
		RetryRate:     rate,
		BudgetPercent: b.budgetPercent,
	}
}
