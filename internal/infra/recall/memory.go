package recall

import (
	"context"
	"sync"
)

// Memory is an in-process recall store keyed by exact context hash. It has no
// semantic matching; it exists for single-instance deployments and tests
// where Postgres is not configured.
type Memory struct {
	mu      sync.Mutex
	entries map[string][]string
	order   []string
	maxSize int
}

// NewMemory creates an in-memory store holding at most maxSize entries.
// Zero or negative means 1024.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &Memory{
		entries: make(map[string][]string),
		maxSize: maxSize,
	}
}

// Recall returns the stored chunks for an exact context hash match.
func (m *Memory) Recall(_ context.Context, _, contextHash string) ([]string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chunks, ok := m.entries[contextHash]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), chunks...), true, nil
}

// Store saves a completed response, evicting the oldest entry when full.
func (m *Memory) Store(_ context.Context, _, contextHash string, chunks []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[contextHash]; !exists {
		if len(m.order) >= m.maxSize {
			oldest := m.order[0]
			m.order = m.order[1:]
			delete(m.entries, oldest)
		}
		m.order = append(m.order, contextHash)
	}
	m.entries[contextHash] = append([]string(nil), chunks...)
	return nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
