package retry

import (
	"sync"
	"time"
)

// idempotencyEntry holds a completed result for a caller-supplied key.
type idempotencyEntry struct {
	key       string
	result    any
	createdAt time.Time
	ttl       time.Duration
	completed bool
}

// IdempotencyCache stores completed call results keyed by caller-supplied
// idempotency keys. A hit short-circuits the call entirely: two calls sharing
// a non-expired key invoke the backend exactly once.
//
// The cache is in-process and resets on restart, like all resilience state.
type IdempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewIdempotencyCache creates a cache whose entries expire after ttl.
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &IdempotencyCache{
		entries: make(map[string]*idempotencyEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached result for key if it is completed and not expired.
func (c *IdempotencyCache) Get(key string) (any, bool) {
	if key == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok || !entry.completed {
		return nil, false
	}
	if c.now().Sub(entry.createdAt) > entry.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.result, true
}

// Put stores a completed result for key. An empty key is ignored.
func (c *IdempotencyCache) Put(key string, result any) {
	if key == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &idempotencyEntry{
		key:       key,
		result:    result,
		createdAt: c.now(),
		ttl:       c.ttl,
		completed: true,
	}
}

// Purge removes expired entries and returns how many were dropped.
// The maintenance worker calls this periodically.
func (c *IdempotencyCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	now := c.now()
	for key, entry := range c.entries {
		if now.Sub(entry.createdAt) > entry.ttl {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached entries, including any not yet expired.
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
