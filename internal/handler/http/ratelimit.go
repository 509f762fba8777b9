package http

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"inference-mesh/internal/handler/http/respond"
)

// clientLimiter pairs a token bucket with its last-seen time for cleanup.
type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter implements per-client-IP rate limiting with a token bucket per
// client. Idle client entries are evicted lazily so memory stays bounded.
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter

	rps       rate.Limit
	burst     int
	idleAfter time.Duration
	lastClean time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond sustained
// throughput per client with the given burst capacity.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		clients:   make(map[string]*clientLimiter),
		rps:       rate.Limit(requestsPerSecond),
		burst:     burst,
		idleAfter: 10 * time.Minute,
		lastClean: time.Now(),
	}
}

// Middleware rejects requests exceeding the per-client rate with 429 and a
// Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.allow(ip) {
			w.Header().Set("Retry-After", "1")
			respond.Error(w, http.StatusTooManyRequests,
				fmt.Errorf("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastClean) > rl.idleAfter {
		for key, c := range rl.clients {
			if now.Sub(c.lastSeen) > rl.idleAfter {
				delete(rl.clients, key)
			}
		}
		rl.lastClean = now
	}

	c, ok := rl.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.Allow()
}

// clientIP extracts the client address, ignoring the port. Proxy headers are
// deliberately not consulted: this gateway is expected to sit behind a
// trusted LB that preserves source addresses, and honoring X-Forwarded-For
// from arbitrary clients would let them spoof their way past the limit.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
