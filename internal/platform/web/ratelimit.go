package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"
)

// submitter tracks the token-bucket state for one compile-request source,
// keyed by remote address.
type submitter struct {
	// mu protects this submitter's own state (tokens, lastRefill), so
	// concurrent requests from different submitters never contend on a
	// shared lock.
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// RateLimiter throttles compile-request submissions per source address
// using a token-bucket algorithm, so a single misbehaving client can't
// monopolize the worker pool ahead of everyone else queued behind it.
type RateLimiter struct {
	// submitters maps a remote address to its bucket state.
	submitters map[string]*submitter
	// mu protects the submitters map itself (registration/eviction). An
	// RWMutex lets concurrent requests share the read path.
	mu sync.RWMutex

	// rate is the number of compile requests admitted per second, once a
	// submitter's burst allowance is exhausted.
	rate float64
	// capacity is the largest burst a single submitter may spend at once.
	capacity float64

	// cleanupInterval is how often idle submitters are swept out of the map.
	cleanupInterval time.Duration
	// idleTimeout is how long a submitter may sit without a request before
	// it is evicted, freeing its bucket state.
	idleTimeout time.Duration
}

// NewRateLimiter builds a RateLimiter admitting rate compile requests per
// second per submitter, with bursts up to capacity, and starts its
// background eviction sweep. cleanupInterval and idleTimeout of zero fall
// back to defaults sized for a compile endpoint rather than a generic API.
func NewRateLimiter(rate, capacity float64, cleanupInterval, idleTimeout time.Duration) *RateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	if idleTimeout <= 0 {
		idleTimeout = 3 * time.Minute
	}

	rl := &RateLimiter{
		submitters:      make(map[string]*submitter),
		rate:            rate,
		capacity:        capacity,
		cleanupInterval: cleanupInterval,
		idleTimeout:     idleTimeout,
	}

	go rl.evictIdleSubmitters()

	return rl
}

// submitterFor retrieves or creates the bucket state for addr.
func (rl *RateLimiter) submitterFor(addr string) *submitter {
	rl.mu.RLock()
	s, exists := rl.submitters[addr]
	rl.mu.RUnlock()

	if exists {
		return s
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if s, exists = rl.submitters[addr]; !exists {
		s = &submitter{
			tokens:     rl.capacity,
			lastRefill: time.Now(),
		}
		rl.submitters[addr] = s
	}

	return s
}

// Allow reports whether a compile request from addr may proceed right
// now, lazily refilling addr's bucket for the elapsed time since its last
// request before spending a token.
func (rl *RateLimiter) Allow(addr string) bool {
	s := rl.submitterFor(addr)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	elapsed := now.Sub(s.lastRefill).Seconds()
	if tokensToAdd := elapsed * rl.rate; tokensToAdd > 0 {
		s.tokens += tokensToAdd
		if s.tokens > rl.capacity {
			s.tokens = rl.capacity
		}
		s.lastRefill = now
	}

	if s.tokens >= 1.0 {
		s.tokens--
		return true
	}

	return false
}

// evictIdleSubmitters periodically drops submitters that haven't sent a
// compile request within idleTimeout, so a server fielding traffic from
// many transient CI runners doesn't grow the map without bound.
func (rl *RateLimiter) evictIdleSubmitters() {
	for {
		time.Sleep(rl.cleanupInterval)

		rl.mu.Lock()
		for addr, s := range rl.submitters {
			s.mu.Lock()
			idle := time.Since(s.lastRefill) > rl.idleTimeout
			s.mu.Unlock()
			if idle {
				delete(rl.submitters, addr)
			}
		}
		rl.mu.Unlock()
	}
}

// RateLimitMiddleware wraps a compile endpoint handler, rejecting requests
// over the configured rate with 429 before they ever reach the worker pool.
func (rl *RateLimiter) RateLimitMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		addr := r.RemoteAddr
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			addr = fwd
		} else if strings.Contains(addr, ":") {
			addr = strings.Split(addr, ":")[0]
		}

		if !rl.Allow(addr) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "too many compile requests, slow down"})
			return
		}

		next(w, r)
	}
}
