package server

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter limits requests per client with a token bucket each
type RateLimiter struct {
	limiters map[string]*clientLimiter
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idle     time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin per client with the given burst
func NewRateLimiter(requestsPerMin, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*clientLimiter),
		limit:    rate.Limit(float64(requestsPerMin) / 60.0),
		burst:    burst,
		idle:     time.Hour,
	}
}

// Allow reports whether the client may make a request now
func (r *RateLimiter) Allow(clientIP string) bool {
	r.mu.Lock()
	cl, exists := r.limiters[clientIP]
	if !exists {
		cl = &clientLimiter{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.limiters[clientIP] = cl
	}
	cl.lastSeen = time.Now()
	r.mu.Unlock()

	return cl.limiter.Allow()
}

// Cleanup removes limiters of clients idle longer than the idle window
func (r *RateLimiter) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-r.idle)
	for ip, cl := range r.limiters {
		if cl.lastSeen.Before(cutoff) {
			delete(r.limiters, ip)
		}
	}
}

// Clients returns the number of tracked clients
func (r *RateLimiter) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// StartCleanup runs Cleanup periodically until ctx ends
func (r *RateLimiter) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}
