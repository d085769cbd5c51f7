// Package ratelimit provides a keyed token-bucket rate limiter shared by
// every WebSocket server component. Keys are arbitrary strings, usually a
// remote IP, sometimes a caller-supplied client node id.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter enforces a per-key token bucket of ratePerMin steady-state and
// burst capacity. Buckets idle longer than the idle TTL are evicted
// opportunistically on the next call; there is no background goroutine.
type Limiter struct {
	ratePerMin int
	burst      int
	idleTTL    time.Duration

	mu          sync.Mutex
	buckets     map[string]*bucket
	lastCleanup time.Time
}

// New creates a Limiter. ratePerMin is clamped to at least 1; a zero burst
// defaults to ratePerMin; a zero idleTTL defaults to 5 minutes.
func New(ratePerMin, burst int, idleTTL time.Duration) *Limiter {
	if ratePerMin < 1 {
		ratePerMin = 1
	}
	if burst <= 0 {
		burst = ratePerMin
	}
	if idleTTL <= 0 {
		idleTTL = 5 * time.Minute
	}
	return &Limiter{
		ratePerMin:  ratePerMin,
		burst:       burst,
		idleTTL:     idleTTL,
		buckets:     make(map[string]*bucket),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether one request under key is admitted now.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.cleanupLocked()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.ratePerMin)/60.0), l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = time.Now()
	return b.limiter.Allow()
}

// Len returns the number of live buckets. Used by tests.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) cleanupLocked() {
	now := time.Now()
	if now.Sub(l.lastCleanup) < l.idleTTL {
		return
	}
	l.lastCleanup = now
	cutoff := now.Add(-l.idleTTL)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
