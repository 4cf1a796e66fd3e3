package dht

import (
	"sync"
	"time"
)

// RateLimiter implements a per-peer token bucket guarding inbound lookup
// traffic.
type RateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*tokenBucket
	capacity int
	refill   time.Duration
	cleanup  time.Duration

	lastCleanup time.Time
}

type tokenBucket struct {
	tokens   int
	lastSeen time.Time
}

// RateLimiterConfig holds rate limiter configuration.
type RateLimiterConfig struct {
	Capacity int           // Maximum tokens (requests) per bucket
	Refill   time.Duration // Time to refill one token
	Cleanup  time.Duration // How often to clean up idle buckets
}

// NewRateLimiter creates a rate limiter with defaults filled in.
func NewRateLimiter(config *RateLimiterConfig) *RateLimiter {
	if config == nil {
		config = &RateLimiterConfig{}
	}
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = 60
	}
	refill := config.Refill
	if refill <= 0 {
		refill = time.Second
	}
	cleanup := config.Cleanup
	if cleanup <= 0 {
		cleanup = 10 * time.Minute
	}
	return &RateLimiter{
		buckets:     make(map[string]*tokenBucket),
		capacity:    capacity,
		refill:      refill,
		cleanup:     cleanup,
		lastCleanup: time.Now(),
	}
}

// Allow checks whether a request from the given peer should be admitted.
func (rl *RateLimiter) Allow(peerID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastCleanup) > rl.cleanup {
		rl.performCleanup(now)
		rl.lastCleanup = now
	}

	b, exists := rl.buckets[peerID]
	if !exists {
		rl.buckets[peerID] = &tokenBucket{tokens: rl.capacity - 1, lastSeen: now}
		return true
	}

	refilled := int(now.Sub(b.lastSeen) / rl.refill)
	if refilled > 0 {
		b.tokens += refilled
		if b.tokens > rl.capacity {
			b.tokens = rl.capacity
		}
	}
	b.lastSeen = now

	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// performCleanup drops buckets idle longer than two cleanup intervals.
// Caller holds the lock.
func (rl *RateLimiter) performCleanup(now time.Time) {
	cutoff := now.Add(-2 * rl.cleanup)
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}
