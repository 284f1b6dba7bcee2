// Package ratelimit throttles match requests per user with token buckets.
//
// Each key gets a bucket that holds up to Capacity tokens and refills at
// RefillRate tokens per second, so short bursts pass while the sustained rate
// stays bounded.
package ratelimit

import (
	"sync"
	"time"
)

// nowFn is replaced in tests.
var nowFn = time.Now

// TokenBucket is a thread-safe token bucket. Tokens accrue fractionally so
// low refill rates still make progress between calls.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64
	lastRefill time.Time
	lastUsed   time.Time
	hitCount   int64
	totalCount int64
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(capacity, refillRate int) *TokenBucket {
	now := nowFn()
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now,
		lastUsed:   now,
	}
}

// Allow consumes one token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := nowFn()
	tb.totalCount++
	tb.lastUsed = now

	if elapsed := now.Sub(tb.lastRefill); elapsed > 0 {
		tb.tokens = min(tb.capacity, tb.tokens+elapsed.Seconds()*tb.refillRate)
		tb.lastRefill = now
	}

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	tb.hitCount++
	return false
}

// Stats returns how many requests were rejected and how many were seen.
func (tb *TokenBucket) Stats() (hits, total int64) {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.hitCount, tb.totalCount
}

// idleSince reports whether the bucket has been unused since t.
func (tb *TokenBucket) idleSince(t time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastUsed.Before(t)
}
