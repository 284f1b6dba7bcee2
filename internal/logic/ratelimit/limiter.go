package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickwarner/admatch/internal/observability"
)

// Scope labels used in rate limit metrics.
const (
	ScopeUser      = "user"
	ScopeSession   = "session"
	ScopeAnonymous = "anonymous"
)

// Config holds the configuration for rate limiting.
type Config struct {
	Capacity   int  // burst allowance
	RefillRate int  // tokens per second
	Enabled    bool
}

// UserLimiter keeps one token bucket per caller key, created lazily.
//
//	limiter := NewUserLimiter(Config{Capacity: 20, RefillRate: 2, Enabled: true}, metrics)
//	if !limiter.Allow(q.UserID, q.SessionID) {
//	    // respond 429
//	}
type UserLimiter struct {
	buckets map[string]*TokenBucket
	mu      sync.RWMutex
	config  Config
	metrics observability.MetricsRegistry
}

// NewUserLimiter creates a limiter with the given configuration.
func NewUserLimiter(config Config, metrics observability.MetricsRegistry) *UserLimiter {
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &UserLimiter{
		buckets: make(map[string]*TokenBucket),
		config:  config,
		metrics: metrics,
	}
}

// Key returns the bucket key and metric scope for a caller. Requests without
// a user or session id share one anonymous bucket.
func Key(userID, sessionID string) (key, scope string) {
	switch {
	case userID != "":
		return "u:" + userID, ScopeUser
	case sessionID != "":
		return "s:" + sessionID, ScopeSession
	default:
		return "anon", ScopeAnonymous
	}
}

// Allow reports whether a request from the caller may proceed. It always
// returns true when rate limiting is disabled.
func (l *UserLimiter) Allow(userID, sessionID string) bool {
	if !l.config.Enabled {
		return true
	}
	key, scope := Key(userID, sessionID)
	l.metrics.IncrementRateLimitRequests(scope)

	l.mu.RLock()
	bucket, exists := l.buckets[key]
	l.mu.RUnlock()

	if !exists {
		l.mu.Lock()
		bucket, exists = l.buckets[key]
		if !exists {
			bucket = NewTokenBucket(l.config.Capacity, l.config.RefillRate)
			l.buckets[key] = bucket
		}
		l.mu.Unlock()
	}

	allowed := bucket.Allow()
	if !allowed {
		l.metrics.IncrementRateLimitHits(scope)
	}
	return allowed
}

// Evict drops buckets unused for longer than idle and returns how many were
// removed.
func (l *UserLimiter) Evict(idle time.Duration) int {
	cutoff := nowFn().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for key, b := range l.buckets {
		if b.idleSince(cutoff) {
			delete(l.buckets, key)
			n++
		}
	}
	return n
}

// StartEviction runs Evict every interval until ctx is done.
func (l *UserLimiter) StartEviction(ctx context.Context, interval, idle time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.Evict(idle)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// GetStats returns a snapshot of per-key statistics.
func (l *UserLimiter) GetStats() map[string]RateLimitStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(l.buckets))
	for key, bucket := range l.buckets {
		hits, total := bucket.Stats()
		hitRate := 0.0
		if total > 0 {
			hitRate = float64(hits) / float64(total)
		}
		stats[key] = RateLimitStats{Key: key, Hits: hits, Total: total, HitRate: hitRate}
	}
	return stats
}

// RateLimitStats contains statistics about rate limiting for a single key.
type RateLimitStats struct {
	Key     string  `json:"key"`
	Hits    int64   `json:"hits"`
	Total   int64   `json:"total"`
	HitRate float64 `json:"hit_rate"`
}

// String returns a human-readable representation of the rate limit statistics.
func (rls RateLimitStats) String() string {
	return fmt.Sprintf("%s: %d/%d hits (%.2f%%)", rls.Key, rls.Hits, rls.Total, rls.HitRate*100)
}
