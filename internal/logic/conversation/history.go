// Package conversation keeps a short window of recent queries per
// conversation so the analyzer can score a query against what the user was
// just talking about.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/admatch/internal/db"
)

// nowFn is replaced in tests.
var nowFn = time.Now

// Defaults for a conversation window.
const (
	DefaultSize = 5
	DefaultTTL  = 30 * time.Minute
)

// ErrNoClient is returned by RedisHistory when it has no Redis connection.
var ErrNoClient = errors.New("conversation history has no redis client")

// History stores the most recent queries of each conversation.
type History interface {
	// Recent returns up to the window size of earlier queries for key,
	// oldest first. Unknown or expired conversations return nil.
	Recent(ctx context.Context, key string) ([]string, error)
	// Append records text as the newest query of key.
	Append(ctx context.Context, key, text string) error
}

func normalize(size int, ttl time.Duration) (int, time.Duration) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return size, ttl
}

type window struct {
	queries []string
	updated time.Time
}

// MemoryHistory keeps windows in process. Idle conversations expire after
// the TTL and are dropped by Evict.
type MemoryHistory struct {
	mu       sync.Mutex
	size     int
	ttl      time.Duration
	sessions map[string]*window
}

func NewMemoryHistory(size int, ttl time.Duration) *MemoryHistory {
	size, ttl = normalize(size, ttl)
	return &MemoryHistory{size: size, ttl: ttl, sessions: make(map[string]*window)}
}

func (h *MemoryHistory) Recent(_ context.Context, key string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.sessions[key]
	if !ok || nowFn().Sub(w.updated) > h.ttl {
		return nil, nil
	}
	return append([]string(nil), w.queries...), nil
}

func (h *MemoryHistory) Append(_ context.Context, key, text string) error {
	now := nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	w, ok := h.sessions[key]
	if !ok || now.Sub(w.updated) > h.ttl {
		w = &window{}
		h.sessions[key] = w
	}
	w.queries = append(w.queries, text)
	if len(w.queries) > h.size {
		w.queries = append(w.queries[:0:0], w.queries[len(w.queries)-h.size:]...)
	}
	w.updated = now
	return nil
}

// Evict drops conversations idle for longer than the TTL and returns how many
// were removed.
func (h *MemoryHistory) Evict() int {
	now := nowFn()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for k, w := range h.sessions {
		if now.Sub(w.updated) > h.ttl {
			delete(h.sessions, k)
			n++
		}
	}
	return n
}

// StartEviction runs Evict every interval until ctx is done.
func (h *MemoryHistory) StartEviction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				h.Evict()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// RedisHistory keeps each window in a capped Redis list so every instance
// sees the same conversation. Lists expire after the TTL of inactivity.
type RedisHistory struct {
	rs   *db.RedisStore
	size int
	ttl  time.Duration
}

func NewRedisHistory(rs *db.RedisStore, size int, ttl time.Duration) *RedisHistory {
	size, ttl = normalize(size, ttl)
	return &RedisHistory{rs: rs, size: size, ttl: ttl}
}

func historyKey(key string) string { return "conv:" + key }

func (h *RedisHistory) Recent(ctx context.Context, key string) ([]string, error) {
	if h.rs == nil || h.rs.Client == nil {
		return nil, ErrNoClient
	}
	out, err := h.rs.Client.LRange(ctx, historyKey(key), int64(-h.size), -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read conversation %s: %w", key, err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (h *RedisHistory) Append(ctx context.Context, key, text string) error {
	if h.rs == nil || h.rs.Client == nil {
		return ErrNoClient
	}
	k := historyKey(key)
	_, err := h.rs.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, k, text)
		p.LTrim(ctx, k, int64(-h.size), -1)
		p.Expire(ctx, k, h.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append conversation %s: %w", key, err)
	}
	return nil
}
