package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// CatalogChannel is the pub/sub channel announcing catalog changes.
const CatalogChannel = "catalog-updates"

// DayFormat keys per-day counters by UTC date.
const DayFormat = "2006-01-02"

// RedisStore wraps a redis client and context for operations.
type RedisStore struct {
	Client *redis.Client
	Ctx    context.Context
}

// InitRedis initializes a Redis client and returns a RedisStore.
func InitRedis(addr string) (*RedisStore, error) {
	rs := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Ctx:    context.Background(),
	}

	if err := redisotel.InstrumentTracing(rs.Client); err != nil {
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}

	if err := rs.Client.Ping(rs.Ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	zap.L().Info("Connected to Redis", zap.String("addr", addr))
	return rs, nil
}

func adMetricsKey(adID string) string { return "admetrics:" + adID }

// IncrementAdEvent bumps the lifetime counter for eventType on an ad and the
// per-day counter, which expires after 48h.
func (r *RedisStore) IncrementAdEvent(ctx context.Context, adID, eventType string, at time.Time) error {
	dayKey := fmt.Sprintf("event:%s:ad:%s:%s", eventType, adID, at.UTC().Format(DayFormat))
	_, err := r.Client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, adMetricsKey(adID), eventType, 1)
		p.Incr(ctx, dayKey)
		p.Expire(ctx, dayKey, 48*time.Hour)
		return nil
	})
	return err
}

// AdEventCounts returns the lifetime event counters recorded for an ad.
func (r *RedisStore) AdEventCounts(ctx context.Context, adID string) (map[string]int64, error) {
	raw, err := r.Client.HGetAll(ctx, adMetricsKey(adID)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, perr := strconv.ParseInt(v, 10, 64)
		if perr != nil {
			continue
		}
		out[k] = n
	}
	return out, nil
}

// UpdateMessage announces a catalog change to every server instance.
type UpdateMessage struct {
	Entity string `json:"entity"` // "campaign", "ad" or "catalog"
	Action string `json:"action"` // "upsert", "delete" or "reload"
	ID     string `json:"id,omitempty"`
}

// PublishCatalogUpdate sends msg on CatalogChannel.
func (r *RedisStore) PublishCatalogUpdate(ctx context.Context, msg UpdateMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.Client.Publish(ctx, CatalogChannel, data).Err()
}

// SubscribeCatalogUpdates calls fn for every message on CatalogChannel until
// ctx is cancelled. Malformed messages are logged and skipped.
func (r *RedisStore) SubscribeCatalogUpdates(ctx context.Context, logger *zap.Logger, fn func(UpdateMessage)) error {
	sub := r.Client.Subscribe(ctx, CatalogChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", CatalogChannel, err)
	}
	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var msg UpdateMessage
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					logger.Warn("invalid catalog update message", zap.String("payload", m.Payload), zap.Error(err))
					continue
				}
				fn(msg)
			}
		}
	}()
	return nil
}

// Close shuts down the Redis client.
func (r *RedisStore) Close() {
	if r != nil && r.Client != nil {
		if err := r.Client.Close(); err != nil {
			zap.L().Error("redis close", zap.Error(err))
		}
	}
}
