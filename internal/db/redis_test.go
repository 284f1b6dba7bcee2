package db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := &RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}
	t.Cleanup(store.Close)
	return s, store
}

func TestIncrementAdEvent(t *testing.T) {
	s, store := setupTestRedis(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

	require.NoError(t, store.IncrementAdEvent(ctx, "ad1", "impression", at))
	require.NoError(t, store.IncrementAdEvent(ctx, "ad1", "impression", at))
	require.NoError(t, store.IncrementAdEvent(ctx, "ad1", "click", at))

	counts, err := store.AdEventCounts(ctx, "ad1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"impression": 2, "click": 1}, counts)

	v, err := s.Get("event:impression:ad:ad1:2025-03-10")
	require.NoError(t, err)
	assert.Equal(t, "2", v)
	assert.Equal(t, 48*time.Hour, s.TTL("event:impression:ad:ad1:2025-03-10"))
}

func TestCatalogUpdatesPubSub(t *testing.T) {
	_, store := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan UpdateMessage, 1)
	require.NoError(t, store.SubscribeCatalogUpdates(ctx, zap.NewNop(), func(m UpdateMessage) { got <- m }))
	require.NoError(t, store.PublishCatalogUpdate(ctx, UpdateMessage{Entity: "campaign", Action: "upsert", ID: "c1"}))

	select {
	case m := <-got:
		assert.Equal(t, UpdateMessage{Entity: "campaign", Action: "upsert", ID: "c1"}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
	}
}
