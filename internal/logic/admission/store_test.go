package admission

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/logic"
)

var day1 = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

// setupTestRedis spins up an in-memory Redis.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *db.RedisStore) {
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	store := &db.RedisStore{
		Client: redis.NewClient(&redis.Options{Addr: s.Addr()}),
		Ctx:    context.Background(),
	}
	t.Cleanup(store.Close)
	return s, store
}

func storeFactories() map[string]func(t *testing.T, w Window) Store {
	return map[string]func(t *testing.T, w Window) Store{
		"memory": func(t *testing.T, w Window) Store { return NewMemoryStore(w) },
		"redis": func(t *testing.T, w Window) Store {
			_, rs := setupTestRedis(t)
			return NewRedisStore(rs, w)
		},
	}
}

func reserve(t *testing.T, s Store, r Reservation) Outcome {
	t.Helper()
	out, err := s.Reserve(context.Background(), r)
	require.NoError(t, err)
	return out
}

func TestStoreFrequencyCapPerDay(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			r := Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 3, Cost: 0.1, Limit: -1, Now: day1}
			for i := 0; i < 3; i++ {
				assert.Equal(t, Admitted, reserve(t, s, r), "admission %d", i+1)
			}
			assert.Equal(t, FrequencyCapped, reserve(t, s, r))

			n, err := s.FrequencyCount(context.Background(), "u1", "x", day1)
			require.NoError(t, err)
			assert.Equal(t, 3, n)

			// other users and other ads are unaffected
			assert.Equal(t, Admitted, reserve(t, s, Reservation{Subject: "u2", AdID: "x", CampaignID: "c", Cap: 3, Limit: -1, Now: day1}))
			assert.Equal(t, Admitted, reserve(t, s, Reservation{Subject: "u1", AdID: "y", CampaignID: "c", Cap: 3, Limit: -1, Now: day1}))

			next := r
			next.Now = day1.Add(10 * time.Hour) // 01:00 UTC the next day
			assert.Equal(t, Admitted, reserve(t, s, next))
		})
	}
}

func TestStoreRollingWindow(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, Window{Rolling: true, Span: time.Hour})
			r := Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 1, Limit: -1, Now: day1}
			assert.Equal(t, Admitted, reserve(t, s, r))
			r.Now = day1.Add(30 * time.Minute)
			assert.Equal(t, FrequencyCapped, reserve(t, s, r))
			r.Now = day1.Add(61 * time.Minute)
			assert.Equal(t, Admitted, reserve(t, s, r))
		})
	}
}

func TestStoreBudget(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			r := Reservation{AdID: "x", CampaignID: "c", Cost: 0.5, Limit: 1.0, Now: day1}
			assert.Equal(t, Admitted, reserve(t, s, r))
			assert.Equal(t, Admitted, reserve(t, s, r))
			assert.Equal(t, OverBudget, reserve(t, s, r))

			spent, err := s.DailySpend(context.Background(), []string{"c", "other"}, day1)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, spent["c"], 1e-9)
			_, ok := spent["other"]
			assert.False(t, ok)

			tomorrow, err := s.DailySpend(context.Background(), []string{"c"}, day1.Add(24*time.Hour))
			require.NoError(t, err)
			assert.Zero(t, tomorrow["c"])
		})
	}
}

func TestStoreBudgetFractionalCosts(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			// 0.1 three times rounds just above 0.3
			r := Reservation{AdID: "x", CampaignID: "c", Cost: 0.1, Limit: 0.3, Now: day1}
			for i := 0; i < 3; i++ {
				assert.Equal(t, Admitted, reserve(t, s, r), "admission %d", i+1)
			}
			assert.Equal(t, OverBudget, reserve(t, s, r))
		})
	}
}

func TestStoreOverBudgetDoesNotChargeFrequency(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			assert.Equal(t, OverBudget, reserve(t, s, Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 1, Cost: 2, Limit: 1, Now: day1}))
			n, err := s.FrequencyCount(context.Background(), "u1", "x", day1)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestStoreAnonymousSkipsFrequency(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			r := Reservation{AdID: "x", CampaignID: "c", Cap: 1, Cost: 0.1, Limit: -1, Now: day1}
			for i := 0; i < 5; i++ {
				assert.Equal(t, Admitted, reserve(t, s, r))
			}
		})
	}
}

func TestStoreConcurrentSingleAdmission(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			r := Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 1, Cost: 0.1, Limit: -1, Now: day1}

			var admitted, capped, conflicts atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					out, err := s.Reserve(context.Background(), r)
					switch {
					case errors.Is(err, logic.ErrStateConflict):
						conflicts.Add(1)
					case err != nil:
						t.Errorf("unexpected error: %v", err)
					case out == Admitted:
						admitted.Add(1)
					case out == FrequencyCapped:
						capped.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), admitted.Load())
			assert.Equal(t, int32(15), capped.Load()+conflicts.Load())

			n, err := s.FrequencyCount(context.Background(), "u1", "x", day1)
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestStoreConcurrentDistinctUsers(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)
			const users = 32

			var admitted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < users; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := s.Reserve(context.Background(), Reservation{
						Subject: "u" + strconv.Itoa(i), AdID: "x", CampaignID: "c", Cap: 3, Cost: 0.1, Limit: -1, Now: day1,
					})
					if err != nil {
						t.Errorf("user %d: %v", i, err)
						return
					}
					if out == Admitted {
						admitted.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(users), admitted.Load(), "different users never contend")

			spent, err := s.DailySpend(context.Background(), []string{"c"}, day1)
			require.NoError(t, err)
			assert.InDelta(t, 3.2, spent["c"], 1e-6)
		})
	}
}

func TestStoreConcurrentSharedBudget(t *testing.T) {
	for name, mk := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := mk(t, DayWindow)

			var admitted, over atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 24; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := s.Reserve(context.Background(), Reservation{
						Subject: "u" + strconv.Itoa(i), AdID: "x", CampaignID: "c", Cap: 3, Cost: 0.25, Limit: 2, Now: day1,
					})
					if err != nil {
						t.Errorf("user %d: %v", i, err)
						return
					}
					switch out {
					case Admitted:
						admitted.Add(1)
					case OverBudget:
						over.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(8), admitted.Load())
			assert.Equal(t, int32(16), over.Load())

			spent, err := s.DailySpend(context.Background(), []string{"c"}, day1)
			require.NoError(t, err)
			assert.InDelta(t, 2.0, spent["c"], 1e-9)
		})
	}
}

func TestRedisStoreNilClient(t *testing.T) {
	s := NewRedisStore(nil, DayWindow)
	_, err := s.Reserve(context.Background(), Reservation{AdID: "x"})
	assert.ErrorIs(t, err, logic.ErrNilRedisStore)
	_, err = s.DailySpend(context.Background(), []string{"c"}, day1)
	assert.ErrorIs(t, err, logic.ErrNilRedisStore)
}

func TestRedisStoreKeysExpire(t *testing.T) {
	mr, rs := setupTestRedis(t)
	s := NewRedisStore(rs, DayWindow)
	reserve(t, s, Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 3, Cost: 0.25, Limit: -1, Now: day1})

	assert.Equal(t, 9*time.Hour, mr.TTL("freq:u1:x:2025-03-10"))
	assert.Equal(t, spendTTL, mr.TTL("spend:c:2025-03-10"))
	v, err := mr.Get("spend:c:2025-03-10")
	require.NoError(t, err)
	f, err := strconv.ParseFloat(v, 64)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, f, 1e-9)
}

func TestMemoryStoreCompact(t *testing.T) {
	s := NewMemoryStore(DayWindow)
	reserve(t, s, Reservation{Subject: "u1", AdID: "x", CampaignID: "c", Cap: 3, Cost: 1, Limit: -1, Now: day1})
	assert.Equal(t, 0, s.Compact(day1))
	assert.Equal(t, 1, s.Compact(day1.Add(24*time.Hour)))
	spent, _ := s.DailySpend(context.Background(), []string{"c"}, day1)
	assert.Empty(t, spent)
}
