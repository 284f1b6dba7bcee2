package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/logic"
)

// spendTTL keeps a day's spend readable for reporting after the day ends.
const spendTTL = 48 * time.Hour

// reserveScript checks and charges the frequency and spend counters in one
// server-side step. KEYS[1] is the spend key, KEYS[2] the optional frequency
// key. Returns the Outcome value. The two keys land in different hash slots,
// so the store assumes a single Redis node like db.RedisStore does.
var reserveScript = redis.NewScript(`
local sk = KEYS[1]
local fk = KEYS[2]
local rolling = ARGV[1] == "1"
local cap = tonumber(ARGV[2])
local cost = tonumber(ARGV[7])
local limit = tonumber(ARGV[8])

if fk and cap > 0 then
  local n
  if rolling then
    n = redis.call("ZCOUNT", fk, "(" .. ARGV[3], "+inf")
  else
    n = tonumber(redis.call("GET", fk) or "0")
  end
  if n >= cap then
    return 1
  end
end

if limit >= 0 then
  local spent = tonumber(redis.call("GET", sk) or "0")
  if spent + cost > limit then
    return 2
  end
end

if fk then
  if rolling then
    redis.call("ZREMRANGEBYSCORE", fk, "-inf", ARGV[3])
    redis.call("ZADD", fk, ARGV[4], ARGV[5])
  else
    redis.call("INCR", fk)
  end
  redis.call("PEXPIRE", fk, ARGV[6])
end
redis.call("INCRBYFLOAT", sk, ARGV[7])
redis.call("PEXPIRE", sk, ARGV[9])
return 0
`)

// RedisStore keeps counters in Redis so every server instance shares them.
// Reserve runs as a single Lua script, so concurrent reservations serialize
// inside Redis instead of aborting each other.
type RedisStore struct {
	rs     *db.RedisStore
	window Window
}

func NewRedisStore(rs *db.RedisStore, w Window) *RedisStore {
	return &RedisStore{rs: rs, window: w}
}

func (s *RedisStore) freqKey(subject, adID string, now time.Time) string {
	if s.window.Rolling {
		return fmt.Sprintf("freqz:%s:%s", subject, adID)
	}
	return fmt.Sprintf("freq:%s:%s:%s", subject, adID, s.window.Bucket(now))
}

func spendKey(campaignID string, day time.Time) string {
	return fmt.Sprintf("spend:%s:%s", campaignID, dayKey(day))
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	ZCount(ctx context.Context, key, min, max string) *redis.IntCmd
}

func (s *RedisStore) count(ctx context.Context, c getter, key string, now time.Time) (int, error) {
	if s.window.Rolling {
		lo := "(" + strconv.FormatInt(s.window.Start(now).UnixMilli(), 10)
		n, err := c.ZCount(ctx, key, lo, "+inf").Result()
		return int(n), err
	}
	n, err := c.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *RedisStore) ttl(now time.Time) time.Duration {
	d := s.window.Expiry(now).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (s *RedisStore) Reserve(ctx context.Context, r Reservation) (Outcome, error) {
	if s.rs == nil || s.rs.Client == nil {
		return OverBudget, logic.ErrNilRedisStore
	}
	now := r.Now
	if now.IsZero() {
		now = nowFn()
	}
	keys := []string{spendKey(r.CampaignID, now)}
	if r.Subject != "" {
		keys = append(keys, s.freqKey(r.Subject, r.AdID, now))
	}
	rolling := "0"
	if s.window.Rolling {
		rolling = "1"
	}
	limit := r.Limit
	if limit >= 0 {
		limit += budgetEpsilon
	}
	args := []any{
		rolling,
		r.Cap,
		s.window.Start(now).UnixMilli(),
		now.UnixMilli(),
		uuid.NewString(),
		s.ttl(now).Milliseconds(),
		strconv.FormatFloat(r.Cost, 'f', -1, 64),
		strconv.FormatFloat(limit, 'f', -1, 64),
		spendTTL.Milliseconds(),
	}

	code, err := reserveScript.Run(ctx, s.rs.Client, keys, args...).Int()
	if err != nil {
		return OverBudget, fmt.Errorf("reserve %s for %q: %w", r.AdID, r.Subject, err)
	}
	switch out := Outcome(code); out {
	case Admitted, FrequencyCapped, OverBudget:
		return out, nil
	default:
		return OverBudget, fmt.Errorf("reserve %s: unexpected script result %d", r.AdID, code)
	}
}

func (s *RedisStore) FrequencyCount(ctx context.Context, subject, adID string, now time.Time) (int, error) {
	if s.rs == nil || s.rs.Client == nil {
		return 0, logic.ErrNilRedisStore
	}
	return s.count(ctx, s.rs.Client, s.freqKey(subject, adID, now), now)
}

func (s *RedisStore) DailySpend(ctx context.Context, campaignIDs []string, day time.Time) (map[string]float64, error) {
	if s.rs == nil || s.rs.Client == nil {
		return nil, logic.ErrNilRedisStore
	}
	out := make(map[string]float64, len(campaignIDs))
	if len(campaignIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(campaignIDs))
	for i, id := range campaignIDs {
		keys[i] = spendKey(id, day)
	}
	vals, err := s.rs.Client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		f, perr := strconv.ParseFloat(str, 64)
		if perr != nil {
			continue
		}
		out[campaignIDs[i]] = f
	}
	return out, nil
}
