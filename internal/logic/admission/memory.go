package admission

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const memoryShards = 64

type freqKey struct {
	subject string
	adID    string
}

type freqCounter struct {
	bucket string
	count  int
	// hits holds delivery times for rolling windows.
	hits []time.Time
}

type spendBucket struct {
	campaignID string
	day        string
}

type freqShard struct {
	mu       sync.Mutex
	counters map[freqKey]*freqCounter
}

type spendShard struct {
	mu    sync.Mutex
	spend map[spendBucket]float64
}

// MemoryStore keeps counters in process memory. Frequency counters and spend
// live in separate shard sets, each guarded by its own mutex; Reserve always
// locks the frequency shard before the spend shard so no two reservations
// can deadlock.
type MemoryStore struct {
	window Window
	freq   [memoryShards]freqShard
	spend  [memoryShards]spendShard
}

func NewMemoryStore(w Window) *MemoryStore {
	s := &MemoryStore{window: w}
	for i := range s.freq {
		s.freq[i].counters = make(map[freqKey]*freqCounter)
	}
	for i := range s.spend {
		s.spend[i].spend = make(map[spendBucket]float64)
	}
	return s
}

func shardFor(parts ...string) uint64 {
	d := xxhash.New()
	for _, p := range parts {
		_, _ = d.WriteString(p)
		_, _ = d.WriteString("\x00")
	}
	return d.Sum64() % memoryShards
}

// current returns the live count for c at now, pruning expired state.
func (s *MemoryStore) current(c *freqCounter, now time.Time) int {
	if s.window.Rolling {
		start := s.window.Start(now)
		kept := c.hits[:0]
		for _, h := range c.hits {
			if h.After(start) {
				kept = append(kept, h)
			}
		}
		c.hits = kept
		return len(c.hits)
	}
	if c.bucket != s.window.Bucket(now) {
		c.bucket = s.window.Bucket(now)
		c.count = 0
	}
	return c.count
}

func (s *MemoryStore) Reserve(ctx context.Context, r Reservation) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return OverBudget, err
	}
	now := r.Now
	if now.IsZero() {
		now = nowFn()
	}

	var counter *freqCounter
	if r.Subject != "" {
		fs := &s.freq[shardFor(r.Subject, r.AdID)]
		fs.mu.Lock()
		defer fs.mu.Unlock()
		k := freqKey{r.Subject, r.AdID}
		counter = fs.counters[k]
		if counter == nil {
			counter = &freqCounter{bucket: s.window.Bucket(now)}
			fs.counters[k] = counter
		}
		if r.Cap > 0 && s.current(counter, now) >= r.Cap {
			return FrequencyCapped, nil
		}
	}

	sk := spendBucket{r.CampaignID, dayKey(now)}
	ss := &s.spend[shardFor(sk.campaignID, sk.day)]
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if !fitsBudget(ss.spend[sk], r.Cost, r.Limit) {
		return OverBudget, nil
	}
	ss.spend[sk] += r.Cost

	if counter != nil {
		s.current(counter, now)
		if s.window.Rolling {
			counter.hits = append(counter.hits, now)
		} else {
			counter.count++
		}
	}
	return Admitted, nil
}

func (s *MemoryStore) FrequencyCount(ctx context.Context, subject, adID string, now time.Time) (int, error) {
	fs := &s.freq[shardFor(subject, adID)]
	fs.mu.Lock()
	defer fs.mu.Unlock()
	c := fs.counters[freqKey{subject, adID}]
	if c == nil {
		return 0, nil
	}
	return s.current(c, now), nil
}

func (s *MemoryStore) DailySpend(ctx context.Context, campaignIDs []string, day time.Time) (map[string]float64, error) {
	out := make(map[string]float64, len(campaignIDs))
	dk := dayKey(day)
	for _, id := range campaignIDs {
		ss := &s.spend[shardFor(id, dk)]
		ss.mu.Lock()
		if v, ok := ss.spend[spendBucket{id, dk}]; ok {
			out[id] = v
		}
		ss.mu.Unlock()
	}
	return out, nil
}

// Compact drops frequency counters whose window has passed and spend from
// earlier days. StartCompaction runs it periodically.
func (s *MemoryStore) Compact(now time.Time) int {
	removed := 0
	for i := range s.freq {
		fs := &s.freq[i]
		fs.mu.Lock()
		for k, c := range fs.counters {
			if s.current(c, now) == 0 {
				delete(fs.counters, k)
				removed++
			}
		}
		fs.mu.Unlock()
	}
	today := dayKey(now)
	for i := range s.spend {
		ss := &s.spend[i]
		ss.mu.Lock()
		for k := range ss.spend {
			if k.day < today {
				delete(ss.spend, k)
			}
		}
		ss.mu.Unlock()
	}
	return removed
}

// StartCompaction runs Compact every interval until ctx is done.
func (s *MemoryStore) StartCompaction(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Compact(nowFn().UTC())
			case <-ctx.Done():
				return
			}
		}
	}()
}
