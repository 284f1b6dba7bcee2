package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

var (
	server         string
	users          int
	queriesFile    string
	totalReq       int
	conc           int
	duration       time.Duration
	rate           float64
	clickRate      float64
	conversionRate float64
	anonRate       float64
	stats          bool
	flush          bool
	redisAddr      string
	debug          bool
	label          string
	jitter         float64
)

var logger *zap.Logger

var httpClient *http.Client

// clickClient does not follow redirects so advertiser sites are never hit.
var clickClient *http.Client

var (
	defaultQueries = []string{
		"I need a new laptop for gaming",
		"best gaming laptop deal",
		"compare notebook prices",
		"buy wireless headphones",
		"noise canceling headphones for music",
		"how much does a workstation cost",
		"refurbished laptop",
		"weather tomorrow",
	}
	userAgents = []string{
		"Mozilla/5.0 (iPhone; CPU iPhone OS 16_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.0 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Linux; Android 12; Pixel 6 Pro) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/114.0.5735.196 Mobile Safari/537.36",
		"Mozilla/5.0 (iPad; CPU OS 15_2 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/15.2 Mobile/15E148 Safari/604.1",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_3_1) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.1 Safari/605.1.15",
	}
	userIPs = []string{
		"192.0.2.1",
		"198.51.100.1",
		"203.0.113.1",
	}
)

const statsInterval = 5 * time.Second

var (
	countSent        uint64
	countFilled      uint64
	countEmpty       uint64
	countLimited     uint64
	countErrors      uint64
	countImpressions uint64
	countClicks      uint64
	countConversions uint64
)

type matchReq struct {
	Query     string `json:"query"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
	}
}

func loadQueries(path string) ([]string, error) {
	if path == "" {
		return defaultQueries, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" && !strings.HasPrefix(line, "#") {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no queries in %s", path)
	}
	return out, nil
}

// flushState removes frequency and spend counters, keeping ad event totals.
func flushState(addr string) {
	store, err := db.InitRedis(addr)
	if err != nil {
		logger.Fatal("redis connect", zap.Error(err))
	}
	defer store.Close()

	flushed := 0
	for _, pattern := range []string{"freq:*", "freqz:*", "spend:*"} {
		keys, err := store.Client.Keys(store.Ctx, pattern).Result()
		if err != nil {
			logger.Error("failed to get keys for pattern", zap.String("pattern", pattern), zap.Error(err))
			continue
		}
		if len(keys) > 0 {
			if err := store.Client.Del(store.Ctx, keys...).Err(); err != nil {
				logger.Error("failed to delete keys", zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			flushed += len(keys)
		}
	}
	logger.Info("redis admission state flushed", zap.String("addr", addr), zap.Int("keys_deleted", flushed))
}

func main() {
	_ = godotenv.Load()
	flag.StringVar(&server, "server", "http://localhost:8787", "matching server base URL")
	flag.IntVar(&users, "users", 100, "number of unique users")
	flag.StringVar(&queriesFile, "queries", "", "file with one query per line (defaults to a built-in set)")
	flag.IntVar(&totalReq, "requests", 1000, "total requests to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability of a click per impression")
	flag.Float64Var(&conversionRate, "conversion-rate", 0.1, "probability of a conversion per click")
	flag.Float64Var(&anonRate, "anon-rate", 0.1, "share of requests sent without a user id")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush redis admission state before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	httpClient = &http.Client{Timeout: 30 * time.Second, Transport: newTransport()}
	clickClient = &http.Client{
		Timeout:   10 * time.Second,
		Transport: newTransport(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}
	queries, err := loadQueries(queriesFile)
	if err != nil {
		logger.Fatal("load queries", zap.Error(err))
	}

	if flush {
		addr := redisAddr
		if addr == "" {
			addr = config.Load().RedisAddr
		}
		flushState(addr)
	}

	var rmu sync.Mutex
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	roll := func() float64 {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Float64()
	}
	pick := func(n int) int {
		rmu.Lock()
		defer rmu.Unlock()
		return r.Intn(n)
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if jitter > 0 {
				jf := 1 + (roll()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			now := time.Now()
			if now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}

		body := matchReq{Query: queries[pick(len(queries))]}
		if roll() >= anonRate {
			body.UserID = fmt.Sprintf("user%d", pick(users))
		}
		ua := userAgents[pick(len(userAgents))]
		ip := userIPs[pick(len(userIPs))]

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			simulate(body, ua, ip, roll)
		}()
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

func simulate(body matchReq, ua, ip string, roll func() float64) {
	atomic.AddUint64(&countSent, 1)
	blob, err := json.Marshal(body)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/match", bytes.NewReader(blob))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ua)
	req.Header.Set("X-Forwarded-For", ip)

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("match request error", zap.Error(err))
		return
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("read body error", zap.Error(err))
		return
	}
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		atomic.AddUint64(&countLimited, 1)
		return
	default:
		atomic.AddUint64(&countErrors, 1)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(bodyBytes))))
		return
	}

	var dec models.DeliveryDecision
	if err := json.Unmarshal(bodyBytes, &dec); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return
	}
	if len(dec.Ads) == 0 {
		atomic.AddUint64(&countEmpty, 1)
		logger.Debug("empty decision", zap.String("request_id", dec.RequestID), zap.String("query", body.Query))
		return
	}
	atomic.AddUint64(&countFilled, 1)

	base := strings.TrimRight(server, "/")
	for _, ad := range dec.Ads {
		if ad.ImpressionURL == "" {
			continue
		}
		if !track(ctx, httpClient, http.MethodGet, base+ad.ImpressionURL) {
			continue
		}
		atomic.AddUint64(&countImpressions, 1)

		if ad.ClickURL == "" || roll() >= clickRate {
			continue
		}
		if !track(ctx, clickClient, http.MethodGet, base+ad.ClickURL) {
			continue
		}
		atomic.AddUint64(&countClicks, 1)

		if roll() < conversionRate {
			convURL := strings.Replace(base+ad.ClickURL, "/click?", "/conversion?", 1) + fmt.Sprintf("&value=%.2f", 10+roll()*90)
			if track(ctx, httpClient, http.MethodPost, convURL) {
				atomic.AddUint64(&countConversions, 1)
			}
		}
	}
	logger.Debug("request", zap.String("request_id", dec.RequestID), zap.String("query", body.Query), zap.Int("ads", len(dec.Ads)))
}

func track(ctx context.Context, client *http.Client, method, url string) bool {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("tracking request build error", zap.Error(err))
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("tracking request error", zap.String("url", url), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 400 {
		atomic.AddUint64(&countErrors, 1)
		logger.Warn("tracking rejected", zap.String("url", url), zap.Int("status", resp.StatusCode))
		return false
	}
	return true
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	filled := atomic.LoadUint64(&countFilled)
	imp := atomic.LoadUint64(&countImpressions)
	clk := atomic.LoadUint64(&countClicks)
	var fillRate, ctr float64
	if sent > 0 {
		fillRate = float64(filled) / float64(sent)
	}
	if imp > 0 {
		ctr = float64(clk) / float64(imp)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("filled", filled),
		zap.Uint64("empty", atomic.LoadUint64(&countEmpty)),
		zap.Uint64("rate_limited", atomic.LoadUint64(&countLimited)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Uint64("impressions", imp),
		zap.Uint64("clicks", clk),
		zap.Uint64("conversions", atomic.LoadUint64(&countConversions)),
		zap.Float64("fill_rate", fillRate),
		zap.Float64("ctr", ctr))
}
