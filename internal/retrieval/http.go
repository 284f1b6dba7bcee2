package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

// HTTPRetriever calls a remote retrieval service and caches its answers.
type HTTPRetriever struct {
	baseURL    string
	httpClient *http.Client
	cache      map[string]*cachedResult
	cacheMu    sync.RWMutex
	cacheTTL   time.Duration
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
}

// RetrieveRequest is the body posted to {baseURL}/retrieve.
type RetrieveRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

// RetrieveResponse is the remote service's answer.
type RetrieveResponse struct {
	Candidates []Candidate `json:"candidates"`
}

type cachedResult struct {
	candidates []Candidate
	timestamp  time.Time
	ttl        time.Duration
}

func (c *cachedResult) expired() bool {
	return time.Since(c.timestamp) > c.ttl
}

// NewHTTPRetriever creates a client for the retrieval service at baseURL.
func NewHTTPRetriever(baseURL string, timeout, cacheTTL time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *HTTPRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &HTTPRetriever{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		cache:      make(map[string]*cachedResult),
		cacheTTL:   cacheTTL,
		logger:     logger,
		metrics:    metrics,
	}
}

func cacheKey(text string, topK int) string {
	return fmt.Sprintf("%d:%s", topK, models.NormalizeText(text))
}

// Retrieve implements Retriever. Errors are returned to the caller, which
// treats them as zero candidates.
func (c *HTTPRetriever) Retrieve(ctx context.Context, text string, topK int) ([]Candidate, error) {
	key := cacheKey(text, topK)
	c.cacheMu.RLock()
	cached, ok := c.cache[key]
	c.cacheMu.RUnlock()
	if ok && !cached.expired() {
		return append([]Candidate(nil), cached.candidates...), nil
	}

	out, err := c.call(ctx, text, topK)
	if err != nil {
		return nil, err
	}
	if c.cacheTTL > 0 {
		c.cacheMu.Lock()
		c.cache[key] = &cachedResult{candidates: out, timestamp: time.Now(), ttl: c.cacheTTL}
		c.cacheMu.Unlock()
	}
	return append([]Candidate(nil), out...), nil
}

func (c *HTTPRetriever) call(ctx context.Context, text string, topK int) ([]Candidate, error) {
	body, err := json.Marshal(RetrieveRequest{Query: text, TopK: topK})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/retrieve", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.IncrementRetrievalErrors(BackendHTTP, "transport")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warn("failed to close response body", zap.Error(err))
		}
	}()

	if resp.StatusCode != http.StatusOK {
		c.metrics.IncrementRetrievalErrors(BackendHTTP, "status")
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: http %d: %s", ErrUnavailable, resp.StatusCode, string(msg))
	}

	var out RetrieveResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		c.metrics.IncrementRetrievalErrors(BackendHTTP, "decode")
		return nil, fmt.Errorf("decode response: %w", err)
	}
	for i := range out.Candidates {
		if out.Candidates[i].Score < 0 {
			out.Candidates[i].Score = 0
		}
		if out.Candidates[i].Score > 1 {
			out.Candidates[i].Score = 1
		}
	}
	return sortAndTrim(out.Candidates, topK), nil
}

// HealthCheck checks if the retrieval service is available.
func (c *HTTPRetriever) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status %d", resp.StatusCode)
	}
	return nil
}

// CleanupExpiredCache removes expired entries and returns how many remain.
func (c *HTTPRetriever) CleanupExpiredCache() int {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	for key, cached := range c.cache {
		if cached.expired() {
			delete(c.cache, key)
		}
	}
	return len(c.cache)
}

// StartCacheCleanup periodically drops expired cache entries until ctx is done.
func (c *HTTPRetriever) StartCacheCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.CleanupExpiredCache()
			case <-ctx.Done():
				return
			}
		}
	}()
}
