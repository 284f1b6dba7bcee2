// Package catalog supplies the campaign and ad snapshot the matching pipeline
// reads. Loaders read campaigns from company directories or Postgres; the
// Provider publishes them as immutable models.Catalog snapshots.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

// ErrNoSnapshot is returned when no catalog has ever loaded successfully.
var ErrNoSnapshot = errors.New("no catalog snapshot loaded")

// nowFn is replaced in tests to age snapshots.
var nowFn = time.Now

// Loader reads the full set of campaigns from a backing source.
type Loader interface {
	Load(ctx context.Context) ([]models.Campaign, error)
}

// PostgresLoader reads campaigns through db.Postgres.
type PostgresLoader struct {
	PG     *db.Postgres
	Logger *zap.Logger
}

func (l PostgresLoader) Load(ctx context.Context) ([]models.Campaign, error) {
	camps, err := l.PG.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	camps, issues := Validate(camps)
	logIssues(l.Logger, issues)
	return camps, nil
}

// StaticLoader serves a fixed campaign list. Invalid entries are dropped
// silently.
type StaticLoader []models.Campaign

func (s StaticLoader) Load(context.Context) ([]models.Campaign, error) {
	camps, _ := Validate(s)
	return camps, nil
}

func logIssues(logger *zap.Logger, issues []Issue) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, is := range issues {
		logger.Warn("catalog entry skipped",
			zap.String("company_id", is.CompanyID),
			zap.String("campaign_id", is.CampaignID),
			zap.String("ad_id", is.AdID),
			zap.String("file", is.File),
			zap.String("reason", is.Reason))
	}
}

// Provider keeps the current snapshot fresh. Snapshots older than TTL are
// re-read on access; a failed re-read keeps serving the previous snapshot.
type Provider struct {
	loader  Loader
	store   *models.CatalogStore
	ttl     time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	// mu serializes loads so concurrent stale reads trigger one re-read.
	mu sync.Mutex
}

// NewProvider returns a Provider publishing into store. A ttl of zero
// disables staleness checks.
func NewProvider(loader Loader, store *models.CatalogStore, ttl time.Duration, logger *zap.Logger, metrics observability.MetricsRegistry) *Provider {
	if store == nil {
		store = models.NewCatalogStore()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Provider{loader: loader, store: store, ttl: ttl, logger: logger, metrics: metrics}
}

// Store returns the snapshot store the provider publishes into.
func (p *Provider) Store() *models.CatalogStore { return p.store }

// Current returns the published snapshot without checking its age.
func (p *Provider) Current() *models.Catalog { return p.store.Current() }

// Snapshot returns the current snapshot, re-reading it first when it is
// older than the TTL. If another goroutine is already re-reading, the
// existing snapshot is returned immediately.
func (p *Provider) Snapshot(ctx context.Context) (*models.Catalog, error) {
	cur := p.store.Current()
	if cur.Version > 0 && (p.ttl <= 0 || nowFn().Sub(cur.LoadedAt) < p.ttl) {
		return cur, nil
	}
	if cur.Version > 0 {
		if !p.mu.TryLock() {
			return cur, nil
		}
		defer p.mu.Unlock()
		snap, err := p.reloadLocked(ctx)
		if err != nil {
			p.logger.Warn("catalog refresh failed, serving previous snapshot",
				zap.Int64("version", cur.Version), zap.Error(err))
			return cur, nil
		}
		return snap, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if cur = p.store.Current(); cur.Version > 0 {
		return cur, nil
	}
	snap, err := p.reloadLocked(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSnapshot, err)
	}
	return snap, nil
}

// Reload re-reads the catalog unconditionally. On failure the previous
// snapshot stays current.
func (p *Provider) Reload(ctx context.Context) (*models.Catalog, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reloadLocked(ctx)
}

func (p *Provider) reloadLocked(ctx context.Context) (*models.Catalog, error) {
	camps, err := p.loader.Load(ctx)
	if err != nil {
		p.metrics.IncrementCatalogReloads("error")
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	snap := p.store.Replace(camps, nowFn())
	p.metrics.IncrementCatalogReloads("success")
	p.metrics.SetCatalogAds(snap.NumAds())
	p.logger.Info("catalog loaded",
		zap.Int64("version", snap.Version),
		zap.Int("campaigns", len(snap.Campaigns())),
		zap.Int("ads", snap.NumAds()))
	return snap, nil
}

// Run reloads the catalog every interval until ctx is done.
func (p *Provider) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if _, err := p.Reload(ctx); err != nil {
				p.logger.Error("auto reload", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe reloads the catalog whenever a change notification arrives on
// the Redis catalog channel.
func (p *Provider) Subscribe(ctx context.Context, rs *db.RedisStore) error {
	return rs.SubscribeCatalogUpdates(ctx, p.logger, func(msg db.UpdateMessage) {
		p.logger.Info("catalog update notification",
			zap.String("entity", msg.Entity), zap.String("action", msg.Action), zap.String("id", msg.ID))
		if _, err := p.Reload(ctx); err != nil {
			p.logger.Error("reload after notification", zap.Error(err))
		}
	})
}
