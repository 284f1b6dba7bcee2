// Package app assembles the matching pipeline from configuration. The HTTP
// server, the MCP server and matchctl all build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/api"
	"github.com/patrickwarner/admatch/internal/catalog"
	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/geoip"
	"github.com/patrickwarner/admatch/internal/logic/admission"
	"github.com/patrickwarner/admatch/internal/logic/analyzer"
	"github.com/patrickwarner/admatch/internal/logic/conversation"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/logic/filters"
	"github.com/patrickwarner/admatch/internal/logic/ranking"
	"github.com/patrickwarner/admatch/internal/logic/ratelimit"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/observability"
	"github.com/patrickwarner/admatch/internal/retrieval"
)

// Retrieval backends.
const (
	BackendBleve  = "bleve"
	BackendVector = "vector"
	BackendHTTP   = "http"
)

// State backends.
const (
	StateRedis  = "redis"
	StateMemory = "memory"
)

// Options adjust how much of the stack Build connects.
type Options struct {
	// SkipAnalytics leaves the decision sink unset instead of dialing ClickHouse.
	SkipAnalytics bool
	// RequireAnalytics fails Build when ClickHouse is unreachable; otherwise
	// decisions are served without a sink.
	RequireAnalytics bool
}

// App holds the assembled pipeline and the connections it owns.
type App struct {
	Config  config.Config
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry

	Catalog   *catalog.Provider
	Engine    *delivery.Engine
	Macros    *macros.Service
	Limiter   *ratelimit.UserLimiter
	Redis     *db.RedisStore
	Postgres  *db.Postgres
	Analytics *analytics.Analytics
	GeoIP     *geoip.GeoIP
	Retriever retrieval.Retriever
	History   conversation.History
	State     admission.Store

	closers []func()
}

// Build connects every configured backend and returns the assembled App.
// Partial connections are closed before an error is returned.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, metrics observability.MetricsRegistry, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	a := &App{Config: cfg, Logger: logger, Metrics: metrics}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	loader, err := a.catalogLoader()
	if err != nil {
		return err
	}
	a.Catalog = catalog.NewProvider(loader, nil, cfg.CatalogTTL, a.Logger, a.Metrics)
	if _, err := a.Catalog.Reload(ctx); err != nil {
		return fmt.Errorf("initial catalog load: %w", err)
	}

	store, err := a.stateStore()
	if err != nil {
		return err
	}
	a.State = store

	if !opts.SkipAnalytics {
		ch, err := analytics.InitClickHouse(cfg.ClickHouseDSN, a.Metrics, analytics.PoolConfig{
			MaxOpenConns:    cfg.CHMaxOpenConns,
			MaxIdleConns:    cfg.CHMaxIdleConns,
			ConnMaxLifetime: cfg.CHConnMaxLifetime,
			ConnMaxIdleTime: cfg.CHConnMaxIdleTime,
		})
		switch {
		case err == nil:
			a.Analytics = ch
			a.closers = append(a.closers, ch.Close)
		case opts.RequireAnalytics:
			return fmt.Errorf("connect clickhouse: %w", err)
		default:
			a.Logger.Warn("clickhouse unavailable, decisions will not be recorded", zap.Error(err))
		}
	}

	if cfg.GeoIPDB != "" {
		g, err := geoip.Open(cfg.GeoIPDB)
		if err != nil {
			return fmt.Errorf("load geoip db: %w", err)
		}
		a.GeoIP = g
		a.closers = append(a.closers, func() { _ = g.Close() })
	}

	if a.Retriever, err = a.retriever(cfg.RetrievalBackend); err != nil {
		return err
	}

	a.Limiter = ratelimit.NewUserLimiter(ratelimit.Config{
		Capacity:   cfg.RateLimitCapacity,
		RefillRate: cfg.RateLimitRefillRate,
		Enabled:    cfg.RateLimitEnabled,
	}, a.Metrics)
	a.Macros = macros.NewService(a.Logger)
	a.History = a.history()

	var sink analytics.Sink
	if a.Analytics != nil {
		sink = a.Analytics
	}
	var secret []byte
	if cfg.TokenSecret != "" {
		secret = []byte(cfg.TokenSecret)
	}
	an := analyzer.New(analyzer.Options{
		SubstringIntents: cfg.IntentSubstringMatch,
		ContextKeywords:  cfg.ContextKeywords,
	})
	a.Engine = delivery.NewEngine(delivery.Deps{
		Catalog:   a.Catalog,
		Analyzer:  an,
		Retriever: a.Retriever,
		Filter:    filters.NewSinglePassFilter(store, a.Logger, a.Metrics),
		Ranker: ranking.NewEngine(ranking.Options{
			MinScore:          cfg.MinRelevanceScore,
			CategoryMode:      cfg.CategoryMatchMode,
			Epsilon:           cfg.ScoreEpsilon,
			ParallelThreshold: cfg.ParallelScoreMin,
		}),
		Admission: admission.NewController(store, admission.Options{
			DefaultCap:  cfg.DefaultFrequencyCap,
			DefaultCost: cfg.DefaultImpressionFee,
		}, a.Logger, a.Metrics),
		Macros:  a.Macros,
		Sink:    sink,
		History: a.History,
		Logger:  a.Logger,
		Metrics: a.Metrics,
	}, delivery.Options{
		MaxAds:       cfg.MaxAdsPerResponse,
		TopK:         cfg.RetrievalTopK,
		QueryTimeout: cfg.QueryTimeout,
		TokenSecret:  secret,
	})
	return nil
}

func (a *App) catalogLoader() (catalog.Loader, error) {
	cfg := a.Config
	switch cfg.CatalogSource {
	case "", "file":
		return catalog.NewFileLoader(cfg.CatalogDir, a.Logger), nil
	case "postgres":
		pg, err := a.postgres()
		if err != nil {
			return nil, err
		}
		return catalog.PostgresLoader{PG: pg, Logger: a.Logger}, nil
	default:
		return nil, fmt.Errorf("unknown catalog source %q", cfg.CatalogSource)
	}
}

// postgres connects lazily so file-backed catalogs never dial the database.
func (a *App) postgres() (*db.Postgres, error) {
	if a.Postgres != nil {
		return a.Postgres, nil
	}
	cfg := a.Config
	pg, err := db.InitPostgres(cfg.PostgresDSN, cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	a.Postgres = pg
	a.closers = append(a.closers, pg.Close)
	return pg, nil
}

// PostgresDB returns the catalog database, connecting on first use.
func (a *App) PostgresDB() (*db.Postgres, error) { return a.postgres() }

func (a *App) stateStore() (admission.Store, error) {
	cfg := a.Config
	window := admission.NewWindow(cfg.FrequencyWindowMode, cfg.FrequencyRollingSpan)
	switch cfg.StateBackend {
	case StateMemory:
		return admission.NewMemoryStore(window), nil
	case "", StateRedis:
		rs, err := db.InitRedis(cfg.RedisAddr)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = rs
		a.closers = append(a.closers, rs.Close)
		return admission.NewRedisStore(rs, window), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.StateBackend)
	}
}

// history keeps conversations next to the frequency counters: in Redis when
// it is connected, otherwise in process.
func (a *App) history() conversation.History {
	cfg := a.Config
	switch {
	case cfg.ContextWindow <= 0:
		return nil
	case a.Redis != nil:
		return conversation.NewRedisHistory(a.Redis, cfg.ContextWindow, cfg.ContextTTL)
	default:
		return conversation.NewMemoryHistory(cfg.ContextWindow, cfg.ContextTTL)
	}
}

func (a *App) retriever(backend string) (retrieval.Retriever, error) {
	cfg := a.Config
	switch backend {
	case "", BackendBleve:
		b := retrieval.NewBleveRetriever(a.Catalog.Current, a.Logger)
		a.closers = append(a.closers, func() { _ = b.Close() })
		return b, nil
	case BackendHTTP:
		return retrieval.NewHTTPRetriever(cfg.RetrievalURL, cfg.QueryTimeout, cfg.RetrievalCacheTTL, a.Logger, a.Metrics), nil
	case BackendVector:
		emb, err := retrieval.NewOllamaEmbedder(cfg.OllamaURL, cfg.OllamaModel, cfg.QueryTimeout)
		if err != nil {
			return nil, err
		}
		conn, err := retrieval.DialQdrant(cfg.QdrantAddr)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		return retrieval.NewVectorRetriever(emb, qdrant.NewPointsClient(conn), cfg.QdrantCollection, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown retrieval backend %q", backend)
	}
}

// Server returns the HTTP handlers bound to this App.
func (a *App) Server() *api.Server {
	s := &api.Server{
		Logger:      a.Logger,
		Engine:      a.Engine,
		Catalog:     a.Catalog,
		Store:       a.Redis,
		GeoIP:       a.GeoIP,
		Limiter:     a.Limiter,
		Macros:      a.Macros,
		Metrics:     a.Metrics,
		DebugTrace:  a.Config.DebugTrace,
		TokenTTL:    a.Config.TokenTTL,
		MaxDeadline: a.Config.WriteTimeout,
	}
	if a.Analytics != nil {
		s.Analytics = a.Analytics
	}
	if a.Config.TokenSecret != "" {
		s.TokenSecret = []byte(a.Config.TokenSecret)
	}
	return s
}

// Start launches the background loops: periodic catalog reloads, reloads on
// Redis notifications, rate limiter eviction, in-memory counter compaction and
// retrieval cache cleanup.
// They stop when ctx is done.
func (a *App) Start(ctx context.Context) {
	go a.Catalog.Run(ctx, a.Config.ReloadInterval)

	if a.Redis != nil {
		go func() {
			if err := a.Catalog.Subscribe(ctx, a.Redis); err != nil && !errors.Is(err, context.Canceled) {
				a.Logger.Error("catalog subscription", zap.Error(err))
			}
		}()
	}

	a.Limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	if m, ok := a.History.(*conversation.MemoryHistory); ok {
		m.StartEviction(ctx, time.Minute)
	}

	if m, ok := a.State.(*admission.MemoryStore); ok {
		interval := a.Config.StateCompactInterval
		if interval <= 0 {
			interval = time.Minute
		}
		m.StartCompaction(ctx, interval)
	}

	if h, ok := a.Retriever.(*retrieval.HTTPRetriever); ok {
		h.StartCacheCleanup(ctx, 10*time.Minute)
	}
}

// Close releases every connection in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
