package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration derived from environment variables.
type Config struct {
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	RedisAddr     string
	ClickHouseDSN string
	PostgresDSN   string
	GeoIPDB       string
	DebugTrace    bool
	ServiceName   string

	// Catalog source: "file" reads company directories, "postgres" reads the catalog tables.
	CatalogSource string
	CatalogDir    string
	// CatalogTTL bounds how stale a served snapshot may become before it is re-read.
	CatalogTTL     time.Duration
	ReloadInterval time.Duration

	// Matching and delivery
	MinRelevanceScore    float64
	MaxAdsPerResponse    int
	DefaultFrequencyCap  int
	FrequencyWindowMode  string
	FrequencyRollingSpan time.Duration
	CategoryMatchMode    string
	IntentSubstringMatch bool
	ScoreEpsilon         float64
	ParallelScoreMin     int
	QueryTimeout         time.Duration
	DefaultImpressionFee float64

	// Conversation context: the last ContextWindow queries of a session feed
	// the analyzer. Zero disables it.
	ContextWindow   int
	ContextTTL      time.Duration
	ContextKeywords int

	// Retrieval collaborator
	RetrievalBackend  string
	RetrievalTopK     int
	RetrievalURL      string
	RetrievalCacheTTL time.Duration
	OllamaURL         string
	OllamaModel       string
	QdrantAddr        string
	QdrantCollection  string

	// State store for frequency counters and spend: "redis" or "memory".
	StateBackend string
	// StateCompactInterval is how often the memory store drops expired counters.
	StateCompactInterval time.Duration

	TokenSecret         string
	TokenTTL            time.Duration
	RateLimitEnabled    bool
	RateLimitCapacity   int
	RateLimitRefillRate int

	// Database connection pooling configuration
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration
	DBConnMaxIdleTime time.Duration
	// ClickHouse connection pooling configuration
	CHMaxOpenConns    int
	CHMaxIdleConns    int
	CHConnMaxLifetime time.Duration
	CHConnMaxIdleTime time.Duration
	// Tracing configuration
	TracingEnabled    bool
	TempoEndpoint     string
	TracingSampleRate float64
}

// Window modes for per-user frequency counting.
const (
	WindowDay     = "day"
	WindowRolling = "rolling"
)

// Category match modes.
const (
	CategoryBinary  = "binary"
	CategoryPartial = "partial"
)

// Load parses environment variables and returns a Config populated with
// defaults when variables are absent.
func Load() Config {
	cfg := Config{}

	cfg.Port = getenv("PORT", "8787")
	cfg.ReadTimeout = envDuration("READ_TIMEOUT", 5*time.Second)
	cfg.WriteTimeout = envDuration("WRITE_TIMEOUT", 10*time.Second)
	cfg.RedisAddr = getenv("REDIS_ADDR", "localhost:6379")
	cfg.ClickHouseDSN = getenv("CLICKHOUSE_DSN", "clickhouse://default:@localhost:9000/default?async_insert=1&wait_for_async_insert=1")
	cfg.PostgresDSN = getenv("POSTGRES_DSN", "postgres://postgres@127.0.0.1:5432/postgres?sslmode=disable")
	cfg.GeoIPDB = getenv("GEOIP_DB", "")
	cfg.DebugTrace = envBool("DEBUG_TRACE", false)
	cfg.ServiceName = getenv("SERVICE_NAME", "admatch")

	cfg.CatalogSource = strings.ToLower(getenv("CATALOG_SOURCE", "file"))
	cfg.CatalogDir = getenv("CATALOG_DIR", "data/companies")
	cfg.CatalogTTL = envDuration("CATALOG_TTL", 5*time.Minute)
	// default to 30 seconds between automatic reloads
	cfg.ReloadInterval = envDuration("RELOAD_INTERVAL", 30*time.Second)

	cfg.MinRelevanceScore = envFloat("MIN_RELEVANCE_SCORE", 0.3)
	cfg.MaxAdsPerResponse = envInt("MAX_ADS_PER_RESPONSE", 3)
	cfg.DefaultFrequencyCap = envInt("DEFAULT_FREQUENCY_CAP", 3)
	cfg.FrequencyWindowMode = strings.ToLower(getenv("FREQUENCY_WINDOW_MODE", WindowDay))
	cfg.FrequencyRollingSpan = envDuration("FREQUENCY_ROLLING_WINDOW", 24*time.Hour)
	cfg.CategoryMatchMode = strings.ToLower(getenv("CATEGORY_MATCH_MODE", CategoryBinary))
	cfg.IntentSubstringMatch = envBool("INTENT_SUBSTRING_MATCH", false)
	cfg.ScoreEpsilon = envFloat("SCORE_EPSILON", 1e-9)
	cfg.ParallelScoreMin = envInt("PARALLEL_SCORE_MIN", 64)
	cfg.QueryTimeout = envDuration("QUERY_TIMEOUT", 800*time.Millisecond)
	cfg.DefaultImpressionFee = envFloat("DEFAULT_IMPRESSION_COST", 0.01)
	cfg.ContextWindow = envInt("CONTEXT_WINDOW", 5)
	cfg.ContextTTL = envDuration("CONTEXT_TTL", 30*time.Minute)
	cfg.ContextKeywords = envInt("CONTEXT_KEYWORDS", 10)

	cfg.RetrievalBackend = strings.ToLower(getenv("RETRIEVAL_BACKEND", "bleve"))
	cfg.RetrievalTopK = envInt("RETRIEVAL_TOP_K", 20)
	cfg.RetrievalURL = getenv("RETRIEVAL_URL", "http://localhost:8000")
	cfg.RetrievalCacheTTL = envDuration("RETRIEVAL_CACHE_TTL", 1*time.Minute)
	cfg.OllamaURL = getenv("OLLAMA_URL", "http://localhost:11434")
	cfg.OllamaModel = getenv("OLLAMA_MODEL", "nomic-embed-text")
	cfg.QdrantAddr = getenv("QDRANT_ADDR", "localhost:6334")
	cfg.QdrantCollection = getenv("QDRANT_COLLECTION", "ads")

	cfg.StateBackend = strings.ToLower(getenv("STATE_BACKEND", "redis"))
	cfg.StateCompactInterval = envDuration("STATE_COMPACT_INTERVAL", time.Minute)

	cfg.TokenSecret = getenv("TOKEN_SECRET", "")
	cfg.TokenTTL = envDuration("TOKEN_TTL", 30*time.Minute)
	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimitCapacity = envInt("RATE_LIMIT_CAPACITY", 20)
	cfg.RateLimitRefillRate = envInt("RATE_LIMIT_REFILL_RATE", 2)

	// Database connection pooling configuration
	cfg.DBMaxOpenConns = envInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = envInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", 1*time.Minute)

	// Decision records are written once per request, so ClickHouse gets a larger pool.
	cfg.CHMaxOpenConns = envInt("CH_MAX_OPEN_CONNS", 100)
	cfg.CHMaxIdleConns = envInt("CH_MAX_IDLE_CONNS", 25)
	cfg.CHConnMaxLifetime = envDuration("CH_CONN_MAX_LIFETIME", 5*time.Minute)
	cfg.CHConnMaxIdleTime = envDuration("CH_CONN_MAX_IDLE_TIME", 1*time.Minute)

	cfg.TracingEnabled = envBool("TRACING_ENABLED", false)
	cfg.TempoEndpoint = getenv("TEMPO_ENDPOINT", "tempo:4317")
	cfg.TracingSampleRate = envFloat("TRACING_SAMPLE_RATE", 1.0)

	return cfg
}

// getenv returns the value of the environment variable if set, otherwise def.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envDuration parses an environment variable into a time.Duration.
// The value can be a duration string (e.g. "5s") or a number of seconds.
// If the variable is unset or invalid, def is returned.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if i, err := strconv.Atoi(v); err == nil {
		return i
	}
	return def
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return def
}
