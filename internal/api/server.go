// Package api exposes the matching pipeline over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/analytics"
	"github.com/patrickwarner/admatch/internal/catalog"
	"github.com/patrickwarner/admatch/internal/db"
	"github.com/patrickwarner/admatch/internal/geoip"
	"github.com/patrickwarner/admatch/internal/logic/delivery"
	"github.com/patrickwarner/admatch/internal/logic/ratelimit"
	"github.com/patrickwarner/admatch/internal/macros"
	"github.com/patrickwarner/admatch/internal/middleware"
	"github.com/patrickwarner/admatch/internal/observability"
)

var tracer = otel.Tracer(observability.TracerName)

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger    *zap.Logger
	Engine    *delivery.Engine
	Catalog   *catalog.Provider
	Store     *db.RedisStore // optional, ad performance counters and reload broadcast
	Analytics analytics.Sink
	GeoIP     *geoip.GeoIP
	Limiter   *ratelimit.UserLimiter
	Macros    *macros.Service
	Metrics   observability.MetricsRegistry

	DebugTrace  bool
	TokenSecret []byte
	TokenTTL    time.Duration
	// MaxDeadline caps caller-supplied deadline_ms.
	MaxDeadline time.Duration
}

// Routes registers every handler on r.
func (s *Server) Routes(r *mux.Router) {
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.HandleFunc("/match", s.MatchHandler).Methods(http.MethodPost)
	r.HandleFunc("/impression", s.ImpressionHandler).Methods(http.MethodGet)
	r.HandleFunc("/click", s.ClickHandler).Methods(http.MethodGet)
	r.HandleFunc("/conversion", s.ConversionHandler).Methods(http.MethodPost)
	r.HandleFunc("/reload", s.ReloadHandler).Methods(http.MethodPost)
	r.HandleFunc("/health", s.HealthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler())
}

// Router returns a new router with every handler registered.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	s.Routes(r)
	return r
}

func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}
