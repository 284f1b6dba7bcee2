package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admatch_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// delivery decisions by outcome (filled, empty, invalid, deadline)
	DecisionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_decisions_total",
			Help: "Total delivery decisions made",
		},
		[]string{"outcome"},
	)

	// time spent in each pipeline stage
	StageLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "admatch_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"stage"},
	)

	// candidates discarded, labelled by stage and reason code
	RejectionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_rejections_total",
			Help: "Candidates rejected per stage and reason",
		},
		[]string{"stage", "reason"},
	)

	// admission attempts by result
	AdmissionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_admissions_total",
			Help: "Admission attempts by result",
		},
		[]string{"result"},
	)

	RetrievalErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_retrieval_errors_total",
			Help: "Retrieval collaborator failures",
		},
		[]string{"backend", "kind"},
	)

	CatalogReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_catalog_reloads_total",
			Help: "Catalog reload attempts",
		},
		[]string{"status"},
	)

	CatalogAds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "admatch_catalog_ads",
			Help: "Number of ads in the active catalog snapshot",
		},
	)

	// number of events recorded, labelled by type
	EventCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_events_total",
			Help: "Total tracking events recorded",
		},
		[]string{"type"},
	)

	// spend reserved per campaign for the current day
	SpendTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "admatch_spend_total",
			Help: "Spend reserved for the current day",
		},
		[]string{"campaign"},
	)

	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_ratelimit_hits_total",
			Help: "Total rate limit hits per scope",
		},
		[]string{"scope"},
	)

	RateLimitRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "admatch_ratelimit_requests_total",
			Help: "Total rate limit checks per scope",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		DecisionCount,
		StageLatency,
		RejectionCount,
		AdmissionCount,
		RetrievalErrors,
		CatalogReloads,
		CatalogAds,
		EventCount,
		SpendTotal,
		RateLimitHits,
		RateLimitRequests,
	)
}
