package observability

import "time"

// MetricsRegistry records application metrics. Components receive it by
// injection instead of touching the Prometheus globals directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Pipeline metrics
	IncrementDecisions(outcome string)
	RecordStageLatency(stage string, duration time.Duration)
	IncrementRejections(stage, reason string)
	IncrementAdmissions(result string)
	IncrementRetrievalErrors(backend, kind string)

	// Catalog metrics
	IncrementCatalogReloads(status string)
	SetCatalogAds(n int)

	// Event tracking metrics
	IncrementEvent(eventType string)
	SetSpendTotal(campaign string, amount float64)

	// Rate limiting metrics
	IncrementRateLimitRequests(scope string)
	IncrementRateLimitHits(scope string)
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus metrics.
type PrometheusRegistry struct{}

func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementDecisions(outcome string) {
	DecisionCount.WithLabelValues(outcome).Inc()
}

func (r *PrometheusRegistry) RecordStageLatency(stage string, duration time.Duration) {
	StageLatency.WithLabelValues(stage).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementRejections(stage, reason string) {
	RejectionCount.WithLabelValues(stage, reason).Inc()
}

func (r *PrometheusRegistry) IncrementAdmissions(result string) {
	AdmissionCount.WithLabelValues(result).Inc()
}

func (r *PrometheusRegistry) IncrementRetrievalErrors(backend, kind string) {
	RetrievalErrors.WithLabelValues(backend, kind).Inc()
}

func (r *PrometheusRegistry) IncrementCatalogReloads(status string) {
	CatalogReloads.WithLabelValues(status).Inc()
}

func (r *PrometheusRegistry) SetCatalogAds(n int) {
	CatalogAds.Set(float64(n))
}

func (r *PrometheusRegistry) IncrementEvent(eventType string) {
	EventCount.WithLabelValues(eventType).Inc()
}

func (r *PrometheusRegistry) SetSpendTotal(campaign string, amount float64) {
	SpendTotal.WithLabelValues(campaign).Set(amount)
}

func (r *PrometheusRegistry) IncrementRateLimitRequests(scope string) {
	RateLimitRequests.WithLabelValues(scope).Inc()
}

func (r *PrometheusRegistry) IncrementRateLimitHits(scope string) {
	RateLimitHits.WithLabelValues(scope).Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods for testing
type NoOpRegistry struct{}

func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementDecisions(outcome string)                                    {}
func (r *NoOpRegistry) RecordStageLatency(stage string, duration time.Duration)               {}
func (r *NoOpRegistry) IncrementRejections(stage, reason string)                             {}
func (r *NoOpRegistry) IncrementAdmissions(result string)                                    {}
func (r *NoOpRegistry) IncrementRetrievalErrors(backend, kind string)                        {}
func (r *NoOpRegistry) IncrementCatalogReloads(status string)                                {}
func (r *NoOpRegistry) SetCatalogAds(n int)                                                  {}
func (r *NoOpRegistry) IncrementEvent(eventType string)                                      {}
func (r *NoOpRegistry) SetSpendTotal(campaign string, amount float64)                        {}
func (r *NoOpRegistry) IncrementRateLimitRequests(scope string)                              {}
func (r *NoOpRegistry) IncrementRateLimitHits(scope string)                                  {}
