package observability

import (
	"sync"
	"time"
)

// MockMetricsRegistry counts calls so tests can assert on emitted metrics.
type MockMetricsRegistry struct {
	mu         sync.Mutex
	Decisions  map[string]int
	Rejections map[string]int
	Admissions map[string]int
	Events     map[string]int
	Reloads    map[string]int
	RateHits   int
	Requests   int
}

func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		Decisions:  map[string]int{},
		Rejections: map[string]int{},
		Admissions: map[string]int{},
		Events:     map[string]int{},
		Reloads:    map[string]int{},
	}
}

func (m *MockMetricsRegistry) bump(target map[string]int, key string) {
	m.mu.Lock()
	target[key]++
	m.mu.Unlock()
}

// Count returns the recorded count for a key in one of the maps, under lock.
func (m *MockMetricsRegistry) Count(target map[string]int, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return target[key]
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.mu.Lock()
	m.Requests++
	m.mu.Unlock()
}
func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (m *MockMetricsRegistry) IncrementDecisions(outcome string)                                    { m.bump(m.Decisions, outcome) }
func (m *MockMetricsRegistry) RecordStageLatency(stage string, duration time.Duration)               {}
func (m *MockMetricsRegistry) IncrementRejections(stage, reason string) {
	m.bump(m.Rejections, stage+":"+reason)
}
func (m *MockMetricsRegistry) IncrementAdmissions(result string)             { m.bump(m.Admissions, result) }
func (m *MockMetricsRegistry) IncrementRetrievalErrors(backend, kind string) {}
func (m *MockMetricsRegistry) IncrementCatalogReloads(status string)         { m.bump(m.Reloads, status) }
func (m *MockMetricsRegistry) SetCatalogAds(n int)                           {}
func (m *MockMetricsRegistry) IncrementEvent(eventType string)               { m.bump(m.Events, eventType) }
func (m *MockMetricsRegistry) SetSpendTotal(campaign string, amount float64) {}
func (m *MockMetricsRegistry) IncrementRateLimitRequests(scope string)       {}
func (m *MockMetricsRegistry) IncrementRateLimitHits(scope string) {
	m.mu.Lock()
	m.RateHits++
	m.mu.Unlock()
}

var (
	_ MetricsRegistry = (*MockMetricsRegistry)(nil)
	_ MetricsRegistry = (*NoOpRegistry)(nil)
	_ MetricsRegistry = (*PrometheusRegistry)(nil)
)
