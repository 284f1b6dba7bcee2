package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/admatch/internal/models"
)

var _ Sink = (*MockAnalytics)(nil)

// MockAnalytics records everything it receives for assertions in tests.
type MockAnalytics struct {
	mu        sync.Mutex
	Decisions []*models.AuditRecord
	Events    []Event
	// Err, when set, is returned by every call after recording.
	Err error
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

func (m *MockAnalytics) RecordDecision(ctx context.Context, rec *models.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Decisions = append(m.Decisions, rec)
	return m.Err
}

func (m *MockAnalytics) RecordEvent(ctx context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
	return m.Err
}

// LastDecision returns the most recent audit record, or nil.
func (m *MockAnalytics) LastDecision() *models.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Decisions) == 0 {
		return nil
	}
	return m.Decisions[len(m.Decisions)-1]
}

// EventCount returns how many events of eventType were recorded.
func (m *MockAnalytics) EventCount(eventType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.Events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}
