package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/admatch/internal/models"
)

func sampleAudit() *models.AuditRecord {
	return &models.AuditRecord{
		RequestID: "req-1",
		UserID:    "u1",
		Timestamp: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
		Query:     "I need a new laptop for gaming",
		Features:  models.QueryFeatures{Keywords: []string{"laptop", "gaming"}},
		Considered: []models.MatchCandidate{
			{AdID: "tg_laptop_gaming_1", FinalScore: 0.8},
			{AdID: "tg_laptop_pro_1", FinalScore: 0.6},
		},
		Rejections: []models.Rejection{
			{AdID: "tg_laptop_pro_1", Stage: models.StageAdmission, Reason: models.ReasonFrequencyCapped},
			{AdID: "tg_laptop_pro_1", Stage: models.StageDeliver, Reason: "later"},
		},
		Admitted:       []string{"tg_laptop_gaming_1"},
		Outcome:        models.OutcomeFilled,
		CatalogVersion: 4,
	}
}

func TestNewDecisionRow(t *testing.T) {
	row, err := newDecisionRow(sampleAudit())
	require.NoError(t, err)

	assert.Equal(t, "req-1", row.RequestID)
	assert.Equal(t, []string{"tg_laptop_gaming_1", "tg_laptop_pro_1"}, row.Considered)
	assert.Equal(t, "admission:frequency_capped", row.Rejections["tg_laptop_pro_1"])
	assert.Equal(t, []string{}, row.Intents, "nil arrays become empty")
	assert.Equal(t, int64(4), row.CatalogVersion)

	var back models.AuditRecord
	require.NoError(t, json.Unmarshal([]byte(row.Audit), &back))
	assert.Equal(t, "I need a new laptop for gaming", back.Query)
	assert.Len(t, back.Rejections, 2)
}

func TestAnalyticsUnavailable(t *testing.T) {
	var a *Analytics
	ctx := context.Background()
	assert.ErrorIs(t, a.RecordDecision(ctx, sampleAudit()), ErrUnavailable)
	assert.ErrorIs(t, a.RecordEvent(ctx, Event{Type: EventClick}), ErrUnavailable)
	_, err := a.GetEventsByRequestID(ctx, "req-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = (&Analytics{}).GetDecision(ctx, "req-1")
	assert.ErrorIs(t, err, ErrUnavailable)
	a.Close()
}

func TestMockAnalytics(t *testing.T) {
	m := NewMockAnalytics()
	ctx := context.Background()
	assert.Nil(t, m.LastDecision())

	require.NoError(t, m.RecordDecision(ctx, sampleAudit()))
	require.NoError(t, m.RecordEvent(ctx, Event{Type: EventImpression, AdID: "a"}))
	require.NoError(t, m.RecordEvent(ctx, Event{Type: EventClick, AdID: "a"}))
	require.NoError(t, m.RecordEvent(ctx, Event{Type: EventImpression, AdID: "b"}))

	assert.Equal(t, "req-1", m.LastDecision().RequestID)
	assert.Equal(t, 2, m.EventCount(EventImpression))
	assert.Equal(t, 1, m.EventCount(EventClick))

	m.Err = errors.New("down")
	assert.Error(t, m.RecordEvent(ctx, Event{Type: EventConversion}))
	assert.Equal(t, 1, m.EventCount(EventConversion))
}
