package filters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

type fakeSpend struct {
	spent map[string]float64
	err   error
	calls int
}

func (f *fakeSpend) DailySpend(ctx context.Context, ids []string, day time.Time) (map[string]float64, error) {
	f.calls++
	return f.spent, f.err
}

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func cands(ids ...string) []models.MatchCandidate {
	out := make([]models.MatchCandidate, len(ids))
	for i, id := range ids {
		out[i] = models.MatchCandidate{AdID: id, RetrievalRank: i}
	}
	return out
}

func adIDs(cs []models.MatchCandidate) []string {
	var ids []string
	for _, c := range cs {
		ids = append(ids, c.AdID)
	}
	return ids
}

func reasons(rs []models.Rejection) map[string]string {
	m := map[string]string{}
	for _, r := range rs {
		m[r.AdID] = r.Reason
	}
	return m
}

func TestFilterPreservesOrderAndFillsCampaign(t *testing.T) {
	cat := models.NewCatalog(models.SampleCampaigns(), 1, now)
	f := NewSinglePassFilter(nil, zap.NewNop(), observability.NewNoOpRegistry())

	out, rejected := f.Filter(context.Background(), Input{
		Catalog:    cat,
		Candidates: cands("tg_laptop_pro_1", "sw_headphones_1", "tg_laptop_gaming_1", "tg_laptop_pro_1", "ghost"),
		Now:        now,
	})
	assert.Equal(t, []string{"tg_laptop_pro_1", "sw_headphones_1", "tg_laptop_gaming_1"}, adIDs(out))
	assert.Equal(t, "techgear_laptops_2024", out[0].CampaignID)
	assert.Equal(t, 2, out[2].RetrievalRank)
	assert.Equal(t, map[string]string{"tg_laptop_pro_1": models.ReasonDuplicate, "ghost": models.ReasonUnknownAd}, reasons(rejected))
}

func TestFilterRules(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c []models.Campaign)
		features models.QueryFeatures
		audience models.Audience
		at       time.Time
		reason   string
	}{
		{name: "paused campaign", mutate: func(c []models.Campaign) { c[0].Status = models.StatusPaused }, reason: models.ReasonCampaignInactive},
		{name: "before start", at: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), reason: models.ReasonOutOfFlight},
		{name: "after end", mutate: func(c []models.Campaign) { c[0].EndDate = now.Add(-time.Hour) }, reason: models.ReasonOutOfFlight},
		{name: "inactive ad", mutate: func(c []models.Campaign) { c[0].Ads[0].Active = false }, reason: models.ReasonAdInactive},
		{name: "lifetime budget spent", mutate: func(c []models.Campaign) { c[0].SpendToDate = c[0].TotalBudget }, reason: models.ReasonBudgetExhausted},
		{name: "excluded keyword", features: models.QueryFeatures{Tokens: []string{"refurbished", "laptop"}}, reason: models.ReasonExcludedKeyword},
		{name: "excluded category", mutate: func(c []models.Campaign) { c[0].Targeting.ExcludedCategories = []string{"Toys"} }, features: models.QueryFeatures{Categories: []string{"toys"}}, reason: models.ReasonExcludedCategory},
		{name: "geo mismatch", mutate: func(c []models.Campaign) { c[0].Targeting.Countries = []string{"US"} }, audience: models.Audience{Country: "DE"}, reason: models.ReasonGeoMismatch},
		{name: "interest mismatch", mutate: func(c []models.Campaign) { c[0].Targeting.Interests = []string{"gaming"} }, audience: models.Audience{Interests: []string{"cooking"}}, reason: models.ReasonInterestMismatch},
		{name: "interest match", mutate: func(c []models.Campaign) { c[0].Targeting.Interests = []string{"gaming"} }, audience: models.Audience{Interests: []string{"Gaming"}}, reason: ""},
		{name: "bot", audience: models.Audience{Bot: true}, reason: models.ReasonBotTraffic},
		{name: "eligible", reason: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			camps := models.SampleCampaigns()
			if tt.mutate != nil {
				tt.mutate(camps)
			}
			at := tt.at
			if at.IsZero() {
				at = now
			}
			mock := observability.NewMockMetricsRegistry()
			f := NewSinglePassFilter(nil, zap.NewNop(), mock)
			out, rejected := f.Filter(context.Background(), Input{
				Catalog:    models.NewCatalog(camps, 1, now),
				Candidates: cands("tg_laptop_gaming_1"),
				Features:   tt.features,
				Audience:   tt.audience,
				Now:        at,
			})
			if tt.reason == "" {
				require.Len(t, out, 1)
				assert.Empty(t, rejected)
				return
			}
			assert.Empty(t, out)
			require.Len(t, rejected, 1)
			assert.Equal(t, tt.reason, rejected[0].Reason)
			assert.Equal(t, models.StageFilter, rejected[0].Stage)
			assert.Equal(t, 1, mock.Count(mock.Rejections, models.StageFilter+":"+tt.reason))
		})
	}
}

func TestFilterDailyBudget(t *testing.T) {
	cat := models.NewCatalog(models.SampleCampaigns(), 1, now)
	spend := &fakeSpend{spent: map[string]float64{"techgear_laptops_2024": 500}}
	f := NewSinglePassFilter(spend, zap.NewNop(), nil)

	out, rejected := f.Filter(context.Background(), Input{
		Catalog:    cat,
		Candidates: cands("tg_laptop_gaming_1", "sw_headphones_1"),
		Now:        now,
	})
	assert.Equal(t, []string{"sw_headphones_1"}, adIDs(out))
	assert.Equal(t, map[string]string{"tg_laptop_gaming_1": models.ReasonDailyBudget}, reasons(rejected))
	assert.Equal(t, 1, spend.calls, "spend is read in one batch")
}

func TestFilterSpendFailureFailsOpen(t *testing.T) {
	cat := models.NewCatalog(models.SampleCampaigns(), 1, now)
	f := NewSinglePassFilter(&fakeSpend{err: errors.New("redis down")}, zap.NewNop(), nil)
	out, _ := f.Filter(context.Background(), Input{Catalog: cat, Candidates: cands("tg_laptop_gaming_1"), Now: now})
	assert.Len(t, out, 1)
}

func TestFilterWithTrace(t *testing.T) {
	cat := models.NewCatalog(models.SampleCampaigns(), 1, now)
	f := NewSinglePassFilter(nil, nil, nil)
	var tr models.Trace
	f.FilterWithTrace(context.Background(), Input{Catalog: cat, Candidates: cands("tg_laptop_gaming_1", "ghost"), Now: now}, &tr)
	require.Len(t, tr.Steps, 1)
	assert.Equal(t, "2", tr.Steps[0].Details["input_count"])
	assert.Equal(t, "1", tr.Steps[0].Details["output_count"])
}

func TestCheckBudget(t *testing.T) {
	c := &models.Campaign{DailyBudget: 10, TotalBudget: 100, SpendToDate: 95}
	assert.Equal(t, "", CheckBudget(c, 4))
	assert.Equal(t, models.ReasonBudgetExhausted, CheckBudget(c, 5))
	assert.Equal(t, models.ReasonDailyBudget, CheckBudget(c, 10))
	assert.Equal(t, "", CheckBudget(&models.Campaign{}, 1e9))
}
