// Package filters narrows retrieval candidates to ads that may be delivered
// right now. Filtering never mutates shared state.
package filters

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/admatch/internal/logic"
	"github.com/patrickwarner/admatch/internal/models"
	"github.com/patrickwarner/admatch/internal/observability"
)

// SpendReader reports spend reserved today per campaign. It is read-only.
type SpendReader interface {
	DailySpend(ctx context.Context, campaignIDs []string, day time.Time) (map[string]float64, error)
}

// Input is everything a filter pass looks at.
type Input struct {
	Catalog    *models.Catalog
	Candidates []models.MatchCandidate
	Features   models.QueryFeatures
	Audience   models.Audience
	Now        time.Time
}

// SinglePassFilter applies every eligibility rule in one pass over the
// candidates, then a single batched spend lookup for the survivors.
type SinglePassFilter struct {
	spend   SpendReader
	logger  *zap.Logger
	metrics observability.MetricsRegistry
}

// NewSinglePassFilter creates a filter. spend may be nil, which disables the
// daily budget check.
func NewSinglePassFilter(spend SpendReader, logger *zap.Logger, metrics observability.MetricsRegistry) *SinglePassFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &SinglePassFilter{spend: spend, logger: logger, metrics: metrics}
}

// Filter returns the eligible candidates in input order, each carrying its
// campaign id, together with a rejection for every discarded candidate.
func (f *SinglePassFilter) Filter(ctx context.Context, in Input) ([]models.MatchCandidate, []models.Rejection) {
	if len(in.Candidates) == 0 {
		return nil, nil
	}

	catSet := models.StringSet(in.Features.Categories)

	passed := make([]models.MatchCandidate, 0, len(in.Candidates))
	var rejected []models.Rejection
	seen := make(map[string]struct{}, len(in.Candidates))
	var campaignIDs []string
	seenCampaign := make(map[string]struct{})

	reject := func(c models.MatchCandidate, reason string) {
		rejected = append(rejected, models.Rejection{AdID: c.AdID, CampaignID: c.CampaignID, Stage: models.StageFilter, Reason: reason})
		f.metrics.IncrementRejections(models.StageFilter, reason)
	}

	for _, c := range in.Candidates {
		if _, dup := seen[c.AdID]; dup {
			reject(c, models.ReasonDuplicate)
			continue
		}
		seen[c.AdID] = struct{}{}

		ad, ok := in.Catalog.Ad(c.AdID)
		if !ok {
			reject(c, models.ReasonUnknownAd)
			continue
		}
		camp, ok := in.Catalog.Campaign(ad.CampaignID)
		if !ok {
			reject(c, models.ReasonUnknownAd)
			continue
		}
		c.CampaignID = camp.ID

		if reason := CheckEligibility(camp, ad, in.Features, catSet, in.Audience, in.Now); reason != "" {
			reject(c, reason)
			continue
		}

		passed = append(passed, c)
		if camp.DailyBudget > 0 || camp.TotalBudget > 0 {
			if _, ok := seenCampaign[camp.ID]; !ok {
				seenCampaign[camp.ID] = struct{}{}
				campaignIDs = append(campaignIDs, camp.ID)
			}
		}
	}

	if len(passed) == 0 || f.spend == nil || len(campaignIDs) == 0 {
		return passed, rejected
	}

	spent, err := f.spend.DailySpend(ctx, campaignIDs, in.Now)
	if err != nil {
		// Admission re-checks the budget atomically, so a failed read only
		// loses the early cut.
		f.logger.Warn("daily spend lookup failed, skipping daily budget filter", zap.Error(err))
		return passed, rejected
	}

	out := passed[:0]
	for _, c := range passed {
		camp, _ := in.Catalog.Campaign(c.CampaignID)
		if reason := CheckBudget(camp, spent[camp.ID]); reason != "" {
			reject(c, reason)
			continue
		}
		out = append(out, c)
	}
	return out, rejected
}

// FilterWithTrace runs Filter and records the surviving candidates in tr.
func (f *SinglePassFilter) FilterWithTrace(ctx context.Context, in Input, tr *models.Trace) ([]models.MatchCandidate, []models.Rejection) {
	start := time.Now()
	out, rejected := f.Filter(ctx, in)
	tr.AddStepWithDetails(models.StageFilter, out, time.Since(start), map[string]string{
		"input_count":  fmt.Sprintf("%d", len(in.Candidates)),
		"output_count": fmt.Sprintf("%d", len(out)),
		"rejected":     fmt.Sprintf("%d", len(rejected)),
	})
	return out, rejected
}

// CheckEligibility returns the first static rule ad violates, or "" when it
// may be delivered. catSet is the set of detected query categories.
func CheckEligibility(camp *models.Campaign, ad *models.Ad, features models.QueryFeatures, catSet map[string]struct{}, aud models.Audience, now time.Time) string {
	switch {
	case camp.Status != models.StatusActive:
		return models.ReasonCampaignInactive
	case !camp.ActiveAt(now):
		return models.ReasonOutOfFlight
	case !ad.Active:
		return models.ReasonAdInactive
	case aud.Bot:
		return models.ReasonBotTraffic
	}
	if camp.TotalBudget > 0 && camp.SpendToDate >= camp.TotalBudget {
		return models.ReasonBudgetExhausted
	}
	if excludedKeyword(camp.Targeting.ExcludedKeywords, features.Tokens) {
		return models.ReasonExcludedKeyword
	}
	for _, ex := range camp.Targeting.ExcludedCategories {
		if _, ok := catSet[models.NormalizeText(ex)]; ok {
			return models.ReasonExcludedCategory
		}
	}
	if ok, reason := logic.MatchesDemographics(camp.Targeting, aud); !ok {
		return reason
	}
	return ""
}

// CheckBudget applies the daily and lifetime budget rules given the spend
// already reserved today.
func CheckBudget(camp *models.Campaign, spentToday float64) string {
	if camp.DailyBudget > 0 && spentToday >= camp.DailyBudget {
		return models.ReasonDailyBudget
	}
	if camp.TotalBudget > 0 && camp.SpendToDate+spentToday >= camp.TotalBudget {
		return models.ReasonBudgetExhausted
	}
	return ""
}

// excludedKeyword matches exclusions against the full token sequence so
// stopwords and short words can still be excluded.
func excludedKeyword(excluded, tokens []string) bool {
	for _, ex := range excluded {
		if models.ContainsPhrase(tokens, models.Tokens(ex)) {
			return true
		}
	}
	return false
}
