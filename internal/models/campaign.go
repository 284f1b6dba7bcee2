package models

import "time"

// Campaign lifecycle states. Only active campaigns deliver.
const (
	StatusDraft  = "draft"
	StatusActive = "active"
	StatusPaused = "paused"
	StatusEnded  = "ended"
)

// Pacing strategies define how a campaign's daily budget is spent over the day.
const (
	// PacingASAP lets the campaign spend its full daily budget as early as demand allows.
	PacingASAP = "asap"
	// PacingEven prorates the daily budget by the fraction of the UTC day elapsed,
	// so spend cannot run ahead of the clock.
	PacingEven = "even"
)

// Campaign is an advertiser's unit of budget, schedule and targeting. It owns
// one or more Ads. Campaigns are loaded from the catalog collaborator and are
// treated as immutable once they are part of a Catalog snapshot.
type Campaign struct {
	ID        string `json:"campaign_id"`
	CompanyID string `json:"company_id"` // Owning advertiser (tenant).
	Name      string `json:"name"`
	Status    string `json:"status"` // One of StatusDraft, StatusActive, StatusPaused, StatusEnded.

	// StartDate and EndDate bound delivery, both inclusive.
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	TotalBudget float64 `json:"total_budget"`
	DailyBudget float64 `json:"daily_budget"`
	// SpendToDate is the lifetime spend recorded by the catalog owner at load time.
	// Spend reserved during the current day lives in the frequency/budget state store.
	SpendToDate float64 `json:"spend_to_date"`

	Targeting   Targeting           `json:"targeting"`
	Performance PerformanceSettings `json:"performance_settings"`

	Ads []Ad `json:"ads"`
}

// Targeting describes who and what a campaign wants to reach.
type Targeting struct {
	// Countries, Devices and Interests are audience constraints. Empty means
	// unrestricted; Interests match when the request declares any of them.
	Countries []string `json:"countries,omitempty"`
	Devices   []string `json:"devices,omitempty"`
	Interests []string `json:"interests,omitempty"`

	// TargetIntents lists the intent tags the campaign scores against.
	TargetIntents []string `json:"target_intents,omitempty"`
	// IntentTriggers maps an intent tag to the phrases that reveal it in a query.
	IntentTriggers map[string][]string `json:"intent_triggers,omitempty"`

	// Keywords and Categories form the context targeting vocabulary.
	Keywords   []string `json:"keywords,omitempty"`
	Categories []string `json:"categories,omitempty"`

	ExcludedKeywords   []string `json:"excluded_keywords,omitempty"`
	ExcludedCategories []string `json:"excluded_categories,omitempty"`
}

// PerformanceSettings tune delivery for a campaign. Zero values fall back to
// service-wide defaults.
type PerformanceSettings struct {
	OptimizationGoal string `json:"optimization_goal,omitempty"`
	// MinRelevanceScore overrides the global relevance threshold when set.
	MinRelevanceScore *float64 `json:"min_relevance_score,omitempty"`
	// FrequencyCap is the maximum number of deliveries of one ad to one user per window.
	FrequencyCap int    `json:"frequency_cap,omitempty"`
	Pacing       string `json:"pacing,omitempty"`
	// EstimatedCost is the provisional cost reserved against the budget per delivery.
	EstimatedCost float64 `json:"estimated_cost,omitempty"`
}

// ActiveAt reports whether the campaign may deliver at t, considering status
// and flight dates. Budget is checked separately.
func (c *Campaign) ActiveAt(t time.Time) bool {
	if c.Status != StatusActive {
		return false
	}
	if !c.StartDate.IsZero() && t.Before(c.StartDate) {
		return false
	}
	if !c.EndDate.IsZero() && t.After(c.EndDate) {
		return false
	}
	return true
}

// RemainingBudget is the lifetime budget left before today's reservations.
// A campaign without a total budget is unbounded and returns -1.
func (c *Campaign) RemainingBudget() float64 {
	if c.TotalBudget <= 0 {
		return -1
	}
	r := c.TotalBudget - c.SpendToDate
	if r < 0 {
		return 0
	}
	return r
}

// MinScore returns the campaign's relevance threshold, falling back to def.
func (c *Campaign) MinScore(def float64) float64 {
	if c.Performance.MinRelevanceScore != nil {
		return *c.Performance.MinRelevanceScore
	}
	return def
}

// FrequencyCapOr returns the campaign's cap, falling back to def.
func (c *Campaign) FrequencyCapOr(def int) int {
	if c.Performance.FrequencyCap > 0 {
		return c.Performance.FrequencyCap
	}
	return def
}

// CostOr returns the campaign's per-delivery cost estimate, falling back to def.
func (c *Campaign) CostOr(def float64) float64 {
	if c.Performance.EstimatedCost > 0 {
		return c.Performance.EstimatedCost
	}
	return def
}
