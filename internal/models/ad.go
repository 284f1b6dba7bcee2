package models

import "math"

// WeightTolerance is the allowed deviation of an ad's match weights from 1.0.
const WeightTolerance = 1e-6

// DefaultVariant is the variant id assigned when an ad has no A/B variants.
const DefaultVariant = "default"

// Ad is a single deliverable advertisement belonging to a Campaign.
type Ad struct {
	ID         string `json:"ad_id"`
	CampaignID string `json:"campaign_id"`
	CompanyID  string `json:"company_id"`

	Content AdContent `json:"content"`

	// Keywords, Categories and IntentTriggers at the ad level extend the
	// campaign vocabulary and the retrieval index. Scoring uses the campaign's.
	Keywords       []string            `json:"keywords,omitempty"`
	Categories     []string            `json:"categories,omitempty"`
	IntentTriggers map[string][]string `json:"intent_triggers,omitempty"`

	Weights MatchWeights `json:"match_weights"`
	Active  bool         `json:"active"`

	// Variants are alternative renderings of Content used for A/B tests.
	Variants []Variant `json:"variants,omitempty"`

	Metrics PerformanceMetrics `json:"performance_metrics"`
}

// AdContent is what the caller renders.
type AdContent struct {
	Title         string `json:"title"`
	Description   string `json:"description"`
	CallToAction  string `json:"cta"`
	TargetURL     string `json:"target_url"` // May contain macros such as {AD_ID}.
	DisplayFormat string `json:"display_format"`
}

// Variant overrides non-empty content fields of the parent ad.
type Variant struct {
	ID           string `json:"id"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	CallToAction string `json:"cta,omitempty"`
}

// MatchWeights combine the three relevance components into a final score.
type MatchWeights struct {
	Keyword  float64 `json:"keyword_match"`
	Category float64 `json:"category_match"`
	Intent   float64 `json:"intent_match"`
}

// DefaultMatchWeights apply when neither the ad nor its company configures weights.
var DefaultMatchWeights = MatchWeights{Keyword: 0.4, Category: 0.3, Intent: 0.3}

// Sum returns the total of all weights.
func (w MatchWeights) Sum() float64 {
	return w.Keyword + w.Category + w.Intent
}

// IsZero reports whether no weight was configured.
func (w MatchWeights) IsZero() bool {
	return w.Keyword == 0 && w.Category == 0 && w.Intent == 0
}

// Valid reports whether weights are non-negative and sum to 1.0 within WeightTolerance.
func (w MatchWeights) Valid() bool {
	if w.Keyword < 0 || w.Category < 0 || w.Intent < 0 {
		return false
	}
	return math.Abs(w.Sum()-1.0) <= WeightTolerance
}

// PerformanceMetrics are cumulative delivery counters for an ad.
type PerformanceMetrics struct {
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Conversions int64   `json:"conversions"`
	Spend       float64 `json:"spend"`
}

// CTR is clicks per impression, or 0 without impressions.
func (m PerformanceMetrics) CTR() float64 {
	if m.Impressions == 0 {
		return 0
	}
	return float64(m.Clicks) / float64(m.Impressions)
}

// ConversionRate is conversions per click, or 0 without clicks.
func (m PerformanceMetrics) ConversionRate() float64 {
	if m.Clicks == 0 {
		return 0
	}
	return float64(m.Conversions) / float64(m.Clicks)
}

// VariantByID returns the variant with the given id, if present.
func (a *Ad) VariantByID(id string) (Variant, bool) {
	for _, v := range a.Variants {
		if v.ID == id {
			return v, true
		}
	}
	return Variant{}, false
}

// Render returns the ad content with the given variant applied.
func (a *Ad) Render(variantID string) AdContent {
	c := a.Content
	v, ok := a.VariantByID(variantID)
	if !ok {
		return c
	}
	if v.Title != "" {
		c.Title = v.Title
	}
	if v.Description != "" {
		c.Description = v.Description
	}
	if v.CallToAction != "" {
		c.CallToAction = v.CallToAction
	}
	return c
}
