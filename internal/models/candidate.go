package models

// MatchCandidate is an ad under consideration for a single request. It is
// created from a retrieval result and enriched by ranking and admission.
type MatchCandidate struct {
	AdID            string  `json:"ad_id"`
	CampaignID      string  `json:"campaign_id"`
	SimilarityScore float64 `json:"similarity_score"`
	// RetrievalRank is the zero-based position in the retrieval result.
	RetrievalRank int `json:"retrieval_rank"`

	KeywordMatch  float64 `json:"keyword_match"`
	CategoryMatch float64 `json:"category_match"`
	IntentMatch   float64 `json:"intent_match"`
	FinalScore    float64 `json:"final_score"`

	Variant string `json:"ab_variant,omitempty"`
}

// Pipeline stage names used in rejections, traces and metrics.
const (
	StageAnalyze   = "analyze"
	StageRetrieve  = "retrieve"
	StageFilter    = "filter"
	StageRank      = "rank"
	StageAdmission = "admission"
	StageDeliver   = "deliver"
)

// Rejection reason codes.
const (
	ReasonUnknownAd        = "unknown_ad"
	ReasonDuplicate        = "duplicate"
	ReasonCampaignInactive = "campaign_inactive"
	ReasonOutOfFlight      = "out_of_flight"
	ReasonAdInactive       = "ad_inactive"
	ReasonExcludedKeyword  = "excluded_keyword"
	ReasonExcludedCategory = "excluded_category"
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonDailyBudget      = "daily_budget_exhausted"
	ReasonGeoMismatch      = "geo_mismatch"
	ReasonDeviceMismatch   = "device_mismatch"
	ReasonInterestMismatch = "interest_mismatch"
	ReasonBotTraffic       = "bot_traffic"
	ReasonBelowThreshold   = "below_relevance_threshold"
	ReasonFrequencyCapped  = "frequency_capped"
	ReasonPacing           = "pacing_limited"
	ReasonStateConflict    = "state_conflict"
	ReasonStateError       = "state_error"
	ReasonDeadline         = "deadline_exceeded"
)

// Rejection records why a candidate left the pipeline.
type Rejection struct {
	AdID       string `json:"ad_id"`
	CampaignID string `json:"campaign_id,omitempty"`
	Stage      string `json:"stage"`
	Reason     string `json:"reason"`
}
