package models

import "time"

// DeliveredAd is one entry of a DeliveryDecision, ready for rendering.
type DeliveredAd struct {
	AdID       string  `json:"ad_id"`
	CampaignID string  `json:"campaign_id"`
	CompanyID  string  `json:"company_id"`
	Position   int     `json:"position"` // 1-based
	FinalScore float64 `json:"relevance_score"`
	Variant    string  `json:"ab_variant"`

	Title         string `json:"title"`
	Description   string `json:"description"`
	CallToAction  string `json:"call_to_action"`
	URL           string `json:"url"`
	DisplayFormat string `json:"display_format"`
	Sponsored     bool   `json:"sponsored"`

	ImpressionURL string `json:"impression_url,omitempty"`
	ClickURL      string `json:"click_url,omitempty"`
}

// DeliveryDecision is the final, capped, ordered result for a query. An empty
// Ads slice is a valid decision meaning nothing cleared the gates.
type DeliveryDecision struct {
	RequestID string        `json:"request_id"`
	Ads       []DeliveredAd `json:"ads"`
	Audit     *AuditRecord  `json:"audit,omitempty"`
}

// Empty reports whether no ad was delivered.
func (d *DeliveryDecision) Empty() bool {
	return d == nil || len(d.Ads) == 0
}

// Decision outcomes.
const (
	OutcomeFilled   = "filled"
	OutcomeEmpty    = "empty"
	OutcomeDeadline = "deadline"
	OutcomeInvalid  = "invalid"
)

// AuditRecord captures everything needed to explain a decision after the fact.
type AuditRecord struct {
	RequestID string    `json:"request_id"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	// ClientTimestamp is the issue time the caller reported, if any.
	ClientTimestamp *time.Time `json:"client_timestamp,omitempty"`
	Query           string     `json:"query"`
	// Context holds the recent session queries the analyzer was given.
	Context    []string         `json:"context,omitempty"`
	Features   QueryFeatures    `json:"features"`
	Considered []MatchCandidate `json:"considered"`
	Rejections []Rejection      `json:"rejections"`
	Admitted   []string         `json:"admitted"`
	Outcome    string           `json:"outcome"`
	// CatalogVersion identifies the snapshot the decision was made against.
	CatalogVersion int64 `json:"catalog_version"`
	Trace          Trace `json:"trace"`
}

// Reject appends a rejection. It is nil-safe.
func (a *AuditRecord) Reject(r ...Rejection) {
	if a == nil {
		return
	}
	a.Rejections = append(a.Rejections, r...)
}
