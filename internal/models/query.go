package models

import "time"

// Query is a raw user query plus the identity of who issued it. Timestamp is
// the caller's own issue time; it is audited, never used as the decision
// clock.
type Query struct {
	Text      string    `json:"text"`
	UserID    string    `json:"user_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationKey groups queries into one conversation: the session id, else
// the user id.
func (q Query) ConversationKey() string {
	if q.SessionID != "" {
		return q.SessionID
	}
	return q.UserID
}

// Subject identifies whose frequency counters a query charges: the user id,
// else the session id, else "" for anonymous traffic.
func (q Query) Subject() string {
	if q.UserID != "" {
		return q.UserID
	}
	return q.SessionID
}

// QueryFeatures are the structured signals extracted from a Query. They are
// immutable once produced by the analyzer.
type QueryFeatures struct {
	Keywords       []string `json:"keywords"`
	Intents        []string `json:"detected_intents"`
	Categories     []string `json:"detected_categories"`
	NormalizedText string   `json:"normalized_text"`
	// Tokens is the full normalized token sequence, stopwords included, used
	// for phrase matching.
	Tokens []string `json:"-"`

	// Context signals come from earlier queries in the same conversation.
	// They add to scoring but never to exclusion checks.
	ContextKeywords   []string `json:"context_keywords,omitempty"`
	ContextIntents    []string `json:"context_intents,omitempty"`
	ContextCategories []string `json:"context_categories,omitempty"`
}

// Audience is the request context used for demographic targeting.
type Audience struct {
	Country   string   `json:"country,omitempty"`
	Region    string   `json:"region,omitempty"`
	Device    string   `json:"device,omitempty"`
	Bot       bool     `json:"bot,omitempty"`
	Interests []string `json:"interests,omitempty"`
}
