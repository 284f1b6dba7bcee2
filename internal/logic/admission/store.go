// Package admission enforces per-user frequency caps and campaign budget
// pacing, and assigns A/B variants to admitted ads. It is the only stage of
// the pipeline that mutates shared state.
package admission

import (
	"context"
	"time"
)

// nowFn is used to get the current time. Tests replace it to simulate
// different times of day.
var nowFn = time.Now

// Outcome is the result of a single reservation attempt.
type Outcome int

const (
	// Admitted means the frequency counter and the spend were both charged.
	Admitted Outcome = iota
	// FrequencyCapped means the subject already saw the ad cap times in the window.
	FrequencyCapped
	// OverBudget means the reservation would exceed the campaign's spend limit.
	OverBudget
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case FrequencyCapped:
		return "frequency_capped"
	case OverBudget:
		return "over_budget"
	}
	return "unknown"
}

// Reservation is one atomic check-and-increment against the counters of a
// (subject, ad) pair and a (campaign, day) pair.
type Reservation struct {
	// Subject is the user or session charged. Empty skips the frequency check.
	Subject    string
	AdID       string
	CampaignID string
	Cap        int
	Cost       float64
	// Limit is the most the campaign may have spent today after this
	// reservation. A negative limit is unbounded.
	Limit float64
	Now   time.Time
}

// Store holds frequency counters and daily spend. Implementations must make
// Reserve atomic: concurrent reservations for the same subject and ad, or the
// same campaign and day, never both pass a limit only one of them fits under.
type Store interface {
	Reserve(ctx context.Context, r Reservation) (Outcome, error)
	// FrequencyCount returns how often subject received adID in the window containing now.
	FrequencyCount(ctx context.Context, subject, adID string, now time.Time) (int, error)
	// DailySpend returns spend reserved on the UTC day of day per campaign.
	// Campaigns without spend are omitted.
	DailySpend(ctx context.Context, campaignIDs []string, day time.Time) (map[string]float64, error)
}

// budgetEpsilon absorbs float rounding when comparing spend against limits.
const budgetEpsilon = 1e-9

func fitsBudget(spent, cost, limit float64) bool {
	if limit < 0 {
		return true
	}
	return spent+cost <= limit+budgetEpsilon
}
