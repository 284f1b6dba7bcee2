package admission

import (
	"time"

	"github.com/patrickwarner/admatch/internal/models"
)

// DailyLimit returns the most a campaign may spend on the UTC day of now, or
// a negative value when it is unbounded. The limit is the daily budget,
// capped by the lifetime budget still available, and for even pacing
// prorated by the fraction of the day elapsed. paced reports whether even
// pacing lowered the limit below the budget caps.
func DailyLimit(camp *models.Campaign, now time.Time) (limit float64, paced bool) {
	limit = -1
	if camp.DailyBudget > 0 {
		limit = camp.DailyBudget
	}
	if rem := camp.RemainingBudget(); rem >= 0 && (limit < 0 || rem < limit) {
		limit = rem
	}
	if camp.Performance.Pacing == models.PacingEven && camp.DailyBudget > 0 {
		elapsed := now.Sub(dayStart(now))
		prorated := camp.DailyBudget * (float64(elapsed) / float64(24*time.Hour))
		if prorated < limit {
			return prorated, true
		}
	}
	return limit, false
}
