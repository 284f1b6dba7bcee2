package admission

import (
	"time"

	"github.com/patrickwarner/admatch/internal/config"
	"github.com/patrickwarner/admatch/internal/db"
)

// Window defines the period over which a frequency cap is counted.
type Window struct {
	// Rolling counts the trailing Span; otherwise the window is the UTC day.
	Rolling bool
	Span    time.Duration
}

// DayWindow resets at UTC midnight.
var DayWindow = Window{}

// NewWindow builds a window from the configured mode.
func NewWindow(mode string, span time.Duration) Window {
	if mode == config.WindowRolling && span > 0 {
		return Window{Rolling: true, Span: span}
	}
	return DayWindow
}

// Start returns the earliest instant counted for now.
func (w Window) Start(now time.Time) time.Time {
	if w.Rolling {
		return now.Add(-w.Span)
	}
	return dayStart(now)
}

// Expiry returns when a counter written at now can be discarded.
func (w Window) Expiry(now time.Time) time.Time {
	if w.Rolling {
		return now.Add(w.Span)
	}
	return dayStart(now).Add(24 * time.Hour)
}

// Bucket names the counter bucket for now. Rolling windows share one bucket.
func (w Window) Bucket(now time.Time) string {
	if w.Rolling {
		return "rolling"
	}
	return dayKey(now)
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func dayKey(t time.Time) string {
	return t.UTC().Format(db.DayFormat)
}
