// Package recurrence expands a repeat rule into the next occurrence.
package recurrence

import (
	"time"

	"remindd/internal/reminder"
)

// maxAdvance bounds the advance loop against date-arithmetic bugs. At one
// step per day it covers well over two years of staleness.
const maxAdvance = 1000

// Next returns the first instant strictly after now reached by repeatedly
// adding one period to anchor. Advancing step by step (instead of one
// computed jump) keeps the cadence anchored to the original time-of-day
// and day-of-week/month even when the anchor is stale by many periods.
//
// Month and year steps use time.AddDate normalization: Jan 31 + 1 month
// overflows into early March rather than clamping to Feb 28/29.
func Next(anchor time.Time, rule reminder.RuleType, now time.Time) (time.Time, bool) {
	var step func(time.Time) time.Time
	switch rule {
	case reminder.RepeatDaily:
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 1) }
	case reminder.RepeatWeekly:
		step = func(t time.Time) time.Time { return t.AddDate(0, 0, 7) }
	case reminder.RepeatMonthly:
		step = func(t time.Time) time.Time { return t.AddDate(0, 1, 0) }
	case reminder.RepeatYearly:
		step = func(t time.Time) time.Time { return t.AddDate(1, 0, 0) }
	default:
		return time.Time{}, false
	}

	t := anchor
	for i := 0; i < maxAdvance; i++ {
		t = step(t)
		if t.After(now) {
			return t, true
		}
	}
	return time.Time{}, false
}
