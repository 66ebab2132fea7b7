// Package planner computes the notification batch for a reminder: which
// instants to fire at and with what wording, depending on the control
// level. It is pure; past-due reminders get an empty batch because
// catch-up delivery belongs to the sweeper.
package planner

import (
	"fmt"
	"time"

	"remindd/internal/delivery"
	"remindd/internal/reminder"
)

const (
	FollowupsStrict   = 2
	FollowupsCritical = 5

	strictSpacing   = 15 * time.Minute
	criticalSpacing = 5 * time.Minute
)

// Plan returns the ordered batch of notifications for r, or nil when the
// due time is not in the future relative to now.
func Plan(r *reminder.Reminder, now time.Time) []delivery.Request {
	if !r.DueAt.After(now) {
		return nil
	}

	followups, spacing := 0, time.Duration(0)
	switch r.Level {
	case reminder.LevelStrict:
		followups, spacing = FollowupsStrict, strictSpacing
	case reminder.LevelCritical:
		followups, spacing = FollowupsCritical, criticalSpacing
	}

	batch := make([]delivery.Request, 0, followups+1)
	for i := 0; i <= followups; i++ {
		batch = append(batch, delivery.Request{
			FireAt: r.DueAt.Add(time.Duration(i) * spacing),
			Payload: delivery.Payload{
				ReminderID: r.ID,
				Title:      r.Title,
				Body:       body(r, i, followups),
				Followup:   i,
			},
		})
	}
	return batch
}

// CatchUp builds the immediate payload the sweeper fires for an overdue
// reminder.
func CatchUp(r *reminder.Reminder) delivery.Payload {
	return delivery.Payload{
		ReminderID: r.ID,
		Title:      r.Title,
		Body:       fmt.Sprintf("Overdue: %s, please confirm", r.Title),
		Followup:   r.RetryCount + 1,
	}
}

// body escalates the wording per follow-up index.
func body(r *reminder.Reminder, i, followups int) string {
	switch {
	case i == 0:
		if r.Body != "" {
			return fmt.Sprintf("%s: %s", r.Title, r.Body)
		}
		return r.Title
	case i == followups:
		return fmt.Sprintf("Last call: %s is still waiting for confirmation", r.Title)
	default:
		return fmt.Sprintf("Reminder %d/%d: %s is still due", i+1, followups+1, r.Title)
	}
}
