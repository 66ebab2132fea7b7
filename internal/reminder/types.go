// Package reminder holds the core domain types shared by the storage,
// planning and lifecycle layers.
package reminder

import "time"

// ControlLevel is the urgency tier of a reminder. It determines how
// aggressively follow-up notifications escalate and how many catch-up
// retries the sweeper grants before giving up.
type ControlLevel string

const (
	LevelNormal   ControlLevel = "normal"
	LevelStrict   ControlLevel = "strict"
	LevelCritical ControlLevel = "critical"
)

// Status is the lifecycle state. Completed and Failed are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSnoozed   Status = "snoozed"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// RuleType describes the recurrence cadence of a repeating reminder.
type RuleType string

const (
	RepeatNone    RuleType = "none"
	RepeatDaily   RuleType = "daily"
	RepeatWeekly  RuleType = "weekly"
	RepeatMonthly RuleType = "monthly"
	RepeatYearly  RuleType = "yearly"
)

// RepeatRule is the optional recurrence descriptor stored on the row.
type RepeatRule struct {
	Type RuleType `json:"type"`
}

const (
	MaxRetriesNormalStrict = 3
	MaxRetriesCritical     = 10
)

// MaxRetriesFor returns the retry budget derived from the control level
// at creation time.
func MaxRetriesFor(level ControlLevel) int {
	if level == LevelCritical {
		return MaxRetriesCritical
	}
	return MaxRetriesNormalStrict
}

// ValidLevel reports whether level is one of the known tiers.
func ValidLevel(level ControlLevel) bool {
	switch level {
	case LevelNormal, LevelStrict, LevelCritical:
		return true
	}
	return false
}

// Reminder is the central entity.
//
// Handles always mirrors the set of notifications currently scheduled with
// the delivery channel for this reminder; it is replaced wholesale on any
// reschedule, never patched entry by entry.
type Reminder struct {
	ID           string
	Title        string
	Body         string
	DueAt        time.Time
	Level        ControlLevel
	Status       Status
	Deleted      bool
	RetryCount   int
	MaxRetries   int
	// LastRetryAt marks the sweep instant that consumed the latest retry,
	// so re-running a sweep with no elapsed time never double-counts.
	LastRetryAt  time.Time
	Handles      []string
	Repeat       RepeatRule
	LastModified time.Time
}

// Clone returns a deep copy (Handles is the only reference field).
func (r *Reminder) Clone() *Reminder {
	cp := *r
	cp.Handles = append([]string(nil), r.Handles...)
	return &cp
}

// Overdue reports whether r should be picked up by a reconciliation pass.
// A snoozed reminder whose new due time has passed is effectively pending
// and gets the same catch-up treatment.
func (r *Reminder) Overdue(now time.Time) bool {
	if r.Deleted || r.Status.Terminal() {
		return false
	}
	return r.DueAt.Before(now)
}
