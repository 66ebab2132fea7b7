package storage

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("reminder not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "memory": process-local maps, for tests and ad-hoc runs
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records a compliance event for the out-of-process reporting
// subsystem. Keep it compact and schema-stable.
type AuditEntry struct {
	At         time.Time
	ReminderID string
	Event      string // completed | failed | snoozed | mass_snooze
	Detail     string
}
