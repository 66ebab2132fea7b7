// Package storage provides the durable reminder store and the append-only
// audit table consumed by the reporting subsystem.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

// Store is the persistence API used by the lifecycle controller, the quota
// manager and the sweeper.
type Store interface {
	CreateReminder(ctx context.Context, r *reminder.Reminder) error
	GetReminder(ctx context.Context, id string) (*reminder.Reminder, error)
	UpdateReminder(ctx context.Context, r *reminder.Reminder) error
	// UpdateHandles replaces only the stored handle list, leaving every
	// other column untouched. Used by quota eviction, which may run
	// concurrently with a full-row write on the same reminder.
	UpdateHandles(ctx context.Context, id string, handles []string) error
	PurgeReminder(ctx context.Context, id string) error

	// ListActive returns non-deleted reminders in a non-terminal status,
	// ordered by due time ascending.
	ListActive(ctx context.Context) ([]reminder.Reminder, error)
	// ListOverdue returns pending or snoozed, non-deleted reminders whose
	// due time is strictly before now, ordered by due time ascending.
	ListOverdue(ctx context.Context, now time.Time) ([]reminder.Reminder, error)

	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
