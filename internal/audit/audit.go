// Package audit is the append-only compliance sink. Writes are
// fire-and-forget: a failed append is logged and never fails the
// operation that produced the event.
package audit

import (
	"context"
	"time"

	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type Event string

const (
	EventCompleted  Event = "completed"
	EventFailed     Event = "failed"
	EventSnoozed    Event = "snoozed"
	EventMassSnooze Event = "mass_snooze"
)

type Sink interface {
	Log(ctx context.Context, reminderID string, ev Event, at time.Time)
}

// NewStoreSink writes events to the store's audit table.
func NewStoreSink(st storage.Store, log logx.Logger) Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &storeSink{st: st, log: log}
}

type storeSink struct {
	st  storage.Store
	log logx.Logger
}

func (s *storeSink) Log(ctx context.Context, reminderID string, ev Event, at time.Time) {
	err := s.st.AppendAudit(ctx, storage.AuditEntry{
		At:         at,
		ReminderID: reminderID,
		Event:      string(ev),
	})
	if err != nil {
		s.log.Warn("audit append failed",
			logx.String("reminder_id", reminderID),
			logx.String("event", string(ev)),
			logx.Err(err))
	}
}

// Nop returns a sink that discards everything.
func Nop() Sink { return nopSink{} }

type nopSink struct{}

func (nopSink) Log(context.Context, string, Event, time.Time) {}
