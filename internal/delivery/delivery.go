// Package delivery is the boundary to the notification channel: a
// Scheduler that owns future-dated items identified by opaque handles,
// and a Sender that pushes a payload out immediately.
package delivery

import (
	"context"
	"errors"
	"time"
)

// ErrPastFireTime is a caller error: the planner never emits entries in
// the past, so scheduling one indicates a bug upstream.
var ErrPastFireTime = errors.New("fire time is in the past")

// Payload is what ultimately reaches the user.
type Payload struct {
	ReminderID string
	Title      string
	Body       string
	// Followup is 0 for the primary notification and counts up for each
	// escalating re-prompt of the same due event.
	Followup int
}

// Request is one planned notification: when to fire and what to say.
type Request struct {
	FireAt  time.Time
	Payload Payload
}

// Outstanding describes one scheduled, not-yet-fired item.
type Outstanding struct {
	Handle     string
	FireAt     time.Time
	ReminderID string
}

// Scheduler manages future notifications. Cancel is idempotent: an
// unknown handle is a no-op, never an error.
type Scheduler interface {
	Schedule(ctx context.Context, fireAt time.Time, p Payload) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
	CancelAll(ctx context.Context) error
	ListOutstanding(ctx context.Context) ([]Outstanding, error)
}

// Sender delivers a payload right now, bypassing scheduling. The sweeper
// uses it for catch-up notifications.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, p Payload) error

func (f SenderFunc) Send(ctx context.Context, p Payload) error { return f(ctx, p) }
