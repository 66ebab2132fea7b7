package delivery

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	logx "remindd/pkg/logx"
)

// Timers is a process-local Scheduler backed by one-shot timers. When a
// timer fires, the payload is pushed through the Sender behind a rate
// limiter so a burst of simultaneous fires does not hammer the channel.
//
// Handles are process-local: after a restart the store's handle lists
// refer to timers that no longer exist, which is why startup runs a full
// reschedule pass and Cancel treats unknown handles as a no-op.
type Timers struct {
	sender  Sender
	limiter *rate.Limiter
	log     logx.Logger

	mu      sync.Mutex
	entries map[string]*timerEntry
	closed  bool
}

type timerEntry struct {
	timer      *time.Timer
	fireAt     time.Time
	reminderID string
}

// NewTimers creates a timer scheduler dispatching to sender at most
// ratePerSec sends per second (minimum 1).
func NewTimers(sender Sender, ratePerSec int, log logx.Logger) *Timers {
	if ratePerSec <= 0 {
		ratePerSec = 1
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Timers{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec),
		log:     log,
		entries: map[string]*timerEntry{},
	}
}

func (t *Timers) Schedule(_ context.Context, fireAt time.Time, p Payload) (string, error) {
	delay := time.Until(fireAt)
	if delay < 0 {
		return "", ErrPastFireTime
	}

	handle := uuid.NewString()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", context.Canceled
	}
	e := &timerEntry{fireAt: fireAt, reminderID: p.ReminderID}
	e.timer = time.AfterFunc(delay, func() { t.fire(handle, p) })
	t.entries[handle] = e

	t.log.Debug("notification scheduled",
		logx.String("handle", handle),
		logx.String("reminder_id", p.ReminderID),
		logx.Time("fire_at", fireAt),
		logx.Int("followup", p.Followup))
	return handle, nil
}

// fire runs on the timer goroutine. A cancelled handle may still race its
// own callback; the map check makes the cancellation win.
func (t *Timers) fire(handle string, p Payload) {
	t.mu.Lock()
	_, ok := t.entries[handle]
	if ok {
		delete(t.entries, handle)
	}
	closed := t.closed
	t.mu.Unlock()
	if !ok || closed {
		return
	}

	ctx := context.Background()
	if err := t.limiter.Wait(ctx); err != nil {
		return
	}
	if err := t.sender.Send(ctx, p); err != nil {
		t.log.Warn("notification send failed",
			logx.String("reminder_id", p.ReminderID),
			logx.Int("followup", p.Followup),
			logx.Err(err))
		return
	}
	t.log.Debug("notification fired",
		logx.String("reminder_id", p.ReminderID),
		logx.Int("followup", p.Followup))
}

func (t *Timers) Cancel(_ context.Context, handle string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[handle]; ok {
		_ = e.timer.Stop()
		delete(t.entries, handle)
	}
	return nil
}

func (t *Timers) CancelAll(_ context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, e := range t.entries {
		_ = e.timer.Stop()
		delete(t.entries, h)
	}
	return nil
}

func (t *Timers) ListOutstanding(_ context.Context) ([]Outstanding, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Outstanding, 0, len(t.entries))
	for h, e := range t.entries {
		out = append(out, Outstanding{Handle: h, FireAt: e.fireAt, ReminderID: e.reminderID})
	}
	return out, nil
}

// Close stops all timers; subsequent Schedule calls fail.
func (t *Timers) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for h, e := range t.entries {
		_ = e.timer.Stop()
		delete(t.entries, h)
	}
}
