// Package lifecycle owns the reminder state machine: create, update,
// snooze, complete, delete, restore, purge, and the routing of
// notification actions. It composes the store, planner, quota manager and
// delivery scheduler; everything else talks to reminders through it or
// through the sweeper.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"remindd/internal/audit"
	"remindd/internal/delivery"
	"remindd/internal/eventbus"
	"remindd/internal/planner"
	"remindd/internal/quota"
	"remindd/internal/recurrence"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

var (
	ErrEmptyTitle    = errors.New("title must not be empty")
	ErrInvalidLevel  = errors.New("unknown control level")
	ErrTerminalState = errors.New("reminder is in a terminal state")
	ErrDeleted       = errors.New("reminder is deleted")
	ErrUnknownAction = errors.New("unknown notification action")
)

// Deps are the collaborators the controller composes. Store, Quota and
// Sched are required; the rest default to safe no-ops.
type Deps struct {
	Store storage.Store
	Quota *quota.Manager
	Sched delivery.Scheduler
	Audit audit.Sink
	Bus   eventbus.Bus
	Locks *reminder.Locks
	Log   logx.Logger

	// Now is the clock; tests override it.
	Now func() time.Time
	// SnoozeDefault applies when a snooze action carries no duration.
	SnoozeDefault time.Duration
}

type Controller struct {
	store storage.Store
	quota *quota.Manager
	sched delivery.Scheduler
	audit audit.Sink
	bus   eventbus.Bus
	locks *reminder.Locks
	log   logx.Logger

	now           func() time.Time
	snoozeDefault time.Duration
}

func New(d Deps) *Controller {
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	if d.Locks == nil {
		d.Locks = reminder.NewLocks()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.SnoozeDefault <= 0 {
		d.SnoozeDefault = 10 * time.Minute
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Controller{
		store:         d.Store,
		quota:         d.Quota,
		sched:         d.Sched,
		audit:         d.Audit,
		bus:           d.Bus,
		locks:         d.Locks,
		log:           d.Log,
		now:           d.Now,
		snoozeDefault: d.SnoozeDefault,
	}
}

// Input describes a reminder to create.
type Input struct {
	Title  string
	Body   string
	DueAt  time.Time
	Level  reminder.ControlLevel
	Repeat reminder.RepeatRule
}

// Changes is a partial update; nil fields are left untouched.
type Changes struct {
	Title  *string
	Body   *string
	DueAt  *time.Time
	Level  *reminder.ControlLevel
	Repeat *reminder.RepeatRule
}

// Create validates, persists and schedules a new pending reminder.
// Scheduling trouble does not fail creation: the reminder keeps whichever
// handles succeeded and the sweeper backstops the rest.
func (c *Controller) Create(ctx context.Context, in Input) (*reminder.Reminder, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, ErrEmptyTitle
	}
	level := in.Level
	if level == "" {
		level = reminder.LevelNormal
	}
	if !reminder.ValidLevel(level) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidLevel, in.Level)
	}
	repeat := in.Repeat
	if repeat.Type == "" {
		repeat.Type = reminder.RepeatNone
	}

	r := &reminder.Reminder{
		ID:         uuid.NewString(),
		Title:      title,
		Body:       in.Body,
		DueAt:      in.DueAt,
		Level:      level,
		Status:     reminder.StatusPending,
		MaxRetries: reminder.MaxRetriesFor(level),
		Repeat:     repeat,
	}
	if err := c.store.CreateReminder(ctx, r); err != nil {
		return nil, fmt.Errorf("persist reminder: %w", err)
	}
	if err := c.reschedule(ctx, r); err != nil {
		return nil, err
	}

	c.log.Info("reminder created",
		logx.String("id", r.ID),
		logx.String("level", string(r.Level)),
		logx.Time("due_at", r.DueAt),
		logx.Int("scheduled", len(r.Handles)))
	c.publish("reminder.created", r)
	return r, nil
}

// Complete cancels all outstanding notifications, marks the reminder
// completed and, for a repeating reminder, spawns the next occurrence.
// A failure to spawn the next occurrence never rolls back the completion.
func (c *Controller) Complete(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	r, err := c.guardedGet(ctx, id)
	if err != nil {
		return err
	}

	c.cancelHandles(ctx, r)
	r.Status = reminder.StatusCompleted
	if err := c.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}

	now := c.now()
	c.audit.Log(ctx, r.ID, audit.EventCompleted, now)
	c.publish("reminder.completed", r)
	c.log.Info("reminder completed", logx.String("id", r.ID))

	if r.Repeat.Type != reminder.RepeatNone {
		if next, ok := recurrence.Next(r.DueAt, r.Repeat.Type, now); ok {
			_, err := c.Create(ctx, Input{
				Title:  r.Title,
				Body:   r.Body,
				DueAt:  next,
				Level:  r.Level,
				Repeat: r.Repeat,
			})
			if err != nil {
				c.log.Error("next occurrence not created",
					logx.String("id", r.ID),
					logx.Time("next_due", next),
					logx.Err(err))
			}
		}
	}
	return nil
}

// Snooze pushes the due time to now+d and replans the notification batch.
// A non-positive d falls back to the configured default.
func (c *Controller) Snooze(ctx context.Context, id string, d time.Duration, mass bool) error {
	if d <= 0 {
		d = c.snoozeDefault
	}

	unlock := c.locks.Lock(id)
	defer unlock()

	r, err := c.guardedGet(ctx, id)
	if err != nil {
		return err
	}

	c.cancelHandles(ctx, r)
	r.DueAt = c.now().Add(d)
	r.Status = reminder.StatusSnoozed
	if err := c.reschedule(ctx, r); err != nil {
		return err
	}

	ev := audit.EventSnoozed
	if mass {
		ev = audit.EventMassSnooze
	}
	c.audit.Log(ctx, r.ID, ev, c.now())
	c.publish("reminder.snoozed", r)
	c.log.Info("reminder snoozed",
		logx.String("id", r.ID),
		logx.Duration("for", d),
		logx.Bool("mass", mass))
	return nil
}

// SnoozeAll snoozes every active reminder. Per-reminder failures are
// collected, not fatal.
func (c *Controller) SnoozeAll(ctx context.Context, d time.Duration) error {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	var errs []error
	for i := range active {
		if err := c.Snooze(ctx, active[i].ID, d, true); err != nil {
			errs = append(errs, fmt.Errorf("snooze %s: %w", active[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

// Update applies field changes. Changing the due time, title or control
// level invalidates the planned batch and triggers a full replan.
func (c *Controller) Update(ctx context.Context, id string, ch Changes) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	r, err := c.guardedGet(ctx, id)
	if err != nil {
		return err
	}

	replan := false
	if ch.Title != nil && *ch.Title != r.Title {
		title := strings.TrimSpace(*ch.Title)
		if title == "" {
			return ErrEmptyTitle
		}
		r.Title = title
		replan = true
	}
	if ch.Body != nil {
		r.Body = *ch.Body
	}
	if ch.DueAt != nil && !ch.DueAt.Equal(r.DueAt) {
		r.DueAt = *ch.DueAt
		replan = true
	}
	if ch.Level != nil && *ch.Level != r.Level {
		if !reminder.ValidLevel(*ch.Level) {
			return fmt.Errorf("%w: %q", ErrInvalidLevel, *ch.Level)
		}
		r.Level = *ch.Level
		r.MaxRetries = reminder.MaxRetriesFor(r.Level)
		replan = true
	}
	if ch.Repeat != nil {
		r.Repeat = *ch.Repeat
	}

	if replan {
		c.cancelHandles(ctx, r)
		if err := c.reschedule(ctx, r); err != nil {
			return err
		}
	} else if err := c.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("persist update: %w", err)
	}

	c.publish("reminder.updated", r)
	return nil
}

// Delete soft-deletes: notifications are cancelled, the row is retained
// for history and restore. Explicit deletion counts as non-compliance, so
// a failure audit event is emitted.
func (c *Controller) Delete(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	r, err := c.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if r.Deleted {
		return nil
	}

	c.cancelHandles(ctx, r)
	r.Deleted = true
	if err := c.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("persist delete: %w", err)
	}

	c.audit.Log(ctx, r.ID, audit.EventFailed, c.now())
	c.publish("reminder.deleted", r)
	c.log.Info("reminder deleted", logx.String("id", r.ID))
	return nil
}

// Restore clears the soft-delete flag. Notifications were already
// cancelled at delete time; none are recreated until the next replan.
func (c *Controller) Restore(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	r, err := c.store.GetReminder(ctx, id)
	if err != nil {
		return err
	}
	if !r.Deleted {
		return nil
	}
	r.Deleted = false
	if err := c.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("persist restore: %w", err)
	}
	c.publish("reminder.restored", r)
	return nil
}

// DeleteForever irreversibly purges the row.
func (c *Controller) DeleteForever(ctx context.Context, id string) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	if r, err := c.store.GetReminder(ctx, id); err == nil {
		c.cancelHandles(ctx, r)
	}
	if err := c.store.PurgeReminder(ctx, id); err != nil {
		return err
	}
	c.publish("reminder.purged", &reminder.Reminder{ID: id})
	c.log.Info("reminder purged", logx.String("id", id))
	return nil
}

// HandleAction routes a notification-action callback: "done" confirms the
// reminder, "snooze" pushes it out by the default snooze duration.
func (c *Controller) HandleAction(ctx context.Context, id, action string) error {
	switch action {
	case "done":
		return c.Complete(ctx, id)
	case "snooze":
		return c.Snooze(ctx, id, 0, false)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// RescheduleAll replans every active reminder. Run at startup: a local
// timer scheduler loses its state with the process, so the handle lists
// persisted on the rows refer to timers that no longer exist.
func (c *Controller) RescheduleAll(ctx context.Context) error {
	active, err := c.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active: %w", err)
	}
	var errs []error
	for i := range active {
		id := active[i].ID
		err := func() error {
			unlock := c.locks.Lock(id)
			defer unlock()
			r, err := c.store.GetReminder(ctx, id)
			if err != nil {
				return err
			}
			if r.Deleted || r.Status.Terminal() {
				return nil
			}
			c.cancelHandles(ctx, r)
			return c.reschedule(ctx, r)
		}()
		if err != nil {
			errs = append(errs, fmt.Errorf("reschedule %s: %w", id, err))
		}
	}
	c.log.Info("startup reschedule done", logx.Int("reminders", len(active)), logx.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// guardedGet loads a reminder and rejects operations on deleted or
// terminal rows.
func (c *Controller) guardedGet(ctx context.Context, id string) (*reminder.Reminder, error) {
	r, err := c.store.GetReminder(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Deleted {
		return nil, ErrDeleted
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminalState, r.Status)
	}
	return r, nil
}

func (c *Controller) cancelHandles(ctx context.Context, r *reminder.Reminder) {
	for _, h := range r.Handles {
		_ = c.sched.Cancel(ctx, h)
	}
	r.Handles = []string{}
}

// reschedule plans a fresh batch for r and persists the resulting handle
// list. Partial scheduling success is kept (the sweeper covers the gaps);
// a failed persist rolls the fresh handles back so no bookkeeping is
// committed on top of a failed write.
func (c *Controller) reschedule(ctx context.Context, r *reminder.Reminder) error {
	batch := planner.Plan(r, c.now())
	if len(batch) > 0 {
		handles, err := c.quota.ScheduleBatch(ctx, batch)
		if err != nil {
			if errors.Is(err, quota.ErrBatchTooLarge) {
				return err
			}
			c.log.Warn("batch scheduled partially",
				logx.String("id", r.ID),
				logx.Int("wanted", len(batch)),
				logx.Int("got", len(handles)),
				logx.Err(err))
		}
		r.Handles = handles
	}
	if r.Handles == nil {
		r.Handles = []string{}
	}
	if err := c.store.UpdateReminder(ctx, r); err != nil {
		for _, h := range r.Handles {
			_ = c.sched.Cancel(ctx, h)
		}
		return fmt.Errorf("persist handles: %w", err)
	}
	return nil
}

func (c *Controller) publish(typ string, r *reminder.Reminder) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Time: c.now(), Data: r.Clone()})
}
