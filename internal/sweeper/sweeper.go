// Package sweeper is the correctness backstop for dropped notifications.
// A periodic reconciliation pass finds reminders whose due time passed
// without acknowledgment, fires an immediate catch-up notification while
// the retry budget lasts, and marks the reminder failed once it runs out.
//
// The pass is stateless and idempotent: it coordinates with the
// controller purely through the durable store and the shared per-id
// locks, and re-running it with no elapsed time changes nothing.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"remindd/internal/audit"
	"remindd/internal/delivery"
	"remindd/internal/eventbus"
	"remindd/internal/planner"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

// Outcome summarizes one sweep for the invoking background scheduler.
type Outcome int

const (
	OutcomeNoData Outcome = iota
	OutcomeNewData
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNoData:
		return "no_data"
	case OutcomeNewData:
		return "new_data"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// Result is the non-fatal report of one sweep tick.
type Result struct {
	Outcome      Outcome
	Retried      int
	MarkedFailed int
	StepErrors   []error
}

// Deps are the sweeper's collaborators. Locks must be the same set the
// lifecycle controller uses, so a catch-up step and a user action on the
// same reminder serialize.
type Deps struct {
	Store  storage.Store
	Sender delivery.Sender
	Sched  delivery.Scheduler
	Audit  audit.Sink
	Bus    eventbus.Bus
	Locks  *reminder.Locks
	Log    logx.Logger
	Now    func() time.Time
}

type Sweeper struct {
	store  storage.Store
	sender delivery.Sender
	sched  delivery.Scheduler
	audit  audit.Sink
	bus    eventbus.Bus
	locks  *reminder.Locks
	log    logx.Logger
	now    func() time.Time
}

func New(d Deps) *Sweeper {
	if d.Audit == nil {
		d.Audit = audit.Nop()
	}
	if d.Locks == nil {
		d.Locks = reminder.NewLocks()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Sweeper{
		store:  d.Store,
		sender: d.Sender,
		sched:  d.Sched,
		audit:  d.Audit,
		bus:    d.Bus,
		locks:  d.Locks,
		log:    d.Log,
		now:    d.Now,
	}
}

// Sweep runs one reconciliation pass. The returned error is non-nil only
// when the candidate set could not be read at all; per-reminder failures
// land in Result.StepErrors.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	now := s.now()
	overdue, err := s.store.ListOverdue(ctx, now)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("list overdue: %w", err)
	}
	if len(overdue) == 0 {
		return Result{Outcome: OutcomeNoData}, nil
	}

	var res Result
	for i := range overdue {
		if err := s.step(ctx, overdue[i].ID, now, &res); err != nil {
			res.StepErrors = append(res.StepErrors, fmt.Errorf("reminder %s: %w", overdue[i].ID, err))
		}
	}

	if res.Retried+res.MarkedFailed > 0 {
		res.Outcome = OutcomeNewData
	}
	s.log.Info("sweep done",
		logx.Int("overdue", len(overdue)),
		logx.Int("retried", res.Retried),
		logx.Int("marked_failed", res.MarkedFailed),
		logx.Int("errors", len(res.StepErrors)),
		logx.String("outcome", res.Outcome.String()))
	return res, nil
}

// step reconciles one reminder under its id lock. The row is re-read
// because a user action may have completed or snoozed it since the list
// query.
func (s *Sweeper) step(ctx context.Context, id string, now time.Time, res *Result) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	r, err := s.store.GetReminder(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if !r.Overdue(now) {
		return nil
	}

	if !r.LastRetryAt.Before(now) {
		// This sweep instant already consumed a tick for this reminder;
		// the next transition, retry or failure, needs elapsed time.
		return nil
	}

	if r.RetryCount < r.MaxRetries {
		// One attempt per tick, counted whether or not the fire call
		// succeeds; otherwise a dead channel would retry forever instead
		// of reaching the terminal state.
		fireErr := s.sender.Send(ctx, planner.CatchUp(r))
		r.RetryCount++
		r.LastRetryAt = now
		if err := s.store.UpdateReminder(ctx, r); err != nil {
			return fmt.Errorf("persist retry: %w", err)
		}
		res.Retried++
		s.publish("reminder.retried", r)
		if fireErr != nil {
			return fmt.Errorf("catch-up fire: %w", fireErr)
		}
		return nil
	}

	// Retry budget exhausted: terminal failure, nothing further scheduled.
	s.cancelHandles(ctx, r)
	r.Status = reminder.StatusFailed
	if err := s.store.UpdateReminder(ctx, r); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	res.MarkedFailed++
	s.audit.Log(ctx, r.ID, audit.EventFailed, now)
	s.publish("reminder.failed", r)
	s.log.Warn("reminder failed after retries",
		logx.String("id", r.ID),
		logx.Int("retries", r.RetryCount))
	return nil
}

func (s *Sweeper) cancelHandles(ctx context.Context, r *reminder.Reminder) {
	if s.sched == nil {
		r.Handles = []string{}
		return
	}
	for _, h := range r.Handles {
		_ = s.sched.Cancel(ctx, h)
	}
	r.Handles = []string{}
}

func (s *Sweeper) publish(typ string, r *reminder.Reminder) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: r.Clone()})
}
