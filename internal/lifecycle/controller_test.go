package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"remindd/internal/audit"
	"remindd/internal/delivery"
	"remindd/internal/quota"
	"remindd/internal/reminder"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

type fakeScheduler struct {
	mu    sync.Mutex
	seq   int
	items map[string]delivery.Outstanding
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{items: map[string]delivery.Outstanding{}}
}

func (f *fakeScheduler) Schedule(_ context.Context, fireAt time.Time, p delivery.Payload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	h := fmt.Sprintf("h%d", f.seq)
	f.items[h] = delivery.Outstanding{Handle: h, FireAt: fireAt, ReminderID: p.ReminderID}
	return h, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, handle)
	return nil
}

func (f *fakeScheduler) CancelAll(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = map[string]delivery.Outstanding{}
	return nil
}

func (f *fakeScheduler) ListOutstanding(context.Context) ([]delivery.Outstanding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery.Outstanding, 0, len(f.items))
	for _, it := range f.items {
		out = append(out, it)
	}
	return out, nil
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

type env struct {
	st    *storage.Memory
	sched *fakeScheduler
	ctl   *Controller
	now   time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		st:    storage.NewMemory(),
		sched: newFakeScheduler(),
		now:   time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
	}
	e.ctl = New(Deps{
		Store:         e.st,
		Quota:         quota.New(e.sched, e.st, 60, logx.Nop()),
		Sched:         e.sched,
		Audit:         audit.NewStoreSink(e.st, logx.Nop()),
		Log:           logx.Nop(),
		Now:           func() time.Time { return e.now },
		SnoozeDefault: 10 * time.Minute,
	})
	return e
}

func auditEvents(st *storage.Memory, id string) []string {
	var out []string
	for _, e := range st.AuditEntries() {
		if e.ReminderID == id {
			out = append(out, e.Event)
		}
	}
	return out
}

func TestCreateValidation(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.ctl.Create(ctx, Input{Title: "   "}); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("err = %v, want ErrEmptyTitle", err)
	}
	if _, err := e.ctl.Create(ctx, Input{Title: "x", Level: "casual"}); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("err = %v, want ErrInvalidLevel", err)
	}
}

func TestCreateSchedulesBatch(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{
		Title: "pay rent",
		DueAt: e.now.Add(2 * time.Hour),
		Level: reminder.LevelCritical,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != reminder.StatusPending {
		t.Fatalf("status = %s, want pending", r.Status)
	}
	if r.MaxRetries != reminder.MaxRetriesCritical {
		t.Fatalf("max retries = %d, want %d", r.MaxRetries, reminder.MaxRetriesCritical)
	}
	if len(r.Handles) != 6 || e.sched.count() != 6 {
		t.Fatalf("handles=%d outstanding=%d, want 6/6", len(r.Handles), e.sched.count())
	}

	got, err := e.st.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Handles) != 6 {
		t.Fatalf("persisted handles = %d, want 6", len(got.Handles))
	}
}

func TestCreatePastDueSchedulesNothing(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	r, err := e.ctl.Create(context.Background(), Input{
		Title: "late already",
		DueAt: e.now.Add(-time.Hour),
		Level: reminder.LevelStrict,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(r.Handles) != 0 || e.sched.count() != 0 {
		t.Fatalf("past-due creation scheduled %d/%d notifications", len(r.Handles), e.sched.count())
	}
}

func TestCompleteClearsHandlesAndAudits(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{Title: "x", DueAt: e.now.Add(time.Hour), Level: reminder.LevelCritical})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ctl.Complete(ctx, r.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	got, err := e.st.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != reminder.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if len(got.Handles) != 0 || e.sched.count() != 0 {
		t.Fatalf("completion left %d/%d notifications behind", len(got.Handles), e.sched.count())
	}
	evs := auditEvents(e.st, r.ID)
	if len(evs) != 1 || evs[0] != string(audit.EventCompleted) {
		t.Fatalf("audit events = %v, want [completed]", evs)
	}

	// Terminal rows reject further transitions.
	if err := e.ctl.Complete(ctx, r.ID); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("second complete err = %v, want ErrTerminalState", err)
	}
	if err := e.ctl.Snooze(ctx, r.ID, time.Minute, false); !errors.Is(err, ErrTerminalState) {
		t.Fatalf("snooze on completed err = %v, want ErrTerminalState", err)
	}
}

func TestCompleteSpawnsNextOccurrence(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	// Anchor 50h in the past: the next daily slot strictly after now is
	// anchor+72h, two missed occurrences skipped.
	due := e.now.Add(-50 * time.Hour)
	r, err := e.ctl.Create(ctx, Input{
		Title:  "water plants",
		DueAt:  due,
		Level:  reminder.LevelNormal,
		Repeat: reminder.RepeatRule{Type: reminder.RepeatDaily},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ctl.Complete(ctx, r.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	active, err := e.st.ListActive(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 {
		t.Fatalf("active after complete = %d, want exactly 1 spawned occurrence", len(active))
	}
	next := active[0]
	if next.ID == r.ID {
		t.Fatal("next occurrence reused the completed id")
	}
	if want := due.Add(72 * time.Hour); !next.DueAt.Equal(want) {
		t.Fatalf("next due = %v, want %v", next.DueAt, want)
	}
	if next.Status != reminder.StatusPending || next.Repeat.Type != reminder.RepeatDaily {
		t.Fatalf("next occurrence = %s/%s, want pending/daily", next.Status, next.Repeat.Type)
	}
	if len(next.Handles) != 1 {
		t.Fatalf("next occurrence handles = %d, want 1", len(next.Handles))
	}
}

func TestSnooze(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{Title: "x", DueAt: e.now.Add(-time.Hour), Level: reminder.LevelNormal})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ctl.Snooze(ctx, r.ID, 30*time.Minute, false); err != nil {
		t.Fatalf("Snooze: %v", err)
	}
	got, err := e.st.GetReminder(ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != reminder.StatusSnoozed {
		t.Fatalf("status = %s, want snoozed", got.Status)
	}
	if want := e.now.Add(30 * time.Minute); !got.DueAt.Equal(want) {
		t.Fatalf("due = %v, want %v", got.DueAt, want)
	}
	if len(got.Handles) != 1 || e.sched.count() != 1 {
		t.Fatalf("snooze replanned %d/%d notifications, want 1/1", len(got.Handles), e.sched.count())
	}
	evs := auditEvents(e.st, r.ID)
	if len(evs) != 1 || evs[0] != string(audit.EventSnoozed) {
		t.Fatalf("audit events = %v, want [snoozed]", evs)
	}

	// A non-positive duration falls back to the configured default.
	if err := e.ctl.Snooze(ctx, r.ID, 0, false); err != nil {
		t.Fatal(err)
	}
	got, _ = e.st.GetReminder(ctx, r.ID)
	if want := e.now.Add(10 * time.Minute); !got.DueAt.Equal(want) {
		t.Fatalf("default snooze due = %v, want %v", got.DueAt, want)
	}
}

func TestSnoozeAll(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r1, _ := e.ctl.Create(ctx, Input{Title: "a", DueAt: e.now.Add(time.Hour)})
	r2, _ := e.ctl.Create(ctx, Input{Title: "b", DueAt: e.now.Add(2 * time.Hour)})

	if err := e.ctl.SnoozeAll(ctx, time.Hour); err != nil {
		t.Fatalf("SnoozeAll: %v", err)
	}
	for _, id := range []string{r1.ID, r2.ID} {
		got, err := e.st.GetReminder(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != reminder.StatusSnoozed {
			t.Fatalf("%s status = %s, want snoozed", id, got.Status)
		}
		evs := auditEvents(e.st, id)
		if len(evs) != 1 || evs[0] != string(audit.EventMassSnooze) {
			t.Fatalf("%s audit events = %v, want [mass_snooze]", id, evs)
		}
	}
}

func TestUpdateReplansOnLevelChange(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{Title: "x", DueAt: e.now.Add(time.Hour), Level: reminder.LevelNormal})
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Handles) != 1 {
		t.Fatalf("handles = %d, want 1", len(r.Handles))
	}

	level := reminder.LevelCritical
	if err := e.ctl.Update(ctx, r.ID, Changes{Level: &level}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, _ := e.st.GetReminder(ctx, r.ID)
	if len(got.Handles) != 6 || e.sched.count() != 6 {
		t.Fatalf("level change replanned %d/%d, want 6/6", len(got.Handles), e.sched.count())
	}
	if got.MaxRetries != reminder.MaxRetriesCritical {
		t.Fatalf("max retries = %d, want %d", got.MaxRetries, reminder.MaxRetriesCritical)
	}

	// Body-only edits keep the planned batch untouched.
	before := append([]string(nil), got.Handles...)
	body := "new details"
	if err := e.ctl.Update(ctx, r.ID, Changes{Body: &body}); err != nil {
		t.Fatal(err)
	}
	after, _ := e.st.GetReminder(ctx, r.ID)
	if len(after.Handles) != len(before) {
		t.Fatalf("body edit changed the batch: %v -> %v", before, after.Handles)
	}
	for i := range before {
		if after.Handles[i] != before[i] {
			t.Fatalf("body edit changed the batch: %v -> %v", before, after.Handles)
		}
	}
}

func TestDeleteRestorePurge(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{Title: "x", DueAt: e.now.Add(time.Hour), Level: reminder.LevelStrict})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.ctl.Delete(ctx, r.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ := e.st.GetReminder(ctx, r.ID)
	if !got.Deleted || len(got.Handles) != 0 || e.sched.count() != 0 {
		t.Fatalf("soft delete left deleted=%v handles=%d outstanding=%d", got.Deleted, len(got.Handles), e.sched.count())
	}
	evs := auditEvents(e.st, r.ID)
	if len(evs) != 1 || evs[0] != string(audit.EventFailed) {
		t.Fatalf("audit events = %v, want [failed]", evs)
	}
	// Deleting again is a no-op, acting on a deleted row is rejected.
	if err := e.ctl.Delete(ctx, r.ID); err != nil {
		t.Fatalf("repeat delete: %v", err)
	}
	if err := e.ctl.Complete(ctx, r.ID); !errors.Is(err, ErrDeleted) {
		t.Fatalf("complete on deleted err = %v, want ErrDeleted", err)
	}

	if err := e.ctl.Restore(ctx, r.ID); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	got, _ = e.st.GetReminder(ctx, r.ID)
	if got.Deleted {
		t.Fatal("restore left the row deleted")
	}

	if err := e.ctl.DeleteForever(ctx, r.ID); err != nil {
		t.Fatalf("DeleteForever: %v", err)
	}
	if _, err := e.st.GetReminder(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("after purge err = %v, want ErrNotFound", err)
	}
	if err := e.ctl.DeleteForever(ctx, r.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("repeat purge err = %v, want ErrNotFound", err)
	}
}

func TestHandleAction(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r1, _ := e.ctl.Create(ctx, Input{Title: "a", DueAt: e.now.Add(time.Hour)})
	r2, _ := e.ctl.Create(ctx, Input{Title: "b", DueAt: e.now.Add(time.Hour)})

	if err := e.ctl.HandleAction(ctx, r1.ID, "done"); err != nil {
		t.Fatalf("done action: %v", err)
	}
	got, _ := e.st.GetReminder(ctx, r1.ID)
	if got.Status != reminder.StatusCompleted {
		t.Fatalf("done action left status %s", got.Status)
	}

	if err := e.ctl.HandleAction(ctx, r2.ID, "snooze"); err != nil {
		t.Fatalf("snooze action: %v", err)
	}
	got, _ = e.st.GetReminder(ctx, r2.ID)
	if got.Status != reminder.StatusSnoozed {
		t.Fatalf("snooze action left status %s", got.Status)
	}
	if want := e.now.Add(10 * time.Minute); !got.DueAt.Equal(want) {
		t.Fatalf("snooze action due = %v, want default %v", got.DueAt, want)
	}

	if err := e.ctl.HandleAction(ctx, r2.ID, "explode"); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("err = %v, want ErrUnknownAction", err)
	}
}

func TestRescheduleAll(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	ctx := context.Background()

	r, err := e.ctl.Create(ctx, Input{Title: "x", DueAt: e.now.Add(time.Hour), Level: reminder.LevelStrict})
	if err != nil {
		t.Fatal(err)
	}
	stale := append([]string(nil), r.Handles...)

	// Timers die with the process; the persisted handles go stale.
	_ = e.sched.CancelAll(ctx)

	if err := e.ctl.RescheduleAll(ctx); err != nil {
		t.Fatalf("RescheduleAll: %v", err)
	}
	got, _ := e.st.GetReminder(ctx, r.ID)
	if len(got.Handles) != 3 || e.sched.count() != 3 {
		t.Fatalf("recovery replanned %d/%d, want 3/3", len(got.Handles), e.sched.count())
	}
	for _, h := range got.Handles {
		for _, s := range stale {
			if h == s {
				t.Fatalf("stale handle %s survived recovery", h)
			}
		}
	}
}
