package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "remindd.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	in := &reminder.Reminder{
		ID:          "r1",
		Title:       "pay rent",
		Body:        "transfer before noon",
		DueAt:       time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC),
		Level:       reminder.LevelStrict,
		Status:      reminder.StatusPending,
		RetryCount:  1,
		MaxRetries:  reminder.MaxRetriesNormalStrict,
		LastRetryAt: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		Handles:     []string{"h1", "h2"},
		Repeat:      reminder.RepeatRule{Type: reminder.RepeatMonthly},
	}
	if err := st.CreateReminder(ctx, in); err != nil {
		t.Fatalf("CreateReminder: %v", err)
	}

	got, err := st.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatalf("GetReminder: %v", err)
	}
	if got.Title != in.Title || got.Body != in.Body {
		t.Fatalf("text fields drifted: %+v", got)
	}
	if !got.DueAt.Equal(in.DueAt) || !got.LastRetryAt.Equal(in.LastRetryAt) {
		t.Fatalf("timestamps drifted: due=%v lastRetry=%v", got.DueAt, got.LastRetryAt)
	}
	if got.Level != in.Level || got.Status != in.Status || got.RetryCount != 1 {
		t.Fatalf("scalar fields drifted: %+v", got)
	}
	if len(got.Handles) != 2 || got.Handles[0] != "h1" || got.Handles[1] != "h2" {
		t.Fatalf("handles drifted: %v", got.Handles)
	}
	if got.Repeat.Type != reminder.RepeatMonthly {
		t.Fatalf("repeat rule drifted: %+v", got.Repeat)
	}
	if got.LastModified.IsZero() {
		t.Fatal("last_modified not set")
	}
}

func TestSQLiteZeroValueBlobs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	in := &reminder.Reminder{
		ID:         "r1",
		Title:      "bare minimum",
		DueAt:      time.Now().Add(time.Hour),
		Level:      reminder.LevelNormal,
		Status:     reminder.StatusPending,
		MaxRetries: reminder.MaxRetriesNormalStrict,
	}
	if err := st.CreateReminder(ctx, in); err != nil {
		t.Fatal(err)
	}
	got, err := st.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Handles) != 0 {
		t.Fatalf("handles = %v, want empty", got.Handles)
	}
	if got.Repeat.Type != reminder.RepeatNone {
		t.Fatalf("repeat = %q, want none", got.Repeat.Type)
	}
	if !got.LastRetryAt.IsZero() {
		t.Fatalf("last retry = %v, want zero", got.LastRetryAt)
	}
}

func TestSQLiteUpdateAndPurge(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	r := &reminder.Reminder{
		ID: "r1", Title: "x", DueAt: time.Now().Add(time.Hour),
		Level: reminder.LevelNormal, Status: reminder.StatusPending,
		MaxRetries: reminder.MaxRetriesNormalStrict,
	}
	if err := st.CreateReminder(ctx, r); err != nil {
		t.Fatal(err)
	}

	r.Status = reminder.StatusSnoozed
	r.Handles = []string{"h9"}
	if err := st.UpdateReminder(ctx, r); err != nil {
		t.Fatalf("UpdateReminder: %v", err)
	}
	got, _ := st.GetReminder(ctx, "r1")
	if got.Status != reminder.StatusSnoozed || len(got.Handles) != 1 {
		t.Fatalf("update not persisted: %+v", got)
	}

	if err := st.UpdateReminder(ctx, &reminder.Reminder{ID: "ghost"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update ghost err = %v, want ErrNotFound", err)
	}

	if err := st.PurgeReminder(ctx, "r1"); err != nil {
		t.Fatalf("PurgeReminder: %v", err)
	}
	if _, err := st.GetReminder(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get after purge err = %v, want ErrNotFound", err)
	}
	if err := st.PurgeReminder(ctx, "r1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double purge err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteUpdateHandles(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	r := &reminder.Reminder{
		ID: "r1", Title: "x", DueAt: time.Now().Add(time.Hour),
		Level: reminder.LevelStrict, Status: reminder.StatusSnoozed,
		RetryCount: 2, MaxRetries: reminder.MaxRetriesNormalStrict,
		Handles: []string{"h1", "h2", "h3"},
	}
	if err := st.CreateReminder(ctx, r); err != nil {
		t.Fatal(err)
	}

	if err := st.UpdateHandles(ctx, "r1", []string{"h1"}); err != nil {
		t.Fatalf("UpdateHandles: %v", err)
	}
	got, err := st.GetReminder(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Handles) != 1 || got.Handles[0] != "h1" {
		t.Fatalf("handles = %v, want [h1]", got.Handles)
	}
	// Every other column stays put.
	if got.Status != reminder.StatusSnoozed || got.RetryCount != 2 || got.Title != "x" {
		t.Fatalf("partial update touched other columns: %+v", got)
	}

	if err := st.UpdateHandles(ctx, "r1", nil); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetReminder(ctx, "r1")
	if len(got.Handles) != 0 {
		t.Fatalf("handles = %v, want empty", got.Handles)
	}

	if err := st.UpdateHandles(ctx, "ghost", []string{"h9"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ghost update err = %v, want ErrNotFound", err)
	}
}

func TestSQLiteListOverdue(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	seed := []*reminder.Reminder{
		{ID: "overdue-pending", Status: reminder.StatusPending, DueAt: now.Add(-2 * time.Hour)},
		{ID: "overdue-snoozed", Status: reminder.StatusSnoozed, DueAt: now.Add(-time.Hour)},
		{ID: "future", Status: reminder.StatusPending, DueAt: now.Add(time.Hour)},
		{ID: "completed", Status: reminder.StatusCompleted, DueAt: now.Add(-3 * time.Hour)},
		{ID: "failed", Status: reminder.StatusFailed, DueAt: now.Add(-3 * time.Hour)},
		{ID: "deleted", Status: reminder.StatusPending, DueAt: now.Add(-3 * time.Hour), Deleted: true},
	}
	for _, r := range seed {
		r.Title = r.ID
		r.Level = reminder.LevelNormal
		r.MaxRetries = reminder.MaxRetriesNormalStrict
		if err := st.CreateReminder(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.ListOverdue(ctx, now)
	if err != nil {
		t.Fatalf("ListOverdue: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("overdue = %d rows, want 2", len(got))
	}
	// Ascending by due time: the pending row is older.
	if got[0].ID != "overdue-pending" || got[1].ID != "overdue-snoozed" {
		t.Fatalf("overdue order = [%s %s]", got[0].ID, got[1].ID)
	}

	active, err := st.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 3 {
		t.Fatalf("active = %d rows, want 3", len(active))
	}
}

func TestSQLiteAudit(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	err := st.AppendAudit(ctx, AuditEntry{
		At:         time.Now(),
		ReminderID: "r1",
		Event:      "completed",
	})
	if err != nil {
		t.Fatalf("AppendAudit: %v", err)
	}
	// Detail is optional.
	err = st.AppendAudit(ctx, AuditEntry{ReminderID: "r2", Event: "snoozed"})
	if err != nil {
		t.Fatalf("AppendAudit without detail: %v", err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
}
