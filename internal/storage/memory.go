package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"remindd/internal/reminder"
)

// Memory is a mutex-guarded in-memory store. It backs tests and the
// "memory" driver; semantics match the sqlite driver.
type Memory struct {
	mu        sync.RWMutex
	reminders map[string]*reminder.Reminder
	audit     []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{reminders: map[string]*reminder.Reminder{}}
}

func (m *Memory) CreateReminder(_ context.Context, r *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.LastModified.IsZero() {
		r.LastModified = time.Now()
	}
	m.reminders[r.ID] = r.Clone()
	return nil
}

func (m *Memory) GetReminder(_ context.Context, id string) (*reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reminders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) UpdateReminder(_ context.Context, r *reminder.Reminder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[r.ID]; !ok {
		return ErrNotFound
	}
	r.LastModified = time.Now()
	m.reminders[r.ID] = r.Clone()
	return nil
}

func (m *Memory) UpdateHandles(_ context.Context, id string, handles []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reminders[id]
	if !ok {
		return ErrNotFound
	}
	r.Handles = append([]string(nil), handles...)
	r.LastModified = time.Now()
	return nil
}

func (m *Memory) PurgeReminder(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reminders[id]; !ok {
		return ErrNotFound
	}
	delete(m.reminders, id)
	return nil
}

func (m *Memory) ListActive(_ context.Context) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.Deleted || r.Status.Terminal() {
			continue
		}
		out = append(out, *r.Clone())
	}
	sortByDue(out)
	return out, nil
}

func (m *Memory) ListOverdue(_ context.Context, now time.Time) ([]reminder.Reminder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []reminder.Reminder
	for _, r := range m.reminders {
		if r.Overdue(now) {
			out = append(out, *r.Clone())
		}
	}
	sortByDue(out)
	return out, nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.audit = append(m.audit, e)
	return nil
}

// AuditEntries returns a snapshot of the audit log (test helper).
func (m *Memory) AuditEntries() []AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error { return nil }

func sortByDue(rs []reminder.Reminder) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].DueAt.Before(rs[j].DueAt) })
}
