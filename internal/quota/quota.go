// Package quota keeps the global count of outstanding scheduled
// notifications under a safety margin below the platform ceiling.
//
// The ledger is never persisted: it is always derived from the delivery
// scheduler's outstanding list. All scheduling goes through Manager, and
// Manager serializes globally, since eviction can touch reminders other
// than the one being scheduled.
package quota

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"remindd/internal/delivery"
	"remindd/internal/storage"
	logx "remindd/pkg/logx"
)

const (
	// PlatformCeiling is the hard limit the external channel imposes on
	// outstanding scheduled items.
	PlatformCeiling = 64
	// DefaultMargin is the safety threshold kept below the ceiling.
	DefaultMargin = 60
)

// ErrBatchTooLarge means one batch alone exceeds the margin. With the
// shipped constants (largest batch is 6, margin 60) this cannot happen at
// runtime; it indicates broken configuration.
var ErrBatchTooLarge = errors.New("notification batch exceeds quota margin")

type Manager struct {
	mu     sync.Mutex
	sched  delivery.Scheduler
	store  storage.Store
	margin int
	log    logx.Logger
}

func New(sched delivery.Scheduler, store storage.Store, margin int, log logx.Logger) *Manager {
	if margin <= 0 || margin > PlatformCeiling {
		margin = DefaultMargin
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{sched: sched, store: store, margin: margin, log: log}
}

// ScheduleBatch makes room for batch (evicting the chronologically
// farthest outstanding items if needed) and schedules it.
//
// Partial success is expected: the returned handles are whichever entries
// scheduled successfully, alongside a joined error for the rest.
// ErrBatchTooLarge and eviction failures return before anything is
// attempted.
func (m *Manager) ScheduleBatch(ctx context.Context, batch []delivery.Request) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(batch) > m.margin {
		return nil, fmt.Errorf("%w: need %d slots, margin %d", ErrBatchTooLarge, len(batch), m.margin)
	}

	if err := m.makeRoom(ctx, len(batch)); err != nil {
		// Scheduling blind could push the outstanding count past the
		// margin. The caller tolerates a failed batch; the sweeper
		// backstops delivery.
		return nil, fmt.Errorf("make room: %w", err)
	}

	var (
		handles []string
		errs    []error
	)
	for _, req := range batch {
		h, err := m.sched.Schedule(ctx, req.FireAt, req.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule fire at %s: %w", req.FireAt.Format(time.RFC3339), err))
			continue
		}
		handles = append(handles, h)
	}
	return handles, errors.Join(errs...)
}

// makeRoom evicts the surplus entries with the farthest fire times.
// Near-term commitments are kept; the sweeper regenerates coverage for
// long-horizon reminders once they approach due time.
func (m *Manager) makeRoom(ctx context.Context, need int) error {
	outstanding, err := m.sched.ListOutstanding(ctx)
	if err != nil {
		return fmt.Errorf("list outstanding: %w", err)
	}
	surplus := len(outstanding) + need - m.margin
	if surplus <= 0 {
		return nil
	}

	sort.Slice(outstanding, func(i, j int) bool {
		return outstanding[i].FireAt.Before(outstanding[j].FireAt)
	})
	victims := outstanding[len(outstanding)-surplus:]

	var errs []error
	evictedByOwner := map[string][]string{}
	for _, v := range victims {
		if err := m.sched.Cancel(ctx, v.Handle); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", v.Handle, err))
			continue
		}
		evictedByOwner[v.ReminderID] = append(evictedByOwner[v.ReminderID], v.Handle)
	}

	// Keep each owning row's handle list in sync with what is actually
	// scheduled.
	for owner, evicted := range evictedByOwner {
		if err := m.stripHandles(ctx, owner, evicted); err != nil {
			errs = append(errs, fmt.Errorf("strip handles from %s: %w", owner, err))
		}
	}

	m.log.Info("quota eviction",
		logx.Int("evicted", len(victims)),
		logx.Int("outstanding", len(outstanding)),
		logx.Int("need", need),
		logx.Int("margin", m.margin))
	return errors.Join(errs...)
}

func (m *Manager) stripHandles(ctx context.Context, reminderID string, evicted []string) error {
	r, err := m.store.GetReminder(ctx, reminderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	kept := r.Handles[:0:0]
	for _, h := range r.Handles {
		if !slices.Contains(evicted, h) {
			kept = append(kept, h)
		}
	}
	if len(kept) == len(r.Handles) {
		return nil
	}
	// Only the handles column belongs to eviction. The rest of the row may
	// be mid-write under its id lock (sweeper retry, user action); a full
	// row write from here would clobber it.
	return m.store.UpdateHandles(ctx, reminderID, kept)
}
