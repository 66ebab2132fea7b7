package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"remindd/internal/reminder"
	logx "remindd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}
	st.applyPragmas(cfg)
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// applyPragmas tunes the connection. A rejected pragma degrades
// performance, not correctness, so failures are logged and not fatal.
func (s *sqliteStore) applyPragmas(cfg Config) {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas,
			fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			s.log.Warn("pragma not applied", logx.String("pragma", p), logx.Err(err))
		}
	}
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const reminderCols = `id, title, body, due_at, level, status, deleted, retry_count, max_retries, last_retry_at, handles, repeat_rule, last_modified`

func (s *sqliteStore) CreateReminder(ctx context.Context, r *reminder.Reminder) error {
	if r.LastModified.IsZero() {
		r.LastModified = time.Now()
	}
	handles, rule, err := encodeBlobs(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.Title, r.Body, r.DueAt.UTC().Format(time.RFC3339Nano), string(r.Level), string(r.Status),
		boolInt(r.Deleted), r.RetryCount, r.MaxRetries, timeStr(r.LastRetryAt), handles, rule,
		r.LastModified.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetReminder(ctx context.Context, id string) (*reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	r, err := scanReminder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return r, nil
}

func (s *sqliteStore) UpdateReminder(ctx context.Context, r *reminder.Reminder) error {
	r.LastModified = time.Now()
	handles, rule, err := encodeBlobs(r)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET title=?, body=?, due_at=?, level=?, status=?, deleted=?,
		        retry_count=?, max_retries=?, last_retry_at=?, handles=?, repeat_rule=?, last_modified=?
		 WHERE id=?`,
		r.Title, r.Body, r.DueAt.UTC().Format(time.RFC3339Nano), string(r.Level), string(r.Status),
		boolInt(r.Deleted), r.RetryCount, r.MaxRetries, timeStr(r.LastRetryAt), handles, rule,
		r.LastModified.UTC().Format(time.RFC3339Nano), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateHandles(ctx context.Context, id string, handles []string) error {
	if handles == nil {
		handles = []string{}
	}
	b, err := json.Marshal(handles)
	if err != nil {
		return fmt.Errorf("encode handles: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET handles=?, last_modified=? WHERE id=?`,
		string(b), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update handles: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) PurgeReminder(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM reminders WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("purge reminder: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListActive(ctx context.Context) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE deleted = 0 AND status IN (?, ?) ORDER BY due_at ASC`,
		string(reminder.StatusPending), string(reminder.StatusSnoozed))
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *sqliteStore) ListOverdue(ctx context.Context, now time.Time) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reminderCols+` FROM reminders
		 WHERE deleted = 0 AND status IN (?, ?) AND due_at < ? ORDER BY due_at ASC`,
		string(reminder.StatusPending), string(reminder.StatusSnoozed),
		now.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("list overdue: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, reminder_id, event, detail) VALUES(?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ReminderID, e.Event, nullStr(e.Detail),
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReminder(row rowScanner) (*reminder.Reminder, error) {
	var (
		r            reminder.Reminder
		dueAt        string
		level        string
		status       string
		deleted      int
		lastRetryAt  string
		handles      string
		rule         string
		lastModified string
	)
	err := row.Scan(&r.ID, &r.Title, &r.Body, &dueAt, &level, &status, &deleted,
		&r.RetryCount, &r.MaxRetries, &lastRetryAt, &handles, &rule, &lastModified)
	if err != nil {
		return nil, err
	}
	if lastRetryAt != "" {
		if r.LastRetryAt, err = time.Parse(time.RFC3339Nano, lastRetryAt); err != nil {
			return nil, fmt.Errorf("bad last_retry_at %q: %w", lastRetryAt, err)
		}
	}
	if r.DueAt, err = time.Parse(time.RFC3339Nano, dueAt); err != nil {
		return nil, fmt.Errorf("bad due_at %q: %w", dueAt, err)
	}
	if r.LastModified, err = time.Parse(time.RFC3339Nano, lastModified); err != nil {
		return nil, fmt.Errorf("bad last_modified %q: %w", lastModified, err)
	}
	r.Level = reminder.ControlLevel(level)
	r.Status = reminder.Status(status)
	r.Deleted = deleted != 0
	if err := decodeBlobs(&r, handles, rule); err != nil {
		return nil, err
	}
	return &r, nil
}

func scanReminders(rows *sql.Rows) ([]reminder.Reminder, error) {
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanReminder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Handles and the repeat rule live on the row as structured text blobs.
func encodeBlobs(r *reminder.Reminder) (handles, rule string, err error) {
	hs := r.Handles
	if hs == nil {
		hs = []string{}
	}
	hb, err := json.Marshal(hs)
	if err != nil {
		return "", "", fmt.Errorf("encode handles: %w", err)
	}
	if r.Repeat.Type != "" && r.Repeat.Type != reminder.RepeatNone {
		rb, err := json.Marshal(r.Repeat)
		if err != nil {
			return "", "", fmt.Errorf("encode repeat rule: %w", err)
		}
		rule = string(rb)
	}
	return string(hb), rule, nil
}

func decodeBlobs(r *reminder.Reminder, handles, rule string) error {
	if handles != "" {
		if err := json.Unmarshal([]byte(handles), &r.Handles); err != nil {
			return fmt.Errorf("decode handles: %w", err)
		}
	}
	if strings.TrimSpace(rule) == "" {
		r.Repeat = reminder.RepeatRule{Type: reminder.RepeatNone}
		return nil
	}
	if err := json.Unmarshal([]byte(rule), &r.Repeat); err != nil {
		return fmt.Errorf("decode repeat rule: %w", err)
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func timeStr(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
