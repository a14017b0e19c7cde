package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations/sqlite.sql
var sqliteMigrations embed.FS

// timeLayout is fixed-width so stored UTC times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const reminderColumns = `id, patient_id, message, subject, language, channel, destination, trigger_time,
	status, created_at, updated_at, revision, generation, claim_token, claimed_at, attempted_at, completed_at, last_error`

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	for _, p := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}

	st := &sqliteStore{db: db, log: log, now: func() time.Time { return time.Now().UTC() }}
	if err := st.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := sqliteMigrations.ReadFile("migrations/sqlite.sql")
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

func (s *sqliteStore) Create(ctx context.Context, r reminder.Reminder) (string, error) {
	r, err := prepareCreate(r, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reminders(`+reminderColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.PatientID, r.Message, r.Subject, string(r.Language), string(r.Channel), r.Destination,
		fmtTime(r.TriggerTime), string(r.Status), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt),
		r.Revision, r.Generation, nullStr(r.ClaimToken), fmtTimePtr(r.ClaimedAt), fmtTimePtr(r.AttemptedAt),
		fmtTimePtr(r.CompletedAt), nullStr(r.LastError),
	)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "unique") {
			return "", ErrDuplicate
		}
		return "", err
	}
	return r.ID, nil
}

func (s *sqliteStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id)
	r, err := scanSQLite(row)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, err
}

// UpdateIfPending is an optimistic compare-and-set on (status, revision),
// retried when another writer wins the race while the row stays pending.
func (s *sqliteStore) UpdateIfPending(ctx context.Context, id string, mutate Mutator) (reminder.Reminder, bool, error) {
	for attempt := 0; attempt < casRetries; attempt++ {
		cur, err := s.Get(ctx, id)
		if err != nil {
			return reminder.Reminder{}, false, err
		}
		if cur.Status != reminder.StatusPending {
			return cur, false, nil
		}
		next, err := applyMutation(cur, mutate, s.now())
		if err != nil {
			return cur, false, err
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE reminders SET message = ?, subject = ?, language = ?, destination = ?, trigger_time = ?,
				status = ?, updated_at = ?, revision = ?, generation = ?, claim_token = ?, claimed_at = ?,
				attempted_at = ?, completed_at = ?, last_error = ?
			 WHERE id = ? AND status = 'pending' AND revision = ?`,
			next.Message, next.Subject, string(next.Language), next.Destination, fmtTime(next.TriggerTime),
			string(next.Status), fmtTime(next.UpdatedAt), next.Revision, next.Generation,
			nullStr(next.ClaimToken), fmtTimePtr(next.ClaimedAt), fmtTimePtr(next.AttemptedAt),
			fmtTimePtr(next.CompletedAt), nullStr(next.LastError),
			id, cur.Revision,
		)
		if err != nil {
			return cur, false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return next, true, nil
		}
		s.log.Debug("update lost race; retrying", logx.Reminder(id), logx.Int("attempt", attempt+1))
	}
	return reminder.Reminder{}, false, fmt.Errorf("%w: %s", reminder.ErrConflict, id)
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE status = 'pending' ORDER BY trigger_time, id`)
}

func (s *sqliteStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]reminder.Reminder, error) {
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE patient_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		patientID, clampLimit(limit))
}

func (s *sqliteStore) query(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLite(row rowScanner) (reminder.Reminder, error) {
	var (
		r                                   reminder.Reminder
		lang, channel, status               string
		trigger, created, updated           string
		claimToken, lastError               sql.NullString
		claimedAt, attemptedAt, completedAt sql.NullString
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.Message, &r.Subject, &lang, &channel, &r.Destination, &trigger,
		&status, &created, &updated, &r.Revision, &r.Generation, &claimToken, &claimedAt, &attemptedAt,
		&completedAt, &lastError)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.Language = reminder.Language(lang)
	r.Channel = reminder.Channel(channel)
	r.Status = reminder.Status(status)
	r.ClaimToken = claimToken.String
	r.LastError = lastError.String
	if r.TriggerTime, err = parseTime(trigger); err != nil {
		return r, err
	}
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	if r.UpdatedAt, err = parseTime(updated); err != nil {
		return r, err
	}
	r.ClaimedAt = parseTimePtr(claimedAt)
	r.AttemptedAt = parseTimePtr(attemptedAt)
	r.CompletedAt = parseTimePtr(completedAt)
	return r, nil
}

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t.UTC(), nil
}

func parseTimePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
