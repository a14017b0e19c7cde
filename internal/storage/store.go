package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"

	"github.com/google/uuid"
)

// ErrDuplicate is returned by Create when the id already exists.
var ErrDuplicate = errors.New("reminder already exists")

// Mutator edits a pending reminder in place. Returning an error aborts the
// update and the error is passed through to the caller of UpdateIfPending.
// Identity fields (id, patient, channel, created_at) and bookkeeping
// (revision, updated_at) are owned by the store and reset after the call.
type Mutator func(r *reminder.Reminder) error

type Store interface {
	// Create persists r as pending and returns its id, assigning one when empty.
	Create(ctx context.Context, r reminder.Reminder) (string, error)
	// Get returns reminder.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (reminder.Reminder, error)
	// UpdateIfPending applies mutate and persists the result only if the
	// reminder is still pending. It returns the stored reminder and whether
	// the update was applied; a non-pending reminder yields (current, false, nil).
	UpdateIfPending(ctx context.Context, id string, mutate Mutator) (reminder.Reminder, bool, error)
	// ListPending returns pending reminders ordered by trigger time.
	ListPending(ctx context.Context) ([]reminder.Reminder, error)
	// ListByPatient returns the newest reminders for a patient first.
	ListByPatient(ctx context.Context, patientID string, limit int) ([]reminder.Reminder, error)
	Close() error
}

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "postgres".
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration
	MaxConns    int
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"))

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "pgx":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const defaultListLimit = 100

// casRetries bounds optimistic UpdateIfPending loops on drivers without row locks.
const casRetries = 5

func prepareCreate(r reminder.Reminder, now time.Time) (reminder.Reminder, error) {
	r = r.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = reminder.StatusPending
	}
	if r.Status != reminder.StatusPending {
		return r, fmt.Errorf("create: status must be pending, got %q", r.Status)
	}
	if !r.Channel.Valid() {
		return r, fmt.Errorf("create: invalid channel %q", r.Channel)
	}
	if strings.TrimSpace(r.Destination) == "" {
		return r, errors.New("create: destination is required")
	}
	if r.Language == "" {
		r.Language = reminder.DefaultLanguage
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.CreatedAt
	r.TriggerTime = r.TriggerTime.UTC()
	r.Revision = 1
	if r.Generation < 1 {
		r.Generation = 1
	}
	return r, nil
}

// applyMutation runs mutate on a copy of cur and restores store-owned fields.
func applyMutation(cur reminder.Reminder, mutate Mutator, now time.Time) (reminder.Reminder, error) {
	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return cur, err
	}
	next.ID = cur.ID
	next.PatientID = cur.PatientID
	next.Channel = cur.Channel
	next.CreatedAt = cur.CreatedAt
	if !next.Status.Valid() {
		return cur, fmt.Errorf("mutate %s: invalid status %q", cur.ID, next.Status)
	}
	if strings.TrimSpace(next.Destination) == "" {
		return cur, fmt.Errorf("mutate %s: destination cleared", cur.ID)
	}
	next.TriggerTime = next.TriggerTime.UTC()
	next.Revision = cur.Revision + 1
	next.UpdatedAt = now.UTC()
	return next, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return defaultListLimit
	}
	return limit
}
