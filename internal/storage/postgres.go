package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"medremind/internal/reminder"
	logx "medremind/pkg/logx"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore serializes UpdateIfPending with SELECT ... FOR UPDATE, so the
// guarantee holds across processes sharing the database.
type pgStore struct {
	pool *pgxpool.Pool
	log  logx.Logger
	now  func() time.Time
}

func openPostgres(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	if err := RunMigrations(dsn); err != nil {
		return nil, err
	}

	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}
	log.Info("postgres store opened", logx.Int("max_conns", int(pcfg.MaxConns)))
	return &pgStore{pool: pool, log: log, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *pgStore) Create(ctx context.Context, r reminder.Reminder) (string, error) {
	r, err := prepareCreate(r, s.now())
	if err != nil {
		return "", err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO reminders (`+reminderColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		r.ID, r.PatientID, r.Message, r.Subject, string(r.Language), string(r.Channel), r.Destination,
		r.TriggerTime, string(r.Status), r.CreatedAt, r.UpdatedAt, r.Revision, r.Generation,
		nullStr(r.ClaimToken), r.ClaimedAt, r.AttemptedAt, r.CompletedAt, nullStr(r.LastError),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return "", ErrDuplicate
	}
	if err != nil {
		return "", fmt.Errorf("failed to insert reminder: %w", err)
	}
	return r.ID, nil
}

func (s *pgStore) Get(ctx context.Context, id string) (reminder.Reminder, error) {
	r, err := scanPG(s.pool.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, err
}

func (s *pgStore) UpdateIfPending(ctx context.Context, id string, mutate Mutator) (reminder.Reminder, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return reminder.Reminder{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cur, err := scanPG(tx.QueryRow(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return reminder.Reminder{}, false, reminder.ErrNotFound
	}
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

	tag, err := tx.Exec(ctx,
		`UPDATE reminders SET message = $1, subject = $2, language = $3, destination = $4, trigger_time = $5,
			status = $6, updated_at = $7, revision = $8, generation = $9, claim_token = $10, claimed_at = $11,
			attempted_at = $12, completed_at = $13, last_error = $14
		 WHERE id = $15 AND status = 'pending' AND revision = $16`,
		next.Message, next.Subject, string(next.Language), next.Destination, next.TriggerTime,
		string(next.Status), next.UpdatedAt, next.Revision, next.Generation, nullStr(next.ClaimToken),
		next.ClaimedAt, next.AttemptedAt, next.CompletedAt, nullStr(next.LastError),
		id, cur.Revision,
	)
	if err != nil {
		return cur, false, err
	}
	if tag.RowsAffected() != 1 {
		return cur, false, fmt.Errorf("%w: %s", reminder.ErrConflict, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return cur, false, err
	}
	return next, true, nil
}

func (s *pgStore) ListPending(ctx context.Context) ([]reminder.Reminder, error) {
	return s.query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE status = 'pending' ORDER BY trigger_time, id`)
}

func (s *pgStore) ListByPatient(ctx context.Context, patientID string, limit int) ([]reminder.Reminder, error) {
	return s.query(ctx,
		`SELECT `+reminderColumns+` FROM reminders WHERE patient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		patientID, clampLimit(limit))
}

func (s *pgStore) query(ctx context.Context, q string, args ...any) ([]reminder.Reminder, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []reminder.Reminder
	for rows.Next() {
		r, err := scanPG(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanPG(row rowScanner) (reminder.Reminder, error) {
	var (
		r                     reminder.Reminder
		lang, channel, status string
		claimToken, lastError *string
	)
	err := row.Scan(&r.ID, &r.PatientID, &r.Message, &r.Subject, &lang, &channel, &r.Destination,
		&r.TriggerTime, &status, &r.CreatedAt, &r.UpdatedAt, &r.Revision, &r.Generation, &claimToken,
		&r.ClaimedAt, &r.AttemptedAt, &r.CompletedAt, &lastError)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r.Language = reminder.Language(lang)
	r.Channel = reminder.Channel(channel)
	r.Status = reminder.Status(status)
	if claimToken != nil {
		r.ClaimToken = *claimToken
	}
	if lastError != nil {
		r.LastError = *lastError
	}
	r.TriggerTime = r.TriggerTime.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	for _, p := range []*time.Time{r.ClaimedAt, r.AttemptedAt, r.CompletedAt} {
		if p != nil {
			*p = p.UTC()
		}
	}
	return r, nil
}
