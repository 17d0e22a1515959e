// Package store is the durable store: the exclusive owner of each
// evaluation's final history. The storage worker applies every lifecycle
// update, via ApplyUpdate's optimistic, status-gated UPDATE. The API
// gateway also writes: it inserts each evaluation's initial row
// (InsertEvaluation) and records Idempotency-Key rows. Other components
// only read.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/crucible-platform/crucible/internal/model"
)

// ErrNotFound is returned when an evaluation id has no durable record.
var ErrNotFound = errors.New("store: evaluation not found")

// Store wraps a *sql.DB configured for Postgres (via lib/pq).
type Store struct {
	db *sql.DB
}

// Open connects to dsn and verifies connectivity. Callers should call
// RunMigrations before serving traffic.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: pinging database: %w", err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB, for tests against a real
// Postgres instance (e.g. dockertest) or a driver-compatible fake.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

// OpenAndMigrate is the entrypoint convenience Open lacks: connect, apply
// every pending migration, and return a Store ready to serve traffic.
func OpenAndMigrate(ctx context.Context, dsn string) (*Store, error) {
	s, err := Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(ctx, s.db); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InsertEvaluation writes the initial record for a newly submitted
// evaluation. Called once, by the API gateway, before the router hands the
// envelope to a queue.
func (s *Store) InsertEvaluation(ctx context.Context, e *model.Evaluation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO evaluations (
	id, language, runtime_image, timeout_seconds, memory_bytes, cpu_shares,
	priority, preserve, route_tag, status, submitted_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Language, e.RuntimeImage, e.TimeoutSeconds, e.MemoryBytes, e.CPUShares,
		e.Priority, e.Preserve, e.RouteTag, e.Status, e.SubmittedAt)
	if err != nil {
		return fmt.Errorf("store: inserting evaluation %s: %w", e.ID, err)
	}
	return nil
}

// GetEvaluation reads the current durable record for id.
func (s *Store) GetEvaluation(ctx context.Context, id string) (*model.Evaluation, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, language, runtime_image, timeout_seconds, memory_bytes, cpu_shares,
       priority, preserve, route_tag, status, submitted_at, queued_at, started_at,
       finished_at, exit_code, output, output_truncated, output_size, error,
       executor_id, attempts, last_error_kind
FROM evaluations WHERE id = $1`, id)

	e, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: getting evaluation %s: %w", id, err)
	}
	return e, nil
}

// ListFilter narrows ListEvaluations. An empty Status matches every status.
type ListFilter struct {
	Status model.Status
	Limit  int
}

// ListEvaluations returns evaluations newest-first, optionally filtered by
// status, for the API gateway's listing endpoint.
func (s *Store) ListEvaluations(ctx context.Context, filter ListFilter) ([]*model.Evaluation, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := `
SELECT id, language, runtime_image, timeout_seconds, memory_bytes, cpu_shares,
       priority, preserve, route_tag, status, submitted_at, queued_at, started_at,
       finished_at, exit_code, output, output_truncated, output_size, error,
       executor_id, attempts, last_error_kind
FROM evaluations`
	args := []interface{}{}
	if filter.Status != "" {
		query += " WHERE status = $1 ORDER BY submitted_at DESC LIMIT $2"
		args = append(args, filter.Status, limit)
	} else {
		query += " ORDER BY submitted_at DESC LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing evaluations: %w", err)
	}
	defer rows.Close()

	var out []*model.Evaluation
	for rows.Next() {
		e, err := scanEvaluation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scanning evaluation row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEvaluation(row scanner) (*model.Evaluation, error) {
	var e model.Evaluation
	var exitCode sql.NullInt64
	var queuedAt, startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&e.ID, &e.Language, &e.RuntimeImage, &e.TimeoutSeconds, &e.MemoryBytes, &e.CPUShares,
		&e.Priority, &e.Preserve, &e.RouteTag, &e.Status, &e.SubmittedAt, &queuedAt, &startedAt,
		&finishedAt, &exitCode, &e.Output, &e.OutputTruncated, &e.OutputSize, &e.Error,
		&e.ExecutorID, &e.Attempts, &e.LastErrorKind,
	)
	if err != nil {
		return nil, err
	}
	if queuedAt.Valid {
		e.QueuedAt = &queuedAt.Time
	}
	if startedAt.Valid {
		e.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		e.FinishedAt = &finishedAt.Time
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		e.ExitCode = &code
	}
	return &e, nil
}

// Update carries the columns a single lifecycle transition may change.
// Nil fields are left untouched.
type Update struct {
	Status          model.Status
	QueuedAt        *time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	ExitCode        *int
	Output          *string
	OutputTruncated *bool
	OutputSize      *int
	Error           *string
	ExecutorID      *string
	Attempts        *int
	LastErrorKind   *model.ErrorKind
}

// ApplyUpdate performs an optimistic, status-gated transition: the UPDATE
// only takes effect if the row's current status still equals expected.
// applied is false (no error) when another writer already moved the row
// past expected — the caller (the storage worker's reducer) should treat
// that as a stale or out-of-order event and drop it without retrying.
func (s *Store) ApplyUpdate(ctx context.Context, evalID string, expected model.Status, u Update) (applied bool, err error) {
	set := []string{"status = $1"}
	args := []interface{}{u.Status}
	n := 2

	addTime := func(col string, v *time.Time) {
		if v == nil {
			return
		}
		set = append(set, fmt.Sprintf("%s = $%d", col, n))
		args = append(args, *v)
		n++
	}
	addTime("queued_at", u.QueuedAt)
	addTime("started_at", u.StartedAt)
	addTime("finished_at", u.FinishedAt)

	if u.ExitCode != nil {
		set = append(set, fmt.Sprintf("exit_code = $%d", n))
		args = append(args, *u.ExitCode)
		n++
	}
	if u.Output != nil {
		set = append(set, fmt.Sprintf("output = $%d", n))
		args = append(args, *u.Output)
		n++
	}
	if u.OutputTruncated != nil {
		set = append(set, fmt.Sprintf("output_truncated = $%d", n))
		args = append(args, *u.OutputTruncated)
		n++
	}
	if u.OutputSize != nil {
		set = append(set, fmt.Sprintf("output_size = $%d", n))
		args = append(args, *u.OutputSize)
		n++
	}
	if u.Error != nil {
		set = append(set, fmt.Sprintf("error = $%d", n))
		args = append(args, *u.Error)
		n++
	}
	if u.ExecutorID != nil {
		set = append(set, fmt.Sprintf("executor_id = $%d", n))
		args = append(args, *u.ExecutorID)
		n++
	}
	if u.Attempts != nil {
		set = append(set, fmt.Sprintf("attempts = $%d", n))
		args = append(args, *u.Attempts)
		n++
	}
	if u.LastErrorKind != nil {
		set = append(set, fmt.Sprintf("last_error_kind = $%d", n))
		args = append(args, *u.LastErrorKind)
		n++
	}

	query := "UPDATE evaluations SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d AND status = $%d", n, n+1)
	args = append(args, evalID, expected)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("store: applying update to %s: %w", evalID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking rows affected for %s: %w", evalID, err)
	}
	return rows == 1, nil
}

// InsertEventIfNew records ev in the append-only events table, returning
// inserted=false (no error) if (evaluation_id, sequence) already exists —
// the dedup boundary consumers must tolerate per spec 3.
func (s *Store) InsertEventIfNew(ctx context.Context, ev model.Event) (inserted bool, err error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return false, fmt.Errorf("store: marshaling event payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO events (evaluation_id, sequence, recorded_at, kind, payload)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (evaluation_id, sequence) DO NOTHING`,
		ev.EvaluationID, ev.Sequence, ev.Timestamp, ev.Kind, payload)
	if err != nil {
		return false, fmt.Errorf("store: inserting event for %s: %w", ev.EvaluationID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: checking event insert for %s: %w", ev.EvaluationID, err)
	}
	return rows == 1, nil
}

// IdempotencyLookup resolves a previously recorded Idempotency-Key to its
// eval_id, within the configured window (enforced by the caller comparing
// created_at, since the key is deleted on expiry by a separate sweep — see
// PruneIdempotencyKeys).
func (s *Store) IdempotencyLookup(ctx context.Context, key string) (evalID string, createdAt time.Time, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT eval_id, created_at FROM idempotency_keys WHERE key = $1`, key)
	err = row.Scan(&evalID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, false, nil
	}
	if err != nil {
		return "", time.Time{}, false, fmt.Errorf("store: looking up idempotency key: %w", err)
	}
	return evalID, createdAt, true, nil
}

// IdempotencyRecord associates key with evalID, first-writer-wins: if key
// is already recorded (a racing duplicate request), the existing
// evaluation id is returned instead.
func (s *Store) IdempotencyRecord(ctx context.Context, key, evalID string, at time.Time) (winningEvalID string, err error) {
	_, err = s.db.ExecContext(ctx, `
INSERT INTO idempotency_keys (key, eval_id, created_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO NOTHING`, key, evalID, at)
	if err != nil {
		return "", fmt.Errorf("store: recording idempotency key: %w", err)
	}

	existing, _, _, err := s.IdempotencyLookup(ctx, key)
	if err != nil {
		return "", err
	}
	return existing, nil
}

// PruneIdempotencyKeys deletes keys recorded before cutoff, bounding the
// table to the configured idempotency window.
func (s *Store) PruneIdempotencyKeys(ctx context.Context, cutoff time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, cutoff)
	if err != nil {
		return fmt.Errorf("store: pruning idempotency keys: %w", err)
	}
	return nil
}
