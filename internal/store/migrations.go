package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// Migration is one forward schema change, tracked by ID in the
// schema_migrations table so RunMigrations is safe to call on every
// startup.
type Migration struct {
	ID      string
	Version string
	SQL     string
}

// Migrations is the full, ordered set of schema changes for the durable
// store. Postgres-specific (lib/pq): jsonb payload column, plain indexes
// on status and on submitted_at for the listing queries.
var Migrations = []Migration{
	{
		ID:      "0001_evaluations",
		Version: "0001",
		SQL: `
CREATE TABLE IF NOT EXISTS evaluations (
	id               TEXT PRIMARY KEY,
	language         TEXT NOT NULL,
	runtime_image    TEXT NOT NULL,
	timeout_seconds  INTEGER NOT NULL,
	memory_bytes     BIGINT NOT NULL,
	cpu_shares       INTEGER NOT NULL,
	priority         TEXT NOT NULL,
	preserve         BOOLEAN NOT NULL DEFAULT FALSE,
	route_tag        TEXT NOT NULL,
	status           TEXT NOT NULL,
	submitted_at     TIMESTAMPTZ NOT NULL,
	queued_at        TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	finished_at      TIMESTAMPTZ,
	exit_code        INTEGER,
	output           TEXT NOT NULL DEFAULT '',
	output_truncated BOOLEAN NOT NULL DEFAULT FALSE,
	output_size      INTEGER NOT NULL DEFAULT 0,
	error            TEXT NOT NULL DEFAULT '',
	executor_id      TEXT NOT NULL DEFAULT '',
	attempts         INTEGER NOT NULL DEFAULT 0,
	last_error_kind  TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evaluations_status ON evaluations (status);
CREATE INDEX IF NOT EXISTS idx_evaluations_submitted_at ON evaluations (submitted_at DESC);
`,
	},
	{
		ID:      "0002_events",
		Version: "0002",
		SQL: `
CREATE TABLE IF NOT EXISTS events (
	evaluation_id TEXT NOT NULL,
	sequence      BIGINT NOT NULL,
	recorded_at   TIMESTAMPTZ NOT NULL,
	kind          TEXT NOT NULL,
	payload       JSONB NOT NULL DEFAULT '{}',
	PRIMARY KEY (evaluation_id, sequence)
);
`,
	},
	{
		ID:      "0003_idempotency_keys",
		Version: "0003",
		SQL: `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key        TEXT PRIMARY KEY,
	eval_id    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`,
	},
}

// RunMigrations applies every migration in Migrations not already recorded
// in schema_migrations, in version order. Safe to call on every process
// startup.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	id         TEXT PRIMARY KEY,
	version    TEXT NOT NULL,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("store: creating schema_migrations table: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: querying applied migrations: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("store: scanning applied migration: %w", err)
		}
		applied[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("store: iterating applied migrations: %w", err)
	}
	rows.Close()

	pending := make([]Migration, len(Migrations))
	copy(pending, Migrations)
	sort.Slice(pending, func(i, j int) bool { return pending[i].Version < pending[j].Version })

	for _, m := range pending {
		if applied[m.ID] {
			continue
		}
		if err := runOne(ctx, db, m); err != nil {
			return err
		}
	}
	return nil
}

func runOne(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning migration %s: %w", m.ID, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
		return fmt.Errorf("store: executing migration %s: %w", m.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (id, version) VALUES ($1, $2)`, m.ID, m.Version); err != nil {
		return fmt.Errorf("store: recording migration %s: %w", m.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing migration %s: %w", m.ID, err)
	}
	return nil
}
