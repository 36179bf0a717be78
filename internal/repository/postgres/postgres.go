// Package postgres provides PostgreSQL-backed implementations of repository interfaces.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	chain       TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	plan        JSONB,
	result      JSONB,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_status_created_idx ON tasks (status, created_at);

CREATE TABLE IF NOT EXISTS approval_requests (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL REFERENCES tasks (id),
	status       TEXT NOT NULL,
	sent_at      TIMESTAMPTZ NOT NULL,
	responded_at TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS approval_requests_one_pending_idx
	ON approval_requests (task_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS completed_projects (
	task_id      TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	summary      TEXT NOT NULL DEFAULT '',
	outputs      JSONB,
	completed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS outcome_ledger (
	id            TEXT PRIMARY KEY,
	action_type   TEXT NOT NULL,
	action_id     TEXT,
	skill         TEXT NOT NULL,
	success       BOOLEAN NOT NULL,
	error_class   TEXT,
	error_message TEXT,
	context       JSONB,
	outcome       JSONB,
	duration_ms   BIGINT NOT NULL DEFAULT 0,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS outcome_ledger_skill_created_idx ON outcome_ledger (skill, created_at);

CREATE TABLE IF NOT EXISTS daily_posts (
	post_type      TEXT NOT NULL,
	day            TEXT NOT NULL,
	correlation_id TEXT,
	posted_at      TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (post_type, day)
);
`

func Open(connectionString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return db, nil
}

func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

func nullString(s string) any {
	if s == "" {
		return nil
	}

	return s
}
