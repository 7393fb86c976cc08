package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ensureSchema creates all tables and indexes. Idempotent; runs on every
// boot so a fresh database needs no separate migration step.
func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{

		// ── Sessions ─────────────────────────────────────────────────────────
		// One row per agent run group. Created by a run, never mutated here.
		`CREATE TABLE IF NOT EXISTS sessions (
			id          BIGSERIAL PRIMARY KEY,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// ── Messages ─────────────────────────────────────────────────────────
		// Append-only durable log of inputs and outputs.
		`CREATE TABLE IF NOT EXISTS messages (
			id          BIGSERIAL PRIMARY KEY,
			role        TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
			content     JSONB NOT NULL,
			source      TEXT NOT NULL,
			channel     TEXT,
			lane        TEXT NOT NULL DEFAULT 'conversation',
			session_id  BIGINT REFERENCES sessions(id),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS messages_session_idx
			ON messages (session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS messages_created_idx
			ON messages (created_at)`,

		// ── KV ───────────────────────────────────────────────────────────────
		// Small durable key/value corner: status board snapshot, scheduler
		// bookkeeping, current-session pointer.
		`CREATE TABLE IF NOT EXISTS kv (
			key    TEXT PRIMARY KEY,
			value  JSONB NOT NULL
		)`,

		// ── Scheduled tasks ──────────────────────────────────────────────────
		// Future agent runs. An exhausted task stays 'failed'; eligibility is
		// decided by the claim predicate, not by a terminal status.
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id            BIGSERIAL PRIMARY KEY,
			fire_at       TIMESTAMPTZ NOT NULL,
			prompt        TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending'
			              CHECK (status IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
			attempts      INT NOT NULL DEFAULT 0,
			max_attempts  INT NOT NULL DEFAULT 3,
			last_error    TEXT,
			session_id    BIGINT REFERENCES sessions(id),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS scheduled_tasks_due_idx
			ON scheduled_tasks (fire_at)
			WHERE status IN ('pending', 'failed')`,
	}

	for _, s := range stmts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("schema error: %w\nstmt: %.80s", err, s)
		}
	}
	return nil
}
