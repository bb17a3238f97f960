// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store]: the turn log, closed session summaries and agent history.
//
// All tables share a single [pgxpool.Pool]. [Migrate] creates them on
// startup.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	_ = store.RecordTurns(ctx, sessionID, turns)
//	_ = store.RecordAgent(ctx, snapshot)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTurns = `
CREATE TABLE IF NOT EXISTS voxline_turns (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    mode        TEXT         NOT NULL DEFAULT '',
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voxline_turns_session_timestamp
    ON voxline_turns (session_id, timestamp);
`

const ddlSessions = `
CREATE TABLE IF NOT EXISTS voxline_sessions (
    id              TEXT         PRIMARY KEY,
    room_name       TEXT         NOT NULL,
    kind            TEXT         NOT NULL DEFAULT '',
    caller_id       TEXT         NOT NULL DEFAULT '',
    mode            TEXT         NOT NULL DEFAULT '',
    started_at      TIMESTAMPTZ  NOT NULL,
    ended_at        TIMESTAMPTZ,
    turn_count      INTEGER      NOT NULL DEFAULT 0,
    mode_changes    INTEGER      NOT NULL DEFAULT 0,
    functions_used  JSONB        NOT NULL DEFAULT '{}',
    participants    JSONB        NOT NULL DEFAULT '[]',
    closed          BOOLEAN      NOT NULL DEFAULT false,
    close_reason    TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_voxline_sessions_started_at
    ON voxline_sessions (started_at);
`

const ddlAgents = `
CREATE TABLE IF NOT EXISTS voxline_agents (
    id           TEXT         PRIMARY KEY,
    room_name    TEXT         NOT NULL,
    kind         TEXT         NOT NULL DEFAULT '',
    pid          INTEGER      NOT NULL DEFAULT 0,
    status       TEXT         NOT NULL,
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ,
    error_count  INTEGER      NOT NULL DEFAULT 0,
    exit_code    INTEGER,
    last_error   TEXT         NOT NULL DEFAULT '',
    params       JSONB        NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_voxline_agents_room
    ON voxline_agents (room_name);

CREATE INDEX IF NOT EXISTS idx_voxline_agents_started_at
    ON voxline_agents (started_at);
`

// Migrate creates all required tables and indexes. It is idempotent and safe
// to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTurns, ddlSessions, ddlAgents} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
