package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

// RecordSession implements [memory.SessionStore] as an upsert keyed by the
// session ID.
func (s *Store) RecordSession(ctx context.Context, sum types.SessionSummary) error {
	const q = `
		INSERT INTO voxline_sessions
		    (id, room_name, kind, caller_id, mode, started_at, ended_at,
		     turn_count, mode_changes, functions_used, participants, closed, close_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
		    mode           = EXCLUDED.mode,
		    ended_at       = EXCLUDED.ended_at,
		    turn_count     = EXCLUDED.turn_count,
		    mode_changes   = EXCLUDED.mode_changes,
		    functions_used = EXCLUDED.functions_used,
		    participants   = EXCLUDED.participants,
		    closed         = EXCLUDED.closed,
		    close_reason   = EXCLUDED.close_reason`

	fns := sum.FunctionsUsed
	if fns == nil {
		fns = map[string]int{}
	}
	participants := sum.Participants
	if participants == nil {
		participants = []string{}
	}
	_, err := s.pool.Exec(ctx, q,
		sum.ID,
		sum.RoomName,
		string(sum.Kind),
		sum.CallerID,
		sum.Mode,
		sum.StartedAt,
		sum.EndedAt,
		sum.TurnCount,
		sum.ModeChanges,
		fns,
		participants,
		sum.Closed,
		sum.CloseReason,
	)
	if err != nil {
		return fmt.Errorf("session store: record session %q: %w", sum.ID, err)
	}
	return nil
}

// Sessions implements [memory.SessionStore].
func (s *Store) Sessions(ctx context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = memory.DefaultQueryLimit
	}
	const q = `
		SELECT id, room_name, kind, caller_id, mode, started_at, ended_at,
		       turn_count, mode_changes, functions_used, participants, closed, close_reason
		FROM   voxline_sessions
		ORDER  BY started_at DESC
		LIMIT  $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("session store: sessions: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.SessionSummary, error) {
		var (
			sum  types.SessionSummary
			kind string
		)
		err := row.Scan(
			&sum.ID, &sum.RoomName, &kind, &sum.CallerID, &sum.Mode, &sum.StartedAt, &sum.EndedAt,
			&sum.TurnCount, &sum.ModeChanges, &sum.FunctionsUsed, &sum.Participants, &sum.Closed, &sum.CloseReason,
		)
		sum.Kind = types.CallKind(kind)
		return sum, err
	})
	if err != nil {
		return nil, fmt.Errorf("session store: scan rows: %w", err)
	}
	if out == nil {
		out = []types.SessionSummary{}
	}
	return out, nil
}

// RecordAgent implements [memory.AgentStore] as an upsert keyed by agent ID.
func (s *Store) RecordAgent(ctx context.Context, snap types.AgentSnapshot) error {
	const q = `
		INSERT INTO voxline_agents
		    (id, room_name, kind, pid, status, started_at, ended_at,
		     error_count, exit_code, last_error, params)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
		    status      = EXCLUDED.status,
		    ended_at    = EXCLUDED.ended_at,
		    error_count = EXCLUDED.error_count,
		    exit_code   = EXCLUDED.exit_code,
		    last_error  = EXCLUDED.last_error`

	params := snap.Params
	if params == nil {
		params = map[string]string{}
	}
	_, err := s.pool.Exec(ctx, q,
		snap.ID,
		snap.RoomName,
		string(snap.Kind),
		snap.PID,
		string(snap.Status),
		snap.StartedAt,
		snap.EndedAt,
		snap.ErrorCount,
		snap.ExitCode,
		snap.LastError,
		params,
	)
	if err != nil {
		return fmt.Errorf("agent store: record agent %q: %w", snap.ID, err)
	}
	return nil
}

// Agents implements [memory.AgentStore].
func (s *Store) Agents(ctx context.Context, filter memory.AgentFilter) ([]types.AgentSnapshot, error) {
	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	var conditions []string
	if filter.RoomName != "" {
		conditions = append(conditions, "room_name = "+next(filter.RoomName))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = "+next(string(filter.Status)))
	}

	q := "SELECT id, room_name, kind, pid, status, started_at, ended_at, error_count, exit_code, last_error, params\n" +
		"FROM   voxline_agents\n"
	if len(conditions) > 0 {
		q += "WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n"
	}
	q += "ORDER  BY started_at DESC\nLIMIT  " + next(filter.EffectiveLimit())

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("agent store: agents: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.AgentSnapshot, error) {
		var (
			snap         types.AgentSnapshot
			kind, status string
		)
		err := row.Scan(
			&snap.ID, &snap.RoomName, &kind, &snap.PID, &status, &snap.StartedAt, &snap.EndedAt,
			&snap.ErrorCount, &snap.ExitCode, &snap.LastError, &snap.Params,
		)
		snap.Kind = types.CallKind(kind)
		snap.Status = types.AgentStatus(status)
		return snap, err
	})
	if err != nil {
		return nil, fmt.Errorf("agent store: scan rows: %w", err)
	}
	if out == nil {
		out = []types.AgentSnapshot{}
	}
	return out, nil
}
