package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

// RecordTurns implements [memory.TurnStore]. All turns are sent in one batch.
func (s *Store) RecordTurns(ctx context.Context, sessionID string, turns []types.Turn) error {
	if len(turns) == 0 {
		return nil
	}
	const q = `
		INSERT INTO voxline_turns (session_id, role, content, mode, timestamp)
		VALUES ($1, $2, $3, $4, $5)`

	b := &pgx.Batch{}
	for _, t := range turns {
		b.Queue(q, sessionID, string(t.Role), t.Content, t.Mode, t.Timestamp)
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("turn store: record turns: %w", err)
	}
	return nil
}

// Turns implements [memory.TurnStore]. With a limit, the most recent turns
// are selected and returned oldest first.
func (s *Store) Turns(ctx context.Context, sessionID string, opts ...memory.TurnQueryOpt) ([]types.Turn, error) {
	p := memory.ApplyTurnQueryOpts(opts)

	args := []any{sessionID} // $1 = session
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{"session_id = $1"}
	if p.Role != "" {
		conditions = append(conditions, "role = "+next(string(p.Role)))
	}
	if !p.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(p.After))
	}

	q := "SELECT role, content, mode, timestamp, id\n" +
		"FROM   voxline_turns\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp DESC, id DESC"
	if p.Limit > 0 {
		q += "\nLIMIT " + next(p.Limit)
	}
	// Re-order the selected window chronologically.
	q = "SELECT role, content, mode, timestamp FROM (" + q + ") w ORDER BY timestamp, id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("turn store: turns: %w", err)
	}
	turns, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Turn, error) {
		var (
			t    types.Turn
			role string
		)
		if err := row.Scan(&role, &t.Content, &t.Mode, &t.Timestamp); err != nil {
			return types.Turn{}, err
		}
		t.Role = types.Role(role)
		return t, nil
	})
	if err != nil {
		return nil, fmt.Errorf("turn store: scan rows: %w", err)
	}
	if turns == nil {
		turns = []types.Turn{}
	}
	return turns, nil
}
