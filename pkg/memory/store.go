// Package memory defines the persistence layer used by Voxline for
// conversation turns, closed session summaries and agent lifecycle records.
//
// Persistence is always best-effort from the caller's point of view: the
// dialogue engine and the supervisor log write failures and carry on. Reads
// serve the HTTP history endpoints.
//
// Two backends are provided: [Local], a bounded in-process store, and
// package postgres, backed by PostgreSQL via pgx.
//
// Every implementation must be safe for concurrent use.
package memory

import (
	"context"

	"github.com/MrWong99/voxline/pkg/types"
)

// TurnStore is the append-only turn log.
type TurnStore interface {
	// RecordTurns appends turns to the log of sessionID in order.
	RecordTurns(ctx context.Context, sessionID string, turns []types.Turn) error

	// Turns returns the logged turns of sessionID, oldest first.
	Turns(ctx context.Context, sessionID string, opts ...TurnQueryOpt) ([]types.Turn, error)
}

// SessionStore keeps summaries of closed sessions.
type SessionStore interface {
	// RecordSession stores or replaces the summary of one session.
	RecordSession(ctx context.Context, summary types.SessionSummary) error

	// Sessions returns up to limit summaries, most recently started first.
	// limit <= 0 means the implementation default.
	Sessions(ctx context.Context, limit int) ([]types.SessionSummary, error)
}

// AgentStore keeps the final snapshots of agents removed from the live table.
type AgentStore interface {
	// RecordAgent stores or replaces the snapshot of one agent.
	RecordAgent(ctx context.Context, snap types.AgentSnapshot) error

	// Agents returns snapshots matching filter, most recently started first.
	Agents(ctx context.Context, filter AgentFilter) ([]types.AgentSnapshot, error)
}

// Store bundles all persistence concerns of one backend.
type Store interface {
	TurnStore
	SessionStore
	AgentStore

	// Close releases the backend's resources.
	Close()
}
