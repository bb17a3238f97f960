package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/types"
)

// DefaultLocalCapacity bounds each list kept by [Local].
const DefaultLocalCapacity = 1000

// Compile-time interface check.
var _ Store = (*Local)(nil)

// Local is an in-process [Store]. Every list is bounded: the turn log per
// session, the session summaries and the agent snapshots each keep at most
// the configured capacity, dropping the oldest entries first. Sessions whose
// summaries were dropped also lose their turn logs.
type Local struct {
	capacity int

	mu       sync.Mutex
	turns    map[string][]types.Turn
	sessions []types.SessionSummary
	agents   []types.AgentSnapshot
}

// NewLocal creates a Local store. capacity <= 0 uses [DefaultLocalCapacity].
func NewLocal(capacity int) *Local {
	if capacity <= 0 {
		capacity = DefaultLocalCapacity
	}
	return &Local{capacity: capacity, turns: make(map[string][]types.Turn)}
}

// RecordTurns implements [TurnStore].
func (l *Local) RecordTurns(_ context.Context, sessionID string, turns []types.Turn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	log := append(l.turns[sessionID], turns...)
	if over := len(log) - l.capacity; over > 0 {
		log = slices.Clone(log[over:])
	}
	l.turns[sessionID] = log
	return nil
}

// Turns implements [TurnStore].
func (l *Local) Turns(_ context.Context, sessionID string, opts ...TurnQueryOpt) ([]types.Turn, error) {
	p := ApplyTurnQueryOpts(opts)

	l.mu.Lock()
	defer l.mu.Unlock()
	out := []types.Turn{}
	for _, t := range l.turns[sessionID] {
		if p.Match(t) {
			out = append(out, t)
		}
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[len(out)-p.Limit:]
	}
	return out, nil
}

// RecordSession implements [SessionStore].
func (l *Local) RecordSession(_ context.Context, summary types.SessionSummary) error {
	summary.FunctionsUsed = maps.Clone(summary.FunctionsUsed)
	summary.Participants = slices.Clone(summary.Participants)

	l.mu.Lock()
	defer l.mu.Unlock()
	if i := slices.IndexFunc(l.sessions, func(s types.SessionSummary) bool { return s.ID == summary.ID }); i >= 0 {
		l.sessions[i] = summary
		return nil
	}
	l.sessions = append(l.sessions, summary)
	if over := len(l.sessions) - l.capacity; over > 0 {
		for _, dropped := range l.sessions[:over] {
			delete(l.turns, dropped.ID)
		}
		l.sessions = slices.Clone(l.sessions[over:])
	}
	return nil
}

// Sessions implements [SessionStore].
func (l *Local) Sessions(_ context.Context, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.SessionSummary, 0, min(limit, len(l.sessions)))
	for i := len(l.sessions) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.sessions[i])
	}
	return out, nil
}

// RecordAgent implements [AgentStore].
func (l *Local) RecordAgent(_ context.Context, snap types.AgentSnapshot) error {
	snap.Params = maps.Clone(snap.Params)

	l.mu.Lock()
	defer l.mu.Unlock()
	if i := slices.IndexFunc(l.agents, func(a types.AgentSnapshot) bool { return a.ID == snap.ID }); i >= 0 {
		l.agents[i] = snap
		return nil
	}
	l.agents = append(l.agents, snap)
	if over := len(l.agents) - l.capacity; over > 0 {
		l.agents = slices.Clone(l.agents[over:])
	}
	return nil
}

// Agents implements [AgentStore].
func (l *Local) Agents(_ context.Context, filter AgentFilter) ([]types.AgentSnapshot, error) {
	limit := filter.EffectiveLimit()

	l.mu.Lock()
	defer l.mu.Unlock()
	out := []types.AgentSnapshot{}
	for i := len(l.agents) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Match(l.agents[i]) {
			out = append(out, l.agents[i])
		}
	}
	return out, nil
}

// Close implements [Store]. It is a no-op.
func (l *Local) Close() {}
