// Package mock provides an in-memory test double for [memory.Store].
//
// The mock records every method call for assertion in tests and exposes
// exported fields that control what it returns. It is safe for concurrent use
// via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := &mock.Store{}
//	store.RecordTurnsErr = errors.New("db down")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("RecordTurns"); got != 1 {
//	    t.Errorf("expected 1 RecordTurns call, got %d", got)
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is a configurable test double for [memory.Store]. Successful Record*
// calls are retained and visible through the accessor methods; the query
// methods return the corresponding *Result field when it is non-nil.
type Store struct {
	mu sync.Mutex

	calls []Call

	turns    map[string][]types.Turn
	sessions []types.SessionSummary
	agents   []types.AgentSnapshot
	closed   bool

	// RecordTurnsErr is returned by [Store.RecordTurns] when non-nil.
	RecordTurnsErr error

	// TurnsResult overrides the retained turns returned by [Store.Turns].
	TurnsResult []types.Turn

	// TurnsErr is returned by [Store.Turns] when non-nil.
	TurnsErr error

	// RecordSessionErr is returned by [Store.RecordSession] when non-nil.
	RecordSessionErr error

	// SessionsResult overrides the retained summaries returned by [Store.Sessions].
	SessionsResult []types.SessionSummary

	// SessionsErr is returned by [Store.Sessions] when non-nil.
	SessionsErr error

	// RecordAgentErr is returned by [Store.RecordAgent] when non-nil.
	RecordAgentErr error

	// AgentsResult overrides the retained snapshots returned by [Store.Agents].
	AgentsResult []types.AgentSnapshot

	// AgentsErr is returned by [Store.Agents] when non-nil.
	AgentsErr error
}

func (s *Store) record(method string, args ...any) {
	s.calls = append(s.calls, Call{Method: method, Args: args})
}

// RecordTurns implements [memory.TurnStore].
func (s *Store) RecordTurns(_ context.Context, sessionID string, turns []types.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RecordTurns", sessionID, slices.Clone(turns))
	if s.RecordTurnsErr != nil {
		return s.RecordTurnsErr
	}
	if s.turns == nil {
		s.turns = make(map[string][]types.Turn)
	}
	s.turns[sessionID] = append(s.turns[sessionID], turns...)
	return nil
}

// Turns implements [memory.TurnStore].
func (s *Store) Turns(_ context.Context, sessionID string, opts ...memory.TurnQueryOpt) ([]types.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Turns", sessionID)
	if s.TurnsErr != nil {
		return nil, s.TurnsErr
	}
	if s.TurnsResult != nil {
		return slices.Clone(s.TurnsResult), nil
	}
	p := memory.ApplyTurnQueryOpts(opts)
	out := []types.Turn{}
	for _, t := range s.turns[sessionID] {
		if p.Match(t) {
			out = append(out, t)
		}
	}
	if p.Limit > 0 && len(out) > p.Limit {
		out = out[len(out)-p.Limit:]
	}
	return out, nil
}

// RecordSession implements [memory.SessionStore].
func (s *Store) RecordSession(_ context.Context, sum types.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RecordSession", sum)
	if s.RecordSessionErr != nil {
		return s.RecordSessionErr
	}
	s.sessions = append(s.sessions, sum)
	return nil
}

// Sessions implements [memory.SessionStore].
func (s *Store) Sessions(_ context.Context, limit int) ([]types.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Sessions", limit)
	if s.SessionsErr != nil {
		return nil, s.SessionsErr
	}
	if s.SessionsResult != nil {
		return slices.Clone(s.SessionsResult), nil
	}
	out := slices.Clone(s.sessions)
	slices.Reverse(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []types.SessionSummary{}
	}
	return out, nil
}

// RecordAgent implements [memory.AgentStore].
func (s *Store) RecordAgent(_ context.Context, snap types.AgentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("RecordAgent", snap)
	if s.RecordAgentErr != nil {
		return s.RecordAgentErr
	}
	s.agents = append(s.agents, snap)
	return nil
}

// Agents implements [memory.AgentStore].
func (s *Store) Agents(_ context.Context, filter memory.AgentFilter) ([]types.AgentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Agents", filter)
	if s.AgentsErr != nil {
		return nil, s.AgentsErr
	}
	if s.AgentsResult != nil {
		return slices.Clone(s.AgentsResult), nil
	}
	out := []types.AgentSnapshot{}
	for i := len(s.agents) - 1; i >= 0 && len(out) < filter.EffectiveLimit(); i-- {
		if filter.Match(s.agents[i]) {
			out = append(out, s.agents[i])
		}
	}
	return out, nil
}

// Close implements [memory.Store].
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.record("Close")
	s.closed = true
}

// Closed reports whether [Store.Close] has been called.
func (s *Store) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// RecordedSessions returns every summary passed to a successful
// [Store.RecordSession], in call order.
func (s *Store) RecordedSessions() []types.SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// RecordedAgents returns every snapshot passed to a successful
// [Store.RecordAgent], in call order.
func (s *Store) RecordedAgents() []types.AgentSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.agents)
}

// RecordedTurns returns the turns retained for sessionID.
func (s *Store) RecordedTurns(sessionID string) []types.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.turns[sessionID])
}

// Calls returns a copy of all recorded method calls in order.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.calls)
}

// CallCount returns how many times method was called.
func (s *Store) CallCount(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls and retained data. Configured *Err and
// *Result fields are left unchanged.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
	s.turns = nil
	s.sessions = nil
	s.agents = nil
	s.closed = false
}
