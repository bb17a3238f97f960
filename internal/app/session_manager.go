package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/voxline/internal/config"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

var (
	// ErrSessionNotFound is returned for unknown session IDs.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrRoomBusy is returned by Open when a live session already holds the
	// room.
	ErrRoomBusy = errors.New("app: room already has a live session")

	// ErrInvalidRequest wraps caller input errors.
	ErrInvalidRequest = errors.New("app: invalid request")
)

// ReasonShutdown is the close reason of sessions ended by [SessionManager.CloseAll].
const ReasonShutdown = "shutdown"

type liveSession struct {
	engine *dialogue.Engine
	done   chan struct{}
}

// SessionManager owns the live dialogue sessions, at most one per room, and
// a bounded list of closed session summaries.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu      sync.Mutex
	factory *EngineFactory
	live    map[string]*liveSession
	rooms   map[string]string // room → session ID
	closed  []types.SessionSummary
	limit   int

	store   memory.SessionStore
	metrics *observe.Metrics
	newID   func() string
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	// Factory builds engines for new sessions. Required.
	Factory *EngineFactory

	// Store receives summaries of closed sessions. Optional.
	Store memory.SessionStore

	Metrics *observe.Metrics

	// HistoryLimit bounds the closed-session list. Defaults to
	// [config.DefaultHistoryLimit].
	HistoryLimit int

	// NewID overrides session ID generation.
	NewID func() string
}

// NewSessionManager creates a SessionManager.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Factory == nil {
		return nil, errors.New("app: session manager needs an engine factory")
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = config.DefaultHistoryLimit
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &SessionManager{
		factory: cfg.Factory,
		live:    make(map[string]*liveSession),
		rooms:   make(map[string]string),
		limit:   cfg.HistoryLimit,
		store:   cfg.Store,
		metrics: cfg.Metrics,
		newID:   cfg.NewID,
	}, nil
}

// SetFactory replaces the engine factory used for sessions opened from now
// on.
func (sm *SessionManager) SetFactory(f *EngineFactory) {
	sm.mu.Lock()
	sm.factory = f
	sm.mu.Unlock()
}

// Factory returns the current engine factory.
func (sm *SessionManager) Factory() *EngineFactory {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.factory
}

// Open creates a session for req.RoomName and returns its summary and the
// greeting to speak. It fails with [ErrRoomBusy] while another session holds
// the room.
func (sm *SessionManager) Open(ctx context.Context, req SessionRequest) (types.SessionSummary, string, error) {
	if req.RoomName == "" {
		return types.SessionSummary{}, "", fmt.Errorf("%w: room_name is required", ErrInvalidRequest)
	}
	if req.Kind == "" {
		req.Kind = types.CallRoom
	}
	if !req.Kind.IsValid() {
		return types.SessionSummary{}, "", fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}

	sm.mu.Lock()
	if id, ok := sm.rooms[req.RoomName]; ok {
		sm.mu.Unlock()
		return types.SessionSummary{}, "", fmt.Errorf("%w: room %q (session %s)", ErrRoomBusy, req.RoomName, id)
	}
	id := sm.newID()
	eng, err := sm.factory.NewEngine(id, req)
	if err != nil {
		sm.mu.Unlock()
		return types.SessionSummary{}, "", fmt.Errorf("app: create engine: %w", err)
	}
	sm.live[id] = &liveSession{engine: eng, done: make(chan struct{})}
	sm.rooms[req.RoomName] = id
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, 1)
	}
	greeting := eng.Greet(ctx)
	observe.SessionLogger(ctx, id, req.RoomName).Info("session opened", "kind", req.Kind, "caller_id", req.CallerID)
	return eng.Summary(), greeting, nil
}

// Turn runs one utterance through the session's engine. A reply asking to
// close ends the session before Turn returns.
func (sm *SessionManager) Turn(ctx context.Context, id string, u transport.Utterance) (dialogue.Reply, error) {
	s, err := sm.session(id)
	if err != nil {
		return dialogue.Reply{}, err
	}
	reply, err := s.engine.ProcessUtterance(ctx, dialogue.Utterance{Text: u.Text, ParticipantID: u.ParticipantID})
	if err != nil {
		return dialogue.Reply{}, err
	}
	if reply.ShouldClose {
		sm.finish(ctx, id, reply.Reason)
	}
	return reply, nil
}

// Turns returns the retained conversation turns of a live session.
func (sm *SessionManager) Turns(id string) ([]types.Turn, error) {
	s, err := sm.session(id)
	if err != nil {
		return nil, err
	}
	return s.engine.History(), nil
}

// Close ends a live session and returns its final summary.
func (sm *SessionManager) Close(ctx context.Context, id, reason string) (types.SessionSummary, error) {
	if _, err := sm.session(id); err != nil {
		return types.SessionSummary{}, err
	}
	sum, ok := sm.finish(ctx, id, reason)
	if !ok {
		// Lost a race with another closer; report what it recorded.
		return sm.Get(id)
	}
	return sum, nil
}

// CloseAll ends every live session with [ReasonShutdown].
func (sm *SessionManager) CloseAll(ctx context.Context) {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.live))
	for id := range sm.live {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	for _, id := range ids {
		sm.finish(ctx, id, ReasonShutdown)
	}
}

// Done returns a channel closed when the session ends. Unknown IDs yield
// [ErrSessionNotFound].
func (sm *SessionManager) Done(id string) (<-chan struct{}, error) {
	s, err := sm.session(id)
	if err != nil {
		return nil, err
	}
	return s.done, nil
}

// Get returns the summary of a live or recently closed session.
func (sm *SessionManager) Get(id string) (types.SessionSummary, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if s, ok := sm.live[id]; ok {
		return s.engine.Summary(), nil
	}
	for i := len(sm.closed) - 1; i >= 0; i-- {
		if sm.closed[i].ID == id {
			return sm.closed[i], nil
		}
	}
	return types.SessionSummary{}, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
}

// ByRoom returns the ID of the live session holding room.
func (sm *SessionManager) ByRoom(room string) (string, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	id, ok := sm.rooms[room]
	return id, ok
}

// List returns summaries of all live sessions, oldest first.
func (sm *SessionManager) List() []types.SessionSummary {
	sm.mu.Lock()
	out := make([]types.SessionSummary, 0, len(sm.live))
	for _, s := range sm.live {
		out = append(out, s.engine.Summary())
	}
	sm.mu.Unlock()
	sortSessions(out)
	return out
}

// History returns closed sessions kept in memory, oldest first.
func (sm *SessionManager) History() []types.SessionSummary {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	out := make([]types.SessionSummary, len(sm.closed))
	copy(out, sm.closed)
	return out
}

// Count returns the number of live sessions.
func (sm *SessionManager) Count() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.live)
}

func (sm *SessionManager) session(id string) (*liveSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	s, ok := sm.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionNotFound, id)
	}
	return s, nil
}

// finish moves a session from the live table to the closed list. It reports
// false when the session was already gone.
func (sm *SessionManager) finish(ctx context.Context, id, reason string) (types.SessionSummary, bool) {
	sm.mu.Lock()
	s, ok := sm.live[id]
	if !ok {
		sm.mu.Unlock()
		return types.SessionSummary{}, false
	}
	delete(sm.live, id)
	sm.mu.Unlock()

	// Close waits for an in-flight turn; do it outside the table lock.
	sum := s.engine.Close(reason)

	sm.mu.Lock()
	if sm.rooms[sum.RoomName] == id {
		delete(sm.rooms, sum.RoomName)
	}
	sm.closed = append(sm.closed, sum)
	if over := len(sm.closed) - sm.limit; over > 0 {
		sm.closed = append(sm.closed[:0:0], sm.closed[over:]...)
	}
	sm.mu.Unlock()
	close(s.done)

	log := observe.SessionLogger(ctx, id, sum.RoomName)
	log.Info("session closed",
		"reason", sum.CloseReason,
		"turns", sum.TurnCount,
		"mode_changes", sum.ModeChanges,
	)
	if sm.metrics != nil {
		sm.metrics.ActiveSessions.Add(ctx, -1)
		sm.metrics.RecordSessionClosed(ctx, sum.CloseReason)
	}
	if sm.store != nil {
		if err := sm.store.RecordSession(ctx, sum); err != nil {
			log.Warn("failed to record session", "err", err)
		}
	}
	return sum, true
}

func sortSessions(s []types.SessionSummary) {
	slices.SortFunc(s, func(a, b types.SessionSummary) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}
