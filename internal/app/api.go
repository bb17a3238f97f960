package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/observe"
	"github.com/MrWong99/voxline/internal/supervisor"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/memory"
	"github.com/MrWong99/voxline/pkg/types"
)

// maxBodySize bounds JSON request bodies.
const maxBodySize = 1 << 20

// API serves the agent and session endpoints.
type API struct {
	agents   *supervisor.Supervisor
	sessions *SessionManager
	store    memory.Store

	// originPatterns are accepted on session websockets besides same-origin.
	originPatterns []string
}

// APIOption configures an [API].
type APIOption func(*API)

// WithOriginPatterns accepts websocket upgrades from the given origin host
// patterns in addition to same-origin requests.
func WithOriginPatterns(patterns ...string) APIOption {
	return func(a *API) { a.originPatterns = patterns }
}

// NewAPI creates the HTTP surface over the supervisor, the session manager
// and the persistence store. A nil store serves history from memory.
func NewAPI(agents *supervisor.Supervisor, sessions *SessionManager, store memory.Store, opts ...APIOption) *API {
	a := &API{agents: agents, sessions: sessions, store: store}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Register adds all routes to mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /agents", a.startAgent)
	mux.HandleFunc("GET /agents", a.listAgents)
	mux.HandleFunc("GET /agents/history", a.agentHistory)
	mux.HandleFunc("GET /agents/{id}", a.getAgent)
	mux.HandleFunc("DELETE /agents/{id}", a.stopAgent)

	mux.HandleFunc("POST /sessions", a.openSession)
	mux.HandleFunc("GET /sessions", a.listSessions)
	mux.HandleFunc("GET /sessions/history", a.sessionHistory)
	mux.HandleFunc("GET /sessions/{id}", a.getSession)
	mux.HandleFunc("DELETE /sessions/{id}", a.closeSession)
	mux.HandleFunc("POST /sessions/{id}/turns", a.processTurn)
	mux.HandleFunc("GET /sessions/{id}/turns", a.sessionTurns)
	mux.HandleFunc("GET /sessions/{id}/ws", a.sessionStream)
}

// ── Agents ──────────────────────────────────────────────────────────────────

type startAgentRequest struct {
	RoomName string            `json:"room_name"`
	Kind     types.CallKind    `json:"kind"`
	Params   map[string]string `json:"params"`
}

type agentList struct {
	Agents []types.AgentSnapshot `json:"agents"`
	Stats  supervisor.Stats      `json:"stats"`
}

func (a *API) startAgent(w http.ResponseWriter, r *http.Request) {
	var req startAgentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Kind == "" {
		req.Kind = types.CallRoom
	}
	if !req.Kind.IsValid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	if req.RoomName == "" {
		writeError(w, http.StatusBadRequest, "room_name is required")
		return
	}
	snap, err := a.agents.Start(r.Context(), supervisor.StartRequest{
		RoomName: req.RoomName,
		Kind:     req.Kind,
		Params:   req.Params,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if snap.Status == types.AgentError {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, snap)
}

func (a *API) stopAgent(w http.ResponseWriter, r *http.Request) {
	snap, err := a.agents.Stop(r.Context(), r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) listAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agentList{Agents: a.agents.List(), Stats: a.agents.Stats()})
}

func (a *API) getAgent(w http.ResponseWriter, r *http.Request) {
	snap, err := a.agents.Get(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) agentHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := intParam(w, q.Get("limit"))
	if !ok {
		return
	}
	filter := memory.AgentFilter{
		RoomName: q.Get("room"),
		Status:   types.AgentStatus(q.Get("status")),
		Limit:    limit,
	}
	if a.store == nil {
		var out []types.AgentSnapshot
		for _, s := range a.agents.History() {
			if filter.Match(s) {
				out = append(out, s)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"agents": out})
		return
	}
	snaps, err := a.store.Agents(r.Context(), filter)
	if err != nil {
		observe.Logger(r.Context()).Error("agent history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": snaps})
}

// ── Sessions ────────────────────────────────────────────────────────────────

type openSessionResponse struct {
	Session  types.SessionSummary `json:"session"`
	Greeting string               `json:"greeting,omitempty"`
}

type sessionDetail struct {
	Session types.SessionSummary `json:"session"`
	History []types.Turn         `json:"history,omitempty"`
}

func (a *API) openSession(w http.ResponseWriter, r *http.Request) {
	var req SessionRequest
	if !decode(w, r, &req) {
		return
	}
	sum, greeting, err := a.sessions.Open(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{Session: sum, Greeting: greeting})
}

func (a *API) processTurn(w http.ResponseWriter, r *http.Request) {
	var u transport.Utterance
	if !decode(w, r, &u) {
		return
	}
	id := r.PathValue("id")
	u.SessionID = id
	start := time.Now()
	reply, err := a.sessions.Turn(r.Context(), id, u)
	if err != nil {
		writeErr(w, err)
		return
	}
	observe.SessionLogger(r.Context(), id, "").Info("turn processed",
		"mode", reply.Mode,
		"function", reply.Function,
		"should_close", reply.ShouldClose,
		"duration", time.Since(start),
	)
	writeJSON(w, http.StatusOK, reply)
}

func (a *API) closeSession(w http.ResponseWriter, r *http.Request) {
	sum, err := a.sessions.Close(r.Context(), r.PathValue("id"), dialogue.ReasonHangup)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sum, err := a.sessions.Get(id)
	if err != nil {
		writeErr(w, err)
		return
	}
	detail := sessionDetail{Session: sum}
	if !sum.Closed {
		detail.History, _ = a.sessions.Turns(id)
	}
	writeJSON(w, http.StatusOK, detail)
}

func (a *API) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.List()})
}

func (a *API) sessionHistory(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r.URL.Query().Get("limit"))
	if !ok {
		return
	}
	if a.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.History()})
		return
	}
	sums, err := a.store.Sessions(r.Context(), limit)
	if err != nil {
		observe.Logger(r.Context()).Error("session history query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sums})
}

// sessionTurns serves the persisted turn log of a session, live or closed.
func (a *API) sessionTurns(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusNotFound, "no turn log configured")
		return
	}
	q := r.URL.Query()
	limit, ok := intParam(w, q.Get("limit"))
	if !ok {
		return
	}
	var opts []memory.TurnQueryOpt
	if role := q.Get("role"); role != "" {
		opts = append(opts, memory.WithRole(types.Role(role)))
	}
	if limit > 0 {
		opts = append(opts, memory.WithLimit(limit))
	}
	turns, err := a.store.Turns(r.Context(), r.PathValue("id"), opts...)
	if err != nil {
		observe.Logger(r.Context()).Error("turn log query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "turn log unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"turns": turns})
}

// sessionStream attaches a websocket to a live session. The greeting was
// already returned by the open call, so the stream starts with the first
// utterance.
func (a *API) sessionStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := a.sessions.Done(id); err != nil {
		writeErr(w, err)
		return
	}
	ws, err := transport.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: a.originPatterns})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "session_id", id, "err", err)
		return
	}

	reason, err := transport.Loop{
		SessionID: id,
		Source:    ws,
		Speaker:   ws,
		Turn: func(ctx context.Context, u transport.Utterance) (dialogue.Reply, error) {
			return a.sessions.Turn(ctx, id, u)
		},
	}.Run(r.Context())
	if err != nil {
		observe.Logger(r.Context()).Warn("session stream ended with error", "session_id", id, "err", err)
		ws.Abort("stream error")
	}
	if reason == dialogue.ReasonHangup {
		if _, err := a.sessions.Close(r.Context(), id, reason); err != nil && !errors.Is(err, ErrSessionNotFound) {
			slog.Warn("close after hangup failed", "session_id", id, "err", err)
		}
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error string `json:"error"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func intParam(w http.ResponseWriter, s string) (int, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", s))
		return 0, false
	}
	return n, true
}

// writeErr maps domain errors to HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrDuplicateRoom), errors.Is(err, ErrRoomBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrCapacity):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, supervisor.ErrNotFound), errors.Is(err, ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dialogue.ErrSessionClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, dialogue.ErrEmptyUtterance):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
