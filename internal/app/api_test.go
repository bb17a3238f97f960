package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/app"
	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/supervisor"
	"github.com/MrWong99/voxline/internal/transport"
	"github.com/MrWong99/voxline/pkg/memory/mock"
	"github.com/MrWong99/voxline/pkg/types"
)

type apiFixture struct {
	srv      *httptest.Server
	sessions *app.SessionManager
	agents   *supervisor.Supervisor
	store    *mock.Store
}

func newAPIFixture(t *testing.T, opts ...app.APIOption) *apiFixture {
	t.Helper()
	return newLimitedAPIFixture(t, 0, opts...)
}

func newLimitedAPIFixture(t *testing.T, maxAgents int, opts ...app.APIOption) *apiFixture {
	t.Helper()
	store := &mock.Store{}
	sm := newTestSessionManager(t, store, 0)
	sup, err := supervisor.New(supervisor.Config{
		Runner:      &supervisor.FuncRunner{Func: app.SessionAgent(sm)},
		GracePeriod: time.Second,
		MaxAgents:   maxAgents,
		Recorder:    store,
	})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	t.Cleanup(func() {
		_ = sup.StopAll(context.Background())
		sup.Wait()
	})

	mux := http.NewServeMux()
	app.NewAPI(sup, sm, store, opts...).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, sessions: sm, agents: sup, store: store}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case string:
		rd = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func decodeInto[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return v
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

type openResponse struct {
	Session  types.SessionSummary `json:"session"`
	Greeting string               `json:"greeting"`
}

func TestAPI_SessionLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/sessions", map[string]any{"room_name": "sala-1", "kind": "inbound"})
	if code != http.StatusCreated {
		t.Fatalf("open status = %d, body %s", code, body)
	}
	opened := decodeInto[openResponse](t, body)
	if opened.Greeting == "" || opened.Session.ID == "" {
		t.Fatalf("open response = %+v", opened)
	}
	id := opened.Session.ID

	code, body = f.do(t, http.MethodPost, "/sessions/"+id+"/turns", map[string]any{"text": "que horas são?", "participant_id": "caller"})
	if code != http.StatusOK {
		t.Fatalf("turn status = %d, body %s", code, body)
	}
	reply := decodeInto[dialogue.Reply](t, body)
	if reply.Function != "time" || reply.ShouldClose {
		t.Errorf("reply = %+v", reply)
	}

	code, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/turns", map[string]any{"text": " "})
	if code != http.StatusBadRequest {
		t.Errorf("empty turn status = %d, want 400", code)
	}

	code, body = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	detail := decodeInto[struct {
		Session types.SessionSummary `json:"session"`
		History []types.Turn         `json:"history"`
	}](t, body)
	if detail.Session.TurnCount != 1 || len(detail.History) != 3 {
		t.Errorf("detail = %+v", detail)
	}

	code, body = f.do(t, http.MethodGet, "/sessions", nil)
	if code != http.StatusOK || !strings.Contains(string(body), id) {
		t.Errorf("list status = %d, body %s", code, body)
	}

	code, body = f.do(t, http.MethodDelete, "/sessions/"+id, nil)
	if code != http.StatusOK {
		t.Fatalf("close status = %d, body %s", code, body)
	}
	closed := decodeInto[types.SessionSummary](t, body)
	if !closed.Closed || closed.CloseReason != dialogue.ReasonHangup {
		t.Errorf("closed summary = %+v", closed)
	}

	code, _ = f.do(t, http.MethodPost, "/sessions/"+id+"/turns", map[string]any{"text": "oi"})
	if code != http.StatusNotFound {
		t.Errorf("turn after close status = %d, want 404", code)
	}

	code, body = f.do(t, http.MethodGet, "/sessions/history", nil)
	if code != http.StatusOK || !strings.Contains(string(body), id) {
		t.Errorf("history status = %d, body %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/sessions/"+id+"/turns?role=user", nil)
	if code != http.StatusOK {
		t.Fatalf("turn log status = %d", code)
	}
	log := decodeInto[struct {
		Turns []types.Turn `json:"turns"`
	}](t, body)
	for _, turn := range log.Turns {
		if turn.Role != types.RoleUser {
			t.Errorf("turn log has role %q", turn.Role)
		}
	}
}

func TestAPI_SessionErrors(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	if code, body := f.do(t, http.MethodPost, "/sessions", map[string]any{"room_name": "x"}); code != http.StatusCreated {
		t.Fatalf("open status = %d, body %s", code, body)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"room busy", http.MethodPost, "/sessions", map[string]any{"room_name": "x"}, http.StatusConflict},
		{"missing room", http.MethodPost, "/sessions", map[string]any{"kind": "room"}, http.StatusBadRequest},
		{"bad kind", http.MethodPost, "/sessions", map[string]any{"room_name": "y", "kind": "fax"}, http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/sessions", "{", http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/sessions", map[string]any{"room_name": "z", "extra": 1}, http.StatusBadRequest},
		{"unknown session", http.MethodGet, "/sessions/nope", nil, http.StatusNotFound},
		{"close unknown", http.MethodDelete, "/sessions/nope", nil, http.StatusNotFound},
		{"bad limit", http.MethodGet, "/sessions/history?limit=abc", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, body := f.do(t, tt.method, tt.path, tt.body)
			if code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", code, tt.want, body)
			}
			if !strings.Contains(string(body), `"error"`) {
				t.Errorf("body %s has no error field", body)
			}
		})
	}
}

func TestAPI_AgentLifecycle(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/agents", map[string]any{
		"room_name": "sala-agente",
		"kind":      "outbound",
		"params":    map[string]string{"caller_id": "+5511"},
	})
	if code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", code, body)
	}
	snap := decodeInto[types.AgentSnapshot](t, body)
	if snap.Status != types.AgentRunning || snap.RoomName != "sala-agente" {
		t.Fatalf("snapshot = %+v", snap)
	}

	code, _ = f.do(t, http.MethodPost, "/agents", map[string]any{"room_name": "sala-agente"})
	if code != http.StatusConflict {
		t.Errorf("duplicate start status = %d, want 409", code)
	}

	// The in-process agent opens a session for its room.
	var sessionID string
	eventually(t, func() bool {
		var ok bool
		sessionID, ok = f.sessions.ByRoom("sala-agente")
		return ok
	}, "agent session opened")

	code, body = f.do(t, http.MethodGet, "/agents", nil)
	if code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	list := decodeInto[struct {
		Agents []types.AgentSnapshot `json:"agents"`
		Stats  supervisor.Stats      `json:"stats"`
	}](t, body)
	if len(list.Agents) != 1 || list.Stats.Active != 1 {
		t.Errorf("list = %+v", list)
	}

	if code, _ = f.do(t, http.MethodGet, "/agents/"+snap.ID, nil); code != http.StatusOK {
		t.Errorf("get status = %d", code)
	}

	code, body = f.do(t, http.MethodDelete, "/agents/"+snap.ID, nil)
	if code != http.StatusOK {
		t.Fatalf("stop status = %d, body %s", code, body)
	}
	stopped := decodeInto[types.AgentSnapshot](t, body)
	if stopped.Status != types.AgentStopped {
		t.Errorf("stopped status = %q", stopped.Status)
	}

	sum, err := f.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !sum.Closed || sum.CloseReason != dialogue.ReasonHangup {
		t.Errorf("agent session = %+v", sum)
	}

	// Removed agents stay reachable through history.
	code, body = f.do(t, http.MethodGet, "/agents/"+snap.ID, nil)
	if code != http.StatusOK || decodeInto[types.AgentSnapshot](t, body).Status != types.AgentStopped {
		t.Errorf("get after stop status = %d, body %s", code, body)
	}

	code, body = f.do(t, http.MethodGet, "/agents/history?room=sala-agente&status=stopped", nil)
	if code != http.StatusOK || !strings.Contains(string(body), snap.ID) {
		t.Errorf("history status = %d, body %s", code, body)
	}
}

func TestAPI_AgentFinishesWithSession(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	code, body := f.do(t, http.MethodPost, "/agents", map[string]any{"room_name": "curta"})
	if code != http.StatusCreated {
		t.Fatalf("start status = %d, body %s", code, body)
	}
	snap := decodeInto[types.AgentSnapshot](t, body)

	var sessionID string
	eventually(t, func() bool {
		var ok bool
		sessionID, ok = f.sessions.ByRoom("curta")
		return ok
	}, "agent session opened")

	code, _ = f.do(t, http.MethodPost, "/sessions/"+sessionID+"/turns", map[string]any{"text": "tchau"})
	if code != http.StatusOK {
		t.Fatalf("farewell status = %d", code)
	}

	eventually(t, func() bool {
		s, err := f.agents.Get(snap.ID)
		return err == nil && s.Status == types.AgentFinished
	}, "agent finished after farewell")
}

func TestAPI_AgentValidation(t *testing.T) {
	t.Parallel()
	f := newLimitedAPIFixture(t, 1)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing room", map[string]any{"kind": "room"}, http.StatusBadRequest},
		{"bad kind", map[string]any{"room_name": "r", "kind": "fax"}, http.StatusBadRequest},
		{"first", map[string]any{"room_name": "r1"}, http.StatusCreated},
		{"over limit", map[string]any{"room_name": "r2"}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		code, body := f.do(t, http.MethodPost, "/agents", tt.body)
		if code != tt.want {
			t.Errorf("%s: status = %d, want %d (body %s)", tt.name, code, tt.want, body)
		}
	}

	if code, _ := f.do(t, http.MethodDelete, "/agents/unknown", nil); code != http.StatusNotFound {
		t.Errorf("stop unknown status = %d, want 404", code)
	}
}

func TestAPI_SessionStream(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)

	_, body := f.do(t, http.MethodPost, "/sessions", map[string]any{"room_name": "ws"})
	id := decodeInto[openResponse](t, body).Session.ID

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/sessions/" + id + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	send := func(text string) {
		data, _ := json.Marshal(transport.Frame{Type: transport.FrameUtterance, Text: text})
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	recv := func() transport.Frame {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		return decodeInto[transport.Frame](t, data)
	}

	send("conta uma piada")
	if fr := recv(); fr.Type != transport.FrameReply || fr.Function != "joke" || fr.Text == "" {
		t.Errorf("reply frame = %+v", fr)
	}

	send("tchau")
	fr := recv()
	if fr.Type != transport.FrameReply || !fr.ShouldClose {
		t.Errorf("farewell frame = %+v", fr)
	}
	if fr := recv(); fr.Type != transport.FrameClosed {
		t.Errorf("final frame = %+v", fr)
	}
	_, _, err = conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v)", got, err)
	}

	sum, err := f.sessions.Get(id)
	if err != nil || !sum.Closed || sum.CloseReason != dialogue.ReasonFarewell {
		t.Errorf("session = %+v, err %v", sum, err)
	}
}

func TestAPI_SessionStreamOrigin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		opts    []app.APIOption
		origin  string
		wantErr bool
	}{
		{name: "foreign origin refused", origin: "https://evil.example", wantErr: true},
		{name: "allowed pattern", opts: []app.APIOption{app.WithOriginPatterns("*.voxline.test")}, origin: "https://app.voxline.test"},
		{name: "pattern does not widen", opts: []app.APIOption{app.WithOriginPatterns("*.voxline.test")}, origin: "https://evil.example", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newAPIFixture(t, tt.opts...)
			_, body := f.do(t, http.MethodPost, "/sessions", map[string]any{"room_name": "origin"})
			id := decodeInto[openResponse](t, body).Session.ID

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/sessions/" + id + "/ws"
			conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
				HTTPHeader: http.Header{"Origin": {tt.origin}},
			})
			if tt.wantErr {
				if err == nil {
					conn.CloseNow()
					t.Fatal("dial succeeded, want refusal")
				}
				if resp == nil || resp.StatusCode != http.StatusForbidden {
					t.Errorf("response = %+v, want 403", resp)
				}
				return
			}
			if err != nil {
				t.Fatalf("dial: %v", err)
			}
			conn.CloseNow()
		})
	}
}

func TestAPI_SessionStreamUnknownSession(t *testing.T) {
	t.Parallel()
	f := newAPIFixture(t)
	if code, _ := f.do(t, http.MethodGet, "/sessions/missing/ws", nil); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}
