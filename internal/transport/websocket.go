package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/dialogue"
)

// Frame types exchanged over a websocket session.
const (
	FrameUtterance = "utterance"
	FrameHangup    = "hangup"
	FrameGreeting  = "greeting"
	FrameReply     = "reply"
	FrameClosed    = "closed"
	FrameError     = "error"
)

// Frame is the JSON envelope of every websocket message. Clients send
// "utterance" and "hangup" frames; the server sends "greeting", "reply",
// "error" and "closed".
type Frame struct {
	Type          string `json:"type"`
	SessionID     string `json:"session_id,omitempty"`
	Text          string `json:"text,omitempty"`
	ParticipantID string `json:"participant_id,omitempty"`
	Mode          string `json:"mode,omitempty"`
	Function      string `json:"function,omitempty"`
	ShouldClose   bool   `json:"should_close,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// WebSocket is a session stream over one websocket connection, accepted from
// a client or dialled to a room bridge. It implements [Source], [Speaker]
// and [ReplyWriter].
type WebSocket struct {
	conn *websocket.Conn

	// writeMu serialises frame writes; coder/websocket allows one writer.
	writeMu   sync.Mutex
	greeted   bool
	hungUp    bool
	closeOnce sync.Once
}

var (
	_ Source      = (*WebSocket)(nil)
	_ Speaker     = (*WebSocket)(nil)
	_ ReplyWriter = (*WebSocket)(nil)
)

// Accept upgrades an HTTP request to a websocket session stream.
func Accept(w http.ResponseWriter, r *http.Request, opts *websocket.AcceptOptions) (*WebSocket, error) {
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket accept: %w", err)
	}
	return NewWebSocket(conn), nil
}

// Dial connects to a room bridge at url. The bridge plays the client role of
// the frame protocol: it sends utterances and receives replies.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (*WebSocket, error) {
	conn, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket dial %s: %w", url, err)
	}
	return NewWebSocket(conn), nil
}

// NewWebSocket wraps an established connection.
func NewWebSocket(conn *websocket.Conn) *WebSocket {
	return &WebSocket{conn: conn}
}

// Next reads frames until an utterance or a hang-up arrives. Unknown frame
// types are answered with an error frame and skipped. A normal close from
// the client and a hangup frame are both reported as [io.EOF].
func (ws *WebSocket) Next(ctx context.Context) (Utterance, error) {
	for {
		_, data, err := ws.conn.Read(ctx)
		if err != nil {
			if isRemoteClose(err) {
				ws.markHungUp()
				return Utterance{}, io.EOF
			}
			return Utterance{}, err
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("websocket: malformed frame", "err", err)
			ws.writeError(ctx, "malformed frame")
			continue
		}
		switch f.Type {
		case FrameUtterance:
			return Utterance{SessionID: f.SessionID, Text: f.Text, ParticipantID: f.ParticipantID}, nil
		case FrameHangup:
			return Utterance{}, io.EOF
		default:
			ws.writeError(ctx, fmt.Sprintf("unsupported frame type %q", f.Type))
		}
	}
}

// Speak sends text as a greeting frame the first time and as a reply frame
// afterwards.
func (ws *WebSocket) Speak(ctx context.Context, sessionID, text string) error {
	ws.writeMu.Lock()
	typ := FrameReply
	if !ws.greeted {
		typ = FrameGreeting
		ws.greeted = true
	}
	ws.writeMu.Unlock()
	return ws.writeFrame(ctx, Frame{Type: typ, SessionID: sessionID, Text: text})
}

// WriteReply sends the complete turn result as a reply frame.
func (ws *WebSocket) WriteReply(ctx context.Context, sessionID string, reply dialogue.Reply) error {
	ws.writeMu.Lock()
	ws.greeted = true
	ws.writeMu.Unlock()
	return ws.writeFrame(ctx, Frame{
		Type:        FrameReply,
		SessionID:   sessionID,
		Text:        reply.Text,
		Mode:        reply.Mode,
		Function:    reply.Function,
		ShouldClose: reply.ShouldClose,
		Reason:      reply.Reason,
	})
}

// Close sends a closed frame and closes the connection normally. It is
// idempotent.
func (ws *WebSocket) Close(ctx context.Context, sessionID string) error {
	var err error
	ws.closeOnce.Do(func() {
		ws.writeMu.Lock()
		hungUp := ws.hungUp
		ws.writeMu.Unlock()
		if hungUp {
			_ = ws.conn.CloseNow()
			return
		}
		if werr := ws.writeFrame(ctx, Frame{Type: FrameClosed, SessionID: sessionID}); werr != nil {
			slog.Debug("websocket: closed frame not delivered", "session_id", sessionID, "err", werr)
		}
		err = ws.conn.Close(websocket.StatusNormalClosure, "session closed")
		if isRemoteClose(err) {
			err = nil
		}
	})
	return err
}

// Abort closes the connection with an internal-error status without
// sending a closed frame.
func (ws *WebSocket) Abort(reason string) {
	ws.closeOnce.Do(func() {
		_ = ws.conn.Close(websocket.StatusInternalError, reason)
	})
}

func (ws *WebSocket) markHungUp() {
	ws.writeMu.Lock()
	ws.hungUp = true
	ws.writeMu.Unlock()
}

func (ws *WebSocket) writeError(ctx context.Context, msg string) {
	if err := ws.writeFrame(ctx, Frame{Type: FrameError, Error: msg}); err != nil {
		slog.Debug("websocket: error frame not delivered", "err", err)
	}
}

func (ws *WebSocket) writeFrame(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("transport: marshal frame: %w", err)
	}
	ws.writeMu.Lock()
	defer ws.writeMu.Unlock()
	return ws.conn.Write(ctx, websocket.MessageText, data)
}

func isRemoteClose(err error) bool {
	if err == nil {
		return false
	}
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF)
}
