package transport_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxline/internal/dialogue"
	"github.com/MrWong99/voxline/internal/transport"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startLoopServer serves one transport.Loop per websocket connection and
// reports each loop's close reason on the returned channel.
func startLoopServer(t *testing.T, greeting string, turn transport.TurnFunc) (*httptest.Server, <-chan string) {
	t.Helper()
	reasons := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := transport.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		reason, err := transport.Loop{
			SessionID: "s1",
			Greeting:  greeting,
			Source:    ws,
			Speaker:   ws,
			Turn:      turn,
		}.Run(r.Context())
		if err != nil {
			t.Logf("loop: %v", err)
		}
		reasons <- reason
	}))
	t.Cleanup(srv.Close)
	return srv, reasons
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) transport.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f transport.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f transport.Frame) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(f)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// expectClose reads until the server's close handshake completes.
func expectClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	if got := websocket.CloseStatus(err); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v (err %v), want normal closure", got, err)
	}
}

func TestWebSocket_Conversation(t *testing.T) {
	t.Parallel()
	srv, reasons := startLoopServer(t, "Olá!", func(_ context.Context, u transport.Utterance) (dialogue.Reply, error) {
		if strings.Contains(u.Text, "tchau") {
			return dialogue.Reply{Text: "Até logo!", ShouldClose: true, Reason: dialogue.ReasonFarewell, Mode: "friend"}, nil
		}
		return dialogue.Reply{Text: "São 14:00", Mode: "friend", Function: "time"}, nil
	})
	conn := dial(t, srv)

	if f := readFrame(t, conn); f.Type != transport.FrameGreeting || f.Text != "Olá!" {
		t.Fatalf("greeting frame = %+v", f)
	}

	writeFrame(t, conn, transport.Frame{Type: transport.FrameUtterance, Text: "que horas são", ParticipantID: "p1"})
	f := readFrame(t, conn)
	if f.Type != transport.FrameReply || f.Text != "São 14:00" || f.Function != "time" || f.Mode != "friend" {
		t.Errorf("reply frame = %+v", f)
	}

	writeFrame(t, conn, transport.Frame{Type: transport.FrameUtterance, Text: "tchau"})
	f = readFrame(t, conn)
	if !f.ShouldClose || f.Reason != dialogue.ReasonFarewell {
		t.Errorf("farewell frame = %+v", f)
	}
	if f := readFrame(t, conn); f.Type != transport.FrameClosed {
		t.Errorf("final frame = %+v, want closed", f)
	}
	expectClose(t, conn)

	select {
	case r := <-reasons:
		if r != dialogue.ReasonFarewell {
			t.Errorf("reason = %q", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not finish")
	}
}

func TestWebSocket_UnknownFrameIsRejected(t *testing.T) {
	t.Parallel()
	srv, _ := startLoopServer(t, "", echo)
	conn := dial(t, srv)

	writeFrame(t, conn, transport.Frame{Type: "dance"})
	if f := readFrame(t, conn); f.Type != transport.FrameError || !strings.Contains(f.Error, "dance") {
		t.Errorf("frame = %+v, want error", f)
	}

	// The session survives the bad frame.
	writeFrame(t, conn, transport.Frame{Type: transport.FrameUtterance, Text: "oi"})
	if f := readFrame(t, conn); f.Type != transport.FrameReply || f.Text != "eco: oi" {
		t.Errorf("frame = %+v", f)
	}
}

func TestWebSocket_HangupFrame(t *testing.T) {
	t.Parallel()
	srv, reasons := startLoopServer(t, "", echo)
	conn := dial(t, srv)

	writeFrame(t, conn, transport.Frame{Type: transport.FrameHangup})
	if f := readFrame(t, conn); f.Type != transport.FrameClosed {
		t.Errorf("frame = %+v, want closed", f)
	}
	expectClose(t, conn)
	select {
	case r := <-reasons:
		if r != dialogue.ReasonHangup {
			t.Errorf("reason = %q, want hangup", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not finish")
	}
}

func TestWebSocket_ClientClose(t *testing.T) {
	t.Parallel()
	srv, reasons := startLoopServer(t, "", echo)
	conn := dial(t, srv)

	if err := conn.Close(websocket.StatusNormalClosure, "bye"); err != nil {
		t.Logf("client close: %v", err)
	}
	select {
	case r := <-reasons:
		if r != dialogue.ReasonHangup {
			t.Errorf("reason = %q, want hangup", r)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("loop did not finish")
	}
}

func TestDial_AgentSide(t *testing.T) {
	t.Parallel()
	// The bridge pushes utterances and collects replies.
	got := make(chan transport.Frame, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		writeFrame(t, conn, transport.Frame{Type: transport.FrameUtterance, Text: "olá"})
		for range 2 {
			got <- readFrame(t, conn)
		}
		writeFrame(t, conn, transport.Frame{Type: transport.FrameHangup})
		// Drain until the agent's close handshake completes.
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, err := transport.Dial(ctx, wsURL(srv), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	reason, err := transport.Loop{SessionID: "a1", Greeting: "Oi!", Source: ws, Speaker: ws, Turn: echo}.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if reason != dialogue.ReasonHangup {
		t.Errorf("reason = %q", reason)
	}
	if f := <-got; f.Type != transport.FrameGreeting || f.Text != "Oi!" {
		t.Errorf("first frame = %+v", f)
	}
	if f := <-got; f.Type != transport.FrameReply || f.Text != "eco: olá" {
		t.Errorf("second frame = %+v", f)
	}
}
