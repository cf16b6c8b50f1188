package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"listener-calls/internal/auth"
	"listener-calls/pkg/logger"
	"listener-calls/internal/presence"
	"listener-calls/internal/session"
	"listener-calls/internal/signal"
)

type fakeSessions struct {
	mu          sync.Mutex
	ops         []string
	initiate    error
	disconnects chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{disconnects: make(chan string, 4)}
}

func (f *fakeSessions) record(op string) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
}

func (f *fakeSessions) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func (f *fakeSessions) UserJoin(_ context.Context, userID string, conn presence.Conn) error {
	f.record("user:join:" + userID)
	return conn.Send(signal.UserOnline{UserID: userID})
}

func (f *fakeSessions) ListenerJoin(_ context.Context, id string, _ presence.Conn) error {
	f.record("listener:join:" + id)
	return nil
}

func (f *fakeSessions) ListenerOffline(_ context.Context, id string) error {
	f.record("listener:offline:" + id)
	return nil
}

func (f *fakeSessions) Initiate(_ context.Context, callerID string, _ presence.Conn, msg signal.CallInitiate) error {
	f.record("call:initiate:" + callerID + ":" + msg.CallID)
	return f.initiate
}

func (f *fakeSessions) Accept(context.Context, string, signal.CallAccept) error { return nil }
func (f *fakeSessions) Reject(context.Context, string, signal.CallReject) error { return nil }
func (f *fakeSessions) Joined(context.Context, string, signal.CallJoined) error { return nil }
func (f *fakeSessions) Left(context.Context, string, signal.CallLeft) error     { return nil }

func (f *fakeSessions) Cancel(_ context.Context, callerID, callID string) error {
	f.record("call:cancel:" + callerID + ":" + callID)
	return nil
}

func (f *fakeSessions) End(_ context.Context, userID string, msg signal.CallEnd) error {
	f.record("call:end:" + userID + ":" + msg.CallID)
	return session.ErrUnknownCall
}

func (f *fakeSessions) Disconnect(_ context.Context, userID string, _ presence.Conn) error {
	f.disconnects <- userID
	return nil
}

func newServer(t *testing.T, s Sessions, userID, role string) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(s, nil, logger.Discard())
	r.GET("/ws", func(c *gin.Context) {
		c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), userID, role))
		c.Next()
	}, h.Serve)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, _ := json.Marshal(signal.Envelope{Type: typ, Data: raw})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) signal.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env signal.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return env
}

func TestServe_UserJoinUsesTokenIdentity(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	write(t, conn, signal.TypeUserJoin, map[string]string{"userId": "u1"})
	env := read(t, conn)
	if env.Type != signal.EventUserOnline {
		t.Fatalf("expected %s, got %s", signal.EventUserOnline, env.Type)
	}
	if got := s.seen(); len(got) != 1 || got[0] != "user:join:u1" {
		t.Fatalf("unexpected ops %v", got)
	}
}

func TestServe_RejectsForeignPayloadIdentity(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	write(t, conn, signal.TypeUserJoin, map[string]string{"userId": "someone-else"})
	env := read(t, conn)
	if env.Type != signal.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	if got := s.seen(); len(got) != 0 {
		t.Fatalf("session should not be touched, got %v", got)
	}
}

func TestServe_ListenerJoinRequiresListenerRole(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	write(t, conn, signal.TypeListenerJoin, map[string]string{})
	if env := read(t, conn); env.Type != signal.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
}

func TestServe_BadFrameReportsError(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if env := read(t, conn); env.Type != signal.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	write(t, conn, "call:teleport", map[string]string{})
	if env := read(t, conn); env.Type != signal.EventError {
		t.Fatalf("expected error event for unknown type, got %s", env.Type)
	}
}

func TestServe_SessionErrorsSurfaceUnlessAlreadyReported(t *testing.T) {
	s := newFakeSessions()
	s.initiate = session.ErrListenerBusy
	conn := dial(t, newServer(t, s, "u1", "user"))

	write(t, conn, signal.TypeCallInitiate, map[string]string{"callId": "c1", "listenerId": "l1"})
	// busy is conveyed by the session itself; the next frame is the End error
	write(t, conn, signal.TypeCallEnd, map[string]string{"callId": "c1"})
	env := read(t, conn)
	if env.Type != signal.EventError {
		t.Fatalf("expected error event, got %s", env.Type)
	}
	var body signal.Error
	_ = json.Unmarshal(env.Data, &body)
	if body.Message != session.ErrUnknownCall.Error() {
		t.Fatalf("unexpected error message %q", body.Message)
	}
}

func TestServe_CancelUsesTokenIdentity(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	write(t, conn, signal.TypeCallCancel, map[string]string{"callId": "c9"})
	write(t, conn, signal.TypeCallEnd, map[string]string{"callId": "c9"})
	if env := read(t, conn); env.Type != signal.EventError {
		t.Fatalf("expected error event from end, got %s", env.Type)
	}
	got := s.seen()
	if len(got) != 2 || got[0] != "call:cancel:u1:c9" {
		t.Fatalf("unexpected ops %v", got)
	}
}

func TestServe_CloseTriggersDisconnect(t *testing.T) {
	s := newFakeSessions()
	conn := dial(t, newServer(t, s, "u1", "user"))

	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = conn.Close()

	select {
	case who := <-s.disconnects:
		if who != "u1" {
			t.Fatalf("disconnect for %q", who)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
}
