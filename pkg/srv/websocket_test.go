package srv

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/jwe/jwetest"
	"github.com/codeGROOVE-dev/parlor/pkg/security"
)

const testSecret = "websocket-test-secret"

type testServer struct {
	*fixture
	srv     *httptest.Server
	limiter *security.ConnectionLimiter
}

func newTestServer(t *testing.T, opts ...HandlerOption) *testServer {
	t.Helper()
	f := newFixture(t, nil)
	a, err := auth.New(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	limiter := security.NewConnectionLimiter(10, 100)
	ctx, cancel := context.WithCancel(context.Background())
	go f.hub.Run(ctx)

	h := NewWebSocketHandler(f.hub, a, limiter, f.presence, f.rooms, f.pipeline, opts...)
	mux := http.NewServeMux()
	mux.Handle("/ws", h)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		f.hub.Wait()
		limiter.Stop()
	})
	return &testServer{fixture: f, srv: srv, limiter: limiter}
}

func sessionCookie(t *testing.T, userID string) string {
	t.Helper()
	token := jwetest.Seal(t, map[string]any{
		"sub":   userID,
		"name":  strings.ToUpper(userID[:1]) + userID[1:],
		"email": userID + "@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, testSecret)
	return "authjs.session-token=" + token
}

func (ts *testServer) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/ws"
	cfg, err := websocket.NewConfig(wsURL, ts.srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Header.Set("Cookie", sessionCookie(t, userID))
	ws, err := websocket.DialConfig(cfg)
	if err != nil {
		t.Fatalf("dial as %s: %v", userID, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	connected := readUntil(t, ws, func(r received) bool { return r.Event == EventConnected })
	if got := decode[map[string]string](t, connected)["userId"]; got != userID {
		t.Fatalf("connected as %q, want %q", got, userID)
	}
	return ws
}

func emit(t *testing.T, ws *websocket.Conn, event string, id int64, data any) {
	t.Helper()
	frame := map[string]any{"event": event, "data": data}
	if id != 0 {
		frame["id"] = id
	}
	if err := websocket.JSON.Send(ws, frame); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// readUntil reads frames until match returns true.
func readUntil(t *testing.T, ws *websocket.Conn, match func(received) bool) received {
	t.Helper()
	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for {
		var raw json.RawMessage
		if err := websocket.JSON.Receive(ws, &raw); err != nil {
			t.Fatalf("read: %v", err)
		}
		var r received
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("bad frame %s: %v", raw, err)
		}
		if match(r) {
			return r
		}
	}
}

func ackWithID(id int64) func(received) bool {
	return func(r received) bool { return r.Event == EventAck && r.ID != nil && *r.ID == id }
}

func TestWebSocketRejectsBeforeUpgrade(t *testing.T) {
	ts := newTestServer(t)
	h := NewWebSocketHandler(ts.hub, mustAuth(t, testSecret), ts.limiter, ts.presence, ts.rooms, ts.pipeline)

	tests := []struct {
		name   string
		cookie string
	}{
		{name: "no cookie", cookie: ""},
		{name: "unrelated cookie", cookie: "theme=dark"},
		{name: "malformed token", cookie: "authjs.session-token=abc.def"},
		{name: "wrong secret", cookie: "authjs.session-token=" + jwetest.Seal(t, map[string]any{"sub": "alice"}, "other-secret")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
			if tt.cookie != "" {
				r.Header.Set("Cookie", tt.cookie)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)
			if w.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", w.Code)
			}
			if strings.Contains(w.Body.String(), "abc.def") {
				t.Error("response echoes the token")
			}
		})
	}
	if ts.hub.ClientCount() != 0 {
		t.Errorf("rejected requests registered %d clients", ts.hub.ClientCount())
	}
}

func TestWebSocketNoSecretConfigured(t *testing.T) {
	ts := newTestServer(t)
	h := NewWebSocketHandler(ts.hub, mustAuth(t, ""), ts.limiter, ts.presence, ts.rooms, ts.pipeline)
	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	r.Header.Set("Cookie", sessionCookie(t, "alice"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "not configured") {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestWebSocketConnectionLimit(t *testing.T) {
	ts := newTestServer(t)
	limiter := security.NewConnectionLimiter(1, 10)
	defer limiter.Stop()
	h := NewWebSocketHandler(ts.hub, mustAuth(t, testSecret), limiter, ts.presence, ts.rooms, ts.pipeline)

	r := httptest.NewRequest(http.MethodGet, "/ws", http.NoBody)
	r.Header.Set("Cookie", sessionCookie(t, "alice"))
	if !limiter.Add(security.ClientIP(r)) {
		t.Fatal("Add() failed")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
}

func TestWebSocketConversation(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")
	bob := ts.dial(t, "bob")

	emit(t, alice, EventJoin, 0, map[string]string{"conversationId": "c1"})
	emit(t, alice, EventSend, 1, map[string]any{"conversationId": "c1", "content": "hi", "messageType": "text"})

	ack := readUntil(t, alice, ackWithID(1))
	var data struct {
		Message MessagePayload `json:"message"`
		OK      bool           `json:"ok"`
	}
	if err := json.Unmarshal(ack.Data, &data); err != nil {
		t.Fatal(err)
	}
	if !data.OK || data.Message.Content == nil || *data.Message.Content != "hi" || data.Message.Sender.Name != "Alice" {
		t.Errorf("ack = %s", ack.Data)
	}

	up := decode[ConversationUpdate](t, readUntil(t, bob, func(r received) bool { return r.Event == EventConversationUpdated }))
	if up.ConversationID != "c1" || up.UnreadCount != 1 || up.LastMessage != "hi" {
		t.Errorf("update = %+v", up)
	}

	// bob joins, which reads the message; alice hears about it when bob marks read.
	emit(t, bob, EventJoin, 0, map[string]string{"conversationId": "c1"})
	emit(t, bob, EventTyping, 0, map[string]string{"conversationId": "c1"})
	typing := decode[TypingNotice](t, readUntil(t, alice, func(r received) bool { return r.Event == EventTyping }))
	if typing.UserID != "bob" || typing.UserName != "Bob" {
		t.Errorf("typing = %+v", typing)
	}
	emit(t, bob, EventRead, 0, map[string]string{"conversationId": "c1"})
	rr := decode[ReadReceipt](t, readUntil(t, alice, func(r received) bool { return r.Event == EventRead }))
	if rr.ReadBy != "bob" {
		t.Errorf("receipt = %+v", rr)
	}
	conv, _ := ts.store.Conversation(context.Background(), "c1")
	if conv.Unread2 != 0 {
		t.Errorf("bob unread = %d after read", conv.Unread2)
	}
}

func TestWebSocketNonParticipant(t *testing.T) {
	ts := newTestServer(t)
	mallory := ts.dial(t, "mallory")

	emit(t, mallory, EventJoin, 0, map[string]string{"conversationId": "c1"})
	emit(t, mallory, EventSend, 7, map[string]any{"conversationId": "c1", "content": "let me in"})
	ack := decode[Ack](t, readUntil(t, mallory, ackWithID(7)))
	if ack.Error != CodeForbidden || ack.OK {
		t.Errorf("ack = %+v", ack)
	}
	// The refused join produced nothing but the ack above.
	if ts.hub.ChannelSize(ConversationChannel("c1")) != 0 {
		t.Error("mallory was joined to c1")
	}
}

func TestWebSocketBadInput(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.dial(t, "alice")

	if err := websocket.Message.Send(alice, "not json"); err != nil {
		t.Fatal(err)
	}
	emit(t, alice, EventSend, 2, "a string, not an object")
	ack := decode[Ack](t, readUntil(t, alice, ackWithID(2)))
	if ack.Error != CodeInvalidMessage {
		t.Errorf("ack = %+v", ack)
	}
	emit(t, alice, "message:explode", 3, map[string]string{})
	if ack := decode[Ack](t, readUntil(t, alice, ackWithID(3))); ack.Error != CodeUnknownEvent {
		t.Errorf("unknown event ack = %+v", ack)
	}

	// The connection survives and answers keepalives.
	if err := websocket.JSON.Send(alice, map[string]any{"type": "ping", "seq": 9}); err != nil {
		t.Fatal(err)
	}
	var pong map[string]any
	if err := alice.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatal(err)
	}
	for pong["type"] != "pong" {
		pong = nil
		if err := websocket.JSON.Receive(alice, &pong); err != nil {
			t.Fatal(err)
		}
	}
	if pong["seq"] != float64(9) {
		t.Errorf("pong = %v", pong)
	}
}

func TestWebSocketPresenceAcrossConnections(t *testing.T) {
	ts := newTestServer(t)
	watcher := ts.dial(t, "mallory")
	b1 := ts.dial(t, "bob")
	status := decode[UserStatus](t, readUntil(t, watcher, statusOf(t, "bob")))
	if !status.IsOnline {
		t.Fatalf("status = %+v", status)
	}
	b2 := ts.dial(t, "bob")
	_ = b1.Close()
	waitFor(t, func() bool { return ts.presence.Connections("bob") == 1 })
	if !ts.presence.IsOnline("bob") {
		t.Fatal("bob went offline with a connection left")
	}
	_ = b2.Close()
	status = decode[UserStatus](t, readUntil(t, watcher, statusOf(t, "bob")))
	if status.IsOnline {
		t.Errorf("status = %+v, want bob offline", status)
	}
}

func TestWebSocketReadTimeoutReaps(t *testing.T) {
	ts := newTestServer(t, WithTimeouts(time.Hour, 150*time.Millisecond))
	ts.dial(t, "alice")
	// The client never answers; the read deadline must run the full disconnect path.
	waitFor(t, func() bool {
		return !ts.presence.IsOnline("alice") && ts.hub.ClientCount() == 0 && ts.limiter.Active() == 0
	})
}

func statusOf(t *testing.T, userID string) func(received) bool {
	return func(r received) bool {
		return r.Event == EventUserStatus && decode[UserStatus](t, r).UserID == userID
	}
}

func mustAuth(t *testing.T, secret string) *auth.Authenticator {
	t.Helper()
	a, err := auth.New(secret)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
