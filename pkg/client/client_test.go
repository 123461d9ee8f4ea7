package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

const goodToken = "good-token"

type frame struct {
	msg  inbound
	conn int32
}

// mockServer speaks the server side of the protocol: it checks the session
// cookie before upgrading, confirms with "connected", answers pings and
// acknowledges message:send.
type mockServer struct {
	server       *httptest.Server
	url          string
	onConnection func(ws *websocket.Conn, n int32)
	received     chan frame
	connections  atomic.Int32
}

func newMockServer(t *testing.T) *mockServer {
	t.Helper()
	m := &mockServer{received: make(chan frame, 100)}
	m.onConnection = m.serve

	ws := websocket.Server{
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			m.onConnection(ws, m.connections.Add(1))
		},
	}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("authjs.session-token"); err != nil || c.Value != goodToken {
			http.Error(w, "401 Unauthorized: invalid session", http.StatusUnauthorized)
			return
		}
		ws.ServeHTTP(w, r)
	}))
	t.Cleanup(m.server.Close)
	m.url = "ws" + strings.TrimPrefix(m.server.URL, "http") + "/ws"
	return m
}

func (m *mockServer) serve(ws *websocket.Conn, n int32) {
	if !confirm(ws) {
		return
	}
	for {
		var msg inbound
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return
		}
		m.received <- frame{conn: n, msg: msg}
		switch {
		case msg.Type == "ping":
			if websocket.JSON.Send(ws, map[string]any{"type": "pong", "seq": msg.Seq}) != nil {
				return
			}
		case msg.Event == EventSend && msg.ID != nil:
			var req SendRequest
			_ = json.Unmarshal(msg.Data, &req) //nolint:errcheck // test server
			ack := map[string]any{"ok": true, "message": map[string]any{
				"id": "m1", "conversationId": req.ConversationID, "senderId": "alice",
				"content": req.Content, "messageType": "text", "sender": map[string]string{"id": "alice", "name": "Alice"},
			}}
			if req.ConversationID == "nope" {
				ack = map[string]any{"error": "forbidden", "message": "Not a participant"}
			}
			if websocket.JSON.Send(ws, map[string]any{"event": "ack", "id": *msg.ID, "data": ack}) != nil {
				return
			}
		}
	}
}

func confirm(ws *websocket.Conn) bool {
	return websocket.JSON.Send(ws, map[string]any{"event": "connected", "data": map[string]string{"userId": "alice"}}) == nil
}

// expectFrame waits for a frame the server received that matches.
func (m *mockServer) expectFrame(t *testing.T, match func(frame) bool) frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-m.received:
			if match(f) {
				return f
			}
		case <-timeout:
			t.Fatal("expected frame not received")
			return frame{}
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// start runs c until the test ends and returns a channel of connected user ids.
func start(t *testing.T, cfg Config) (*Client, <-chan string, <-chan error) {
	t.Helper()
	connected := make(chan string, 10)
	cfg.OnConnect = func(userID string) { connected <- userID }
	if cfg.Logger == nil {
		cfg.Logger = quietLogger()
	}
	if cfg.Token == "" && cfg.TokenProvider == nil {
		cfg.Token = goodToken
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		c.Stop()
	})
	return c, connected, done
}

func waitConnected(t *testing.T, connected <-chan string) string {
	t.Helper()
	select {
	case id := <-connected:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return ""
	}
}

func text(s string) *string { return &s }

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no url", cfg: Config{Token: "t"}},
		{name: "http url", cfg: Config{ServerURL: "http://localhost/ws", Token: "t"}},
		{name: "no token", cfg: Config{ServerURL: "ws://localhost/ws"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() succeeded, want error")
			}
		})
	}
}

func TestNewDefaults(t *testing.T) {
	tests := []struct {
		url, cookie, origin string
	}{
		{url: "ws://localhost:8080/ws", cookie: "authjs.session-token", origin: "http://localhost/"},
		{url: "wss://chat.example.com/ws", cookie: "__Secure-authjs.session-token", origin: "https://localhost/"},
	}
	for _, tt := range tests {
		c, err := New(Config{ServerURL: tt.url, Token: "t"})
		if err != nil {
			t.Fatal(err)
		}
		if c.config.CookieName != tt.cookie || c.config.Origin != tt.origin {
			t.Errorf("%s: cookie %q origin %q", tt.url, c.config.CookieName, c.config.Origin)
		}
		if c.config.AckTimeout != 10*time.Second || c.config.PingInterval != 30*time.Second {
			t.Errorf("%s: timeouts %v/%v", tt.url, c.config.AckTimeout, c.config.PingInterval)
		}
	}
}

// TestStopMultipleCalls verifies that calling Stop() multiple times is safe
// and doesn't panic with "close of closed channel".
func TestStopMultipleCalls(t *testing.T) {
	client, err := New(Config{
		ServerURL:   "ws://localhost:1/ws",
		Token:       "test-token",
		NoReconnect: true,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = client.Start(ctx) //nolint:errcheck // expected to fail to connect
	}()
	time.Sleep(10 * time.Millisecond)

	var wg sync.WaitGroup
	for range 10 {
		wg.Go(client.Stop)
	}
	wg.Wait()
}

// TestStopBeforeStart verifies that calling Stop() before Start() is safe.
func TestStopBeforeStart(t *testing.T) {
	client, err := New(Config{
		ServerURL:   "ws://localhost:1/ws",
		Token:       "test-token",
		NoReconnect: true,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	client.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := client.Start(ctx); err == nil {
		t.Error("Expected Start() to fail after Stop(), but it succeeded")
	}
}

func TestClientSendAck(t *testing.T) {
	m := newMockServer(t)
	c, connected, _ := start(t, Config{ServerURL: m.url, NoReconnect: true})
	if id := waitConnected(t, connected); id != "alice" || c.UserID() != "alice" {
		t.Fatalf("connected as %q / %q", id, c.UserID())
	}

	ctx := context.Background()
	msg, err := c.Send(ctx, SendRequest{ConversationID: "c1", Content: text("hi")})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg.ID != "m1" || *msg.Content != "hi" || msg.Sender.Name != "Alice" {
		t.Errorf("message = %+v", msg)
	}

	_, err = c.Send(ctx, SendRequest{ConversationID: "nope", Content: text("hi")})
	var ackErr *AckError
	if !errors.As(err, &ackErr) || ackErr.Code != "forbidden" || ackErr.Message != "Not a participant" {
		t.Errorf("Send() to a foreign conversation = %v", err)
	}
}

func TestClientEmitsRoomEvents(t *testing.T) {
	m := newMockServer(t)
	c, connected, _ := start(t, Config{ServerURL: m.url, NoReconnect: true})
	waitConnected(t, connected)

	ctx := context.Background()
	steps := []struct {
		event string
		call  func() error
	}{
		{EventJoin, func() error { return c.Join(ctx, "c1") }},
		{EventTyping, func() error { return c.Typing(ctx, "c1") }},
		{EventRead, func() error { return c.MarkRead(ctx, "c1") }},
		{EventLeave, func() error { return c.Leave(ctx, "c1") }},
	}
	for _, s := range steps {
		if err := s.call(); err != nil {
			t.Fatalf("%s: %v", s.event, err)
		}
		f := m.expectFrame(t, func(f frame) bool { return f.msg.Event != "" })
		if f.msg.Event != s.event || f.msg.ID != nil || !strings.Contains(string(f.msg.Data), `"conversationId":"c1"`) {
			t.Errorf("frame = %s %s", f.msg.Event, f.msg.Data)
		}
	}
	c.mu.RLock()
	joined := len(c.joined)
	c.mu.RUnlock()
	if joined != 0 {
		t.Errorf("%d rooms still remembered after Leave", joined)
	}
}

func TestClientReceivesEvents(t *testing.T) {
	m := newMockServer(t)
	m.onConnection = func(ws *websocket.Conn, _ int32) {
		if !confirm(ws) {
			return
		}
		_ = websocket.JSON.Send(ws, map[string]any{ //nolint:errcheck // test server
			"event": EventMessageNew,
			"data":  map[string]any{"id": "m9", "conversationId": "c1", "senderId": "bob", "content": "yo"},
		})
		_ = websocket.Message.Send(ws, "{not json") //nolint:errcheck // test server
		_ = websocket.JSON.Send(ws, map[string]any{ //nolint:errcheck // test server
			"event": EventUserStatus,
			"data":  map[string]any{"userId": "bob", "isOnline": true},
		})
		var discard inbound
		_ = websocket.JSON.Receive(ws, &discard) //nolint:errcheck // hold the connection open
	}

	messages := make(chan Message, 1)
	all := make(chan string, 10)
	c, err := New(Config{ServerURL: m.url, Token: goodToken, NoReconnect: true, Logger: quietLogger(),
		OnEvent: func(e Event) { all <- e.Name },
	})
	if err != nil {
		t.Fatal(err)
	}
	c.On(EventMessageNew, func(e Event) {
		var msg Message
		if err := e.Decode(&msg); err != nil {
			t.Error(err)
		}
		messages <- msg
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }() //nolint:errcheck // stopped below
	defer c.Stop()

	select {
	case msg := <-messages:
		if msg.ID != "m9" || msg.SenderID != "bob" || *msg.Content != "yo" {
			t.Errorf("message = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message:new not delivered")
	}
	// The malformed frame is skipped; the connection keeps working.
	for _, want := range []string{EventMessageNew, EventUserStatus} {
		select {
		case got := <-all:
			if got != want {
				t.Errorf("event = %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
}

func TestClientPingPong(t *testing.T) {
	m := newMockServer(t)
	pong := make(chan inbound, 1)
	m.onConnection = func(ws *websocket.Conn, _ int32) {
		if !confirm(ws) || websocket.JSON.Send(ws, map[string]any{"type": "ping", "seq": 7}) != nil {
			return
		}
		for {
			var msg inbound
			if err := websocket.JSON.Receive(ws, &msg); err != nil {
				return
			}
			if msg.Type == "pong" {
				pong <- msg
			}
			if msg.Type == "ping" {
				m.received <- frame{msg: msg}
			}
		}
	}
	_, connected, _ := start(t, Config{ServerURL: m.url, NoReconnect: true, PingInterval: 50 * time.Millisecond})
	waitConnected(t, connected)

	select {
	case msg := <-pong:
		if seq, ok := msg.Seq.(float64); !ok || seq != 7 {
			t.Errorf("pong seq = %v", msg.Seq)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no pong for server ping")
	}
	m.expectFrame(t, func(f frame) bool { return f.msg.Type == "ping" })
}

func TestClientRejoinsAfterReconnect(t *testing.T) {
	m := newMockServer(t)
	m.onConnection = func(ws *websocket.Conn, n int32) {
		if n == 1 {
			// First connection: confirm, take the join, then drop.
			if !confirm(ws) {
				return
			}
			var msg inbound
			if websocket.JSON.Receive(ws, &msg) == nil {
				m.received <- frame{conn: n, msg: msg}
			}
			return
		}
		m.serve(ws, n)
	}

	disconnects := make(chan error, 10)
	_, connected, _ := start(t, Config{
		ServerURL:     m.url,
		Conversations: []string{"c1"},
		MaxBackoff:    50 * time.Millisecond,
		OnDisconnect:  func(err error) { disconnects <- err },
	})
	waitConnected(t, connected)
	waitConnected(t, connected)

	for _, n := range []int32{1, 2} {
		f := m.expectFrame(t, func(f frame) bool { return f.conn == n && f.msg.Event == EventJoin })
		if !strings.Contains(string(f.msg.Data), `"c1"`) {
			t.Errorf("connection %d joined %s", n, f.msg.Data)
		}
	}
	if len(disconnects) == 0 {
		t.Error("OnDisconnect not called")
	}
}

func TestClientAuthenticationError(t *testing.T) {
	m := newMockServer(t)
	client, err := New(Config{ServerURL: m.url, Token: "bad-token", Logger: quietLogger()})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Unlimited retries: only an unrecoverable error ends Start early.
	err = client.Start(ctx)
	var authErr *AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("Start() = %T %v, want *AuthenticationError", err, err)
	}
	if !strings.Contains(err.Error(), "401") || strings.Contains(err.Error(), "bad-token") {
		t.Errorf("error = %q", err)
	}
	if m.connections.Load() != 0 {
		t.Error("rejected client reached the websocket handler")
	}
}

func TestHandleDialError(t *testing.T) {
	c, err := New(Config{ServerURL: "ws://localhost:1/ws", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	err = c.handleDialError(context.Background(), errors.New("connection refused"), "t")
	var authErr *AuthenticationError
	if errors.As(err, &authErr) || !strings.Contains(err.Error(), "dial:") {
		t.Errorf("handleDialError() = %v", err)
	}
}

func TestRequestNotConnected(t *testing.T) {
	c, err := New(Config{ServerURL: "ws://localhost:1/ws", Token: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Request(context.Background(), EventSend, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Request() = %v, want ErrNotConnected", err)
	}
	if err := c.Emit(context.Background(), EventTyping, nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit() = %v, want ErrNotConnected", err)
	}
}

func TestRequestDisconnected(t *testing.T) {
	m := newMockServer(t)
	m.onConnection = func(ws *websocket.Conn, _ int32) {
		if !confirm(ws) {
			return
		}
		var msg inbound
		_ = websocket.JSON.Receive(ws, &msg) //nolint:errcheck // drop without acknowledging
	}
	c, connected, _ := start(t, Config{ServerURL: m.url, NoReconnect: true})
	waitConnected(t, connected)

	_, err := c.Send(context.Background(), SendRequest{ConversationID: "c1", Content: text("hi")})
	if !errors.Is(err, ErrDisconnected) {
		t.Errorf("Send() = %v, want ErrDisconnected", err)
	}
	c.mu.RLock()
	pending := len(c.pending)
	c.mu.RUnlock()
	if pending != 0 {
		t.Errorf("%d pending requests leaked", pending)
	}
}

func TestRequestTimeout(t *testing.T) {
	m := newMockServer(t)
	m.onConnection = func(ws *websocket.Conn, _ int32) {
		if !confirm(ws) {
			return
		}
		for {
			var msg inbound
			if websocket.JSON.Receive(ws, &msg) != nil {
				return
			}
		}
	}
	c, connected, _ := start(t, Config{ServerURL: m.url, NoReconnect: true, AckTimeout: 100 * time.Millisecond})
	waitConnected(t, connected)

	_, err := c.Request(context.Background(), EventSend, SendRequest{ConversationID: "c1", Content: text("hi")})
	if err == nil || !strings.Contains(err.Error(), "no acknowledgement") {
		t.Errorf("Request() = %v, want timeout", err)
	}
}

func TestTokenProvider(t *testing.T) {
	m := newMockServer(t)
	var calls atomic.Int32
	_, connected, _ := start(t, Config{
		ServerURL:   m.url,
		NoReconnect: true,
		TokenProvider: func() (string, error) {
			calls.Add(1)
			return goodToken, nil
		},
	})
	waitConnected(t, connected)
	if calls.Load() != 1 {
		t.Errorf("TokenProvider called %d times", calls.Load())
	}
}

func TestTokenProviderError(t *testing.T) {
	_, _, done := start(t, Config{
		ServerURL:     "ws://localhost:1/ws",
		NoReconnect:   true,
		TokenProvider: func() (string, error) { return "", errors.New("expired") },
	})
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "token provider") {
			t.Errorf("Start() = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return")
	}
}
