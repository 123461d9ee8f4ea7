// Package client is a Go client for the parlor messaging protocol. It keeps a
// WebSocket connection open, reconnects with jittered backoff, rejoins
// conversations after every reconnect and correlates acknowledgements with
// the requests that asked for them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/net/websocket"
)

// AuthenticationError represents an authentication or authorization failure
// that should not trigger reconnection attempts.
type AuthenticationError struct {
	message string
}

func (e *AuthenticationError) Error() string {
	return e.message
}

// AckError is a failed acknowledgement returned by the server.
type AckError struct {
	Code    string
	Message string
}

func (e *AckError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

var (
	// ErrNotConnected is returned by Emit and Request while no connection is open.
	ErrNotConnected = errors.New("not connected")
	// ErrDisconnected is returned by Request when the connection drops before the ack arrives.
	ErrDisconnected = errors.New("connection lost before acknowledgement")
)

const (
	// Version is the client library version.
	Version = "v0.1.0"

	// Protocol events.
	EventJoin                = "conversation:join"
	EventLeave               = "conversation:leave"
	EventSend                = "message:send"
	EventTyping              = "message:typing"
	EventRead                = "message:read"
	EventMessageNew          = "message:new"
	EventConversationUpdated = "conversation:updated"
	EventUserStatus          = "user:status"

	eventConnected = "connected"
	eventAck       = "ack"

	// UI constants for logging.
	separatorLine = "!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!!"

	// Longer than the server ping interval (25s) so a healthy idle connection never times out.
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second
	handshakeTimeout = 5 * time.Second

	writeChannelBuffer = 32
)

// Event is a server-to-client event.
type Event struct {
	Name string
	Data json.RawMessage
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Ack is a successful acknowledgement.
type Ack struct {
	Message json.RawMessage `json:"message,omitempty"`
	Error   string          `json:"error,omitempty"`
	OK      bool            `json:"ok,omitempty"`
}

// SendRequest is the payload of message:send.
type SendRequest struct {
	Content        *string `json:"content,omitempty"`
	FileURL        *string `json:"fileUrl,omitempty"`
	FileName       *string `json:"fileName,omitempty"`
	FileSize       *int64  `json:"fileSize,omitempty"`
	ConversationID string  `json:"conversationId"`
	MessageType    string  `json:"messageType,omitempty"`
}

// Message is a persisted message as broadcast by the server.
type Message struct {
	CreatedAt      time.Time `json:"createdAt"`
	Content        *string   `json:"content"`
	FileURL        *string   `json:"fileUrl"`
	FileName       *string   `json:"fileName"`
	FileSize       *int64    `json:"fileSize"`
	Sender         Sender    `json:"sender"`
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	MessageType    string    `json:"messageType"`
	IsRead         bool      `json:"isRead"`
}

// Sender is the display identity attached to a message.
type Sender struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// Config holds the configuration for the client.
type Config struct {
	Logger        *slog.Logger
	OnDisconnect  func(error)
	OnEvent       func(Event)
	OnConnect     func(userID string) // Runs on the read loop: may Emit, must not wait on Request
	TokenProvider func() (string, error) // Optional: dynamically provide fresh tokens for reconnection
	ServerURL     string
	Token         string
	CookieName    string // Default: the secure session cookie for wss://, the plain one otherwise
	Origin        string
	UserAgent     string
	Conversations []string // Joined on every (re)connect
	MaxBackoff    time.Duration
	PingInterval  time.Duration
	AckTimeout    time.Duration
	MaxRetries    int
	Verbose       bool
	NoReconnect   bool
}

// conn is one live connection. out is drained by the write pump until done closes.
type conn struct {
	ws   *websocket.Conn
	out  chan any
	done chan struct{}
}

// outbound is a client to server frame.
type outbound struct {
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Event string `json:"event"`
}

// inbound is a server to client frame. Keepalives use Type; events use Event.
type inbound struct {
	ID    *int64          `json:"id,omitempty"`
	Seq   any             `json:"seq,omitempty"`
	Type  string          `json:"type,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Client represents a WebSocket client with automatic reconnection.
// Connection management:
//   - Read loop (readEvents) receives all frames and resolves pending acks
//   - Write channel (conn.out) serializes all writes through one goroutine
//   - Server sends pings; client responds with pongs
//   - Client also sends pings; server responds with pongs
type Client struct {
	mu         sync.RWMutex
	config     Config
	logger     *slog.Logger
	conn       *conn
	pending    map[int64]chan Ack
	handlers   map[string][]func(Event)
	joined     map[string]bool
	stopCh     chan struct{}
	stoppedCh  chan struct{}
	stopOnce   sync.Once
	nextID     atomic.Int64
	userID     string
	eventCount int
	retries    int
}

// New creates a new client.
func New(config Config) (*Client, error) {
	if config.ServerURL == "" {
		return nil, errors.New("serverURL is required")
	}
	if !strings.HasPrefix(config.ServerURL, "ws://") && !strings.HasPrefix(config.ServerURL, "wss://") {
		return nil, fmt.Errorf("serverURL %q must use ws:// or wss://", config.ServerURL)
	}
	if config.Token == "" && config.TokenProvider == nil {
		return nil, errors.New("token or tokenProvider is required")
	}

	if config.PingInterval == 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxBackoff == 0 {
		config.MaxBackoff = 2 * time.Minute
	}
	if config.AckTimeout == 0 {
		config.AckTimeout = 10 * time.Second
	}
	if config.UserAgent == "" {
		config.UserAgent = "parlor-client/" + Version
	}
	secure := strings.HasPrefix(config.ServerURL, "wss://")
	if config.CookieName == "" {
		config.CookieName = "authjs.session-token"
		if secure {
			config.CookieName = "__Secure-authjs.session-token"
		}
	}
	if config.Origin == "" {
		config.Origin = "http://localhost/"
		if secure {
			config.Origin = "https://localhost/"
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	joined := make(map[string]bool, len(config.Conversations))
	for _, id := range config.Conversations {
		joined[id] = true
	}

	return &Client{
		config:    config,
		logger:    logger,
		pending:   make(map[int64]chan Ack),
		handlers:  make(map[string][]func(Event)),
		joined:    joined,
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// On registers fn for events named event. Handlers run on the read loop and
// must not wait on Request.
func (c *Client) On(event string, fn func(Event)) {
	c.mu.Lock()
	c.handlers[event] = append(c.handlers[event], fn)
	c.mu.Unlock()
}

// UserID returns the identity the server authenticated, once connected.
func (c *Client) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Start begins the connection process with automatic reconnection. It blocks
// until ctx is done, Stop is called, retries run out or authentication fails.
func (c *Client) Start(ctx context.Context) error {
	defer close(c.stoppedCh)

	var authErr *AuthenticationError
	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.DelayType(retry.FullJitterBackoffDelay),
		retry.MaxDelay(c.config.MaxBackoff),
		retry.OnRetry(func(n uint, err error) {
			c.mu.Lock()
			//nolint:gosec // Retry count will not overflow in practice
			c.retries = int(n) + 1
			events := c.eventCount
			c.mu.Unlock()

			c.logger.Warn(separatorLine)
			c.logger.Warn("WebSocket CONNECTION LOST!", "error", err, "events_received", events, "attempt", n+1)
			c.logger.Warn(separatorLine)

			if c.config.OnDisconnect != nil {
				c.config.OnDisconnect(err)
			}
		}),
		retry.RetryIf(func(err error) bool {
			if errors.As(err, &authErr) {
				c.logger.Error(separatorLine)
				c.logger.Error("AUTHENTICATION FAILED!", "error", err)
				c.logger.Error("The session token is missing, expired or was issued with a different secret")
				c.logger.Error(separatorLine)
				return false
			}
			if c.config.NoReconnect {
				return false
			}
			select {
			case <-c.stopCh:
				return false
			default:
				return true
			}
		}),
	}

	if c.config.MaxRetries > 0 {
		//nolint:gosec // MaxRetries is a user-configured value, overflow not a concern
		retryOpts = append(retryOpts, retry.Attempts(uint(c.config.MaxRetries)))
	} else {
		retryOpts = append(retryOpts, retry.UntilSucceeded())
	}

	err := retry.Do(func() error {
		select {
		case <-ctx.Done():
			c.logger.Info("Client context cancelled, shutting down")
			return retry.Unrecoverable(ctx.Err())
		case <-c.stopCh:
			c.logger.Info("Client stop requested")
			return retry.Unrecoverable(errors.New("stop requested"))
		default:
		}

		c.mu.RLock()
		n := c.retries
		c.mu.RUnlock()
		if n == 0 {
			c.logger.Info("CONNECTING to WebSocket server", "url", c.config.ServerURL)
		} else {
			c.logger.Info("RECONNECTING to WebSocket server", "url", c.config.ServerURL, "attempt", n)
		}

		return c.connect(ctx)
	}, retryOpts...)
	if authErr != nil {
		return authErr
	}
	return err
}

// Stop gracefully stops the client.
// Safe to call multiple times, before Start, or if Start was never called.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		c.mu.Lock()
		if c.conn != nil {
			if err := c.conn.ws.Close(); err != nil {
				c.logger.Error("Error closing websocket on shutdown", "error", err)
			}
		}
		c.mu.Unlock()

		select {
		case <-c.stoppedCh:
		case <-time.After(100 * time.Millisecond):
		}
	})
}

// connect runs one connection until it fails.
func (c *Client) connect(ctx context.Context) error {
	token := c.config.Token
	if c.config.TokenProvider != nil {
		t, err := c.config.TokenProvider()
		if err != nil {
			return fmt.Errorf("token provider: %w", err)
		}
		token = t
		c.logger.Debug("Using fresh token from TokenProvider")
	}

	wsConfig, err := websocket.NewConfig(c.config.ServerURL, c.config.Origin)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	wsConfig.Header = c.header(token)

	ws, err := websocket.DialConfig(wsConfig)
	if err != nil {
		return c.handleDialError(ctx, err, token)
	}
	defer func() {
		if err := ws.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			c.logger.Debug("Failed to close websocket cleanly", "error", err)
		}
	}()

	userID, err := awaitConnected(ws)
	if err != nil {
		return err
	}
	c.logger.Info("WebSocket ESTABLISHED", "url", c.config.ServerURL, "user_id", userID)

	cn := &conn{ws: ws, out: make(chan any, writeChannelBuffer), done: make(chan struct{})}
	c.mu.Lock()
	c.conn = cn
	c.userID = userID
	c.retries = 0
	rejoin := make([]string, 0, len(c.joined))
	for id := range c.joined {
		rejoin = append(rejoin, id)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	writeErr := make(chan error, 1)
	wg.Go(func() { writeErr <- c.writePump(cn) })
	wg.Go(func() { c.sendPings(cn) })
	wg.Go(func() {
		select {
		case <-ctx.Done():
			_ = ws.Close() //nolint:errcheck // unblocks the reader
		case <-cn.done:
		}
	})

	defer func() {
		c.mu.Lock()
		c.conn = nil
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(cn.done)
		_ = ws.Close() //nolint:errcheck // unblocks the write pump
		wg.Wait()
	}()

	for _, id := range rejoin {
		if err := c.enqueue(ctx, cn, outbound{Event: EventJoin, Data: map[string]string{"conversationId": id}}); err != nil {
			return err
		}
	}

	if c.config.OnConnect != nil {
		c.config.OnConnect(userID)
	}

	readErr := c.readEvents(ctx, cn)
	select {
	case err := <-writeErr:
		if readErr == nil {
			return err
		}
	default:
	}
	return readErr
}

func (c *Client) header(token string) http.Header {
	h := make(http.Header)
	h.Set("Cookie", (&http.Cookie{Name: c.config.CookieName, Value: token}).String())
	h.Set("User-Agent", c.config.UserAgent)
	return h
}

// awaitConnected reads until the server confirms the session.
func awaitConnected(ws *websocket.Conn) (string, error) {
	if err := ws.SetReadDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return "", fmt.Errorf("set read deadline: %w", err)
	}
	for {
		var msg inbound
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			return "", fmt.Errorf("waiting for connected (timeout after %v): %w", handshakeTimeout, err)
		}
		if msg.Event != eventConnected {
			continue
		}
		var data struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return "", fmt.Errorf("parse connected: %w", err)
		}
		return data.UserID, nil
	}
}

// handleDialError turns a refused upgrade into an AuthenticationError when the
// server rejected the session. x/net/websocket does not expose the status of a
// refused upgrade, so the endpoint is asked again over plain HTTP.
func (c *Client) handleDialError(ctx context.Context, err error, token string) error {
	var dialErr *websocket.DialError
	if !errors.As(err, &dialErr) || !errors.Is(dialErr.Err, websocket.ErrBadStatus) {
		return fmt.Errorf("dial: %w", err)
	}
	status := c.probeStatus(ctx, token)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &AuthenticationError{
			message: fmt.Sprintf("Authentication failed (%d %s): the server rejected the session cookie %s",
				status, http.StatusText(status), c.config.CookieName),
		}
	case http.StatusTooManyRequests:
		return errors.New("dial: connection limit exceeded (429)")
	default:
		return fmt.Errorf("dial: %w (status %d)", err, status)
	}
}

func (c *Client) probeStatus(ctx context.Context, token string) int {
	u := "http" + strings.TrimPrefix(c.config.ServerURL, "ws")
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return 0
	}
	req.Header = c.header(token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0
	}
	_ = resp.Body.Close() //nolint:errcheck // status only
	return resp.StatusCode
}

// writePump is the ONLY goroutine that writes to the websocket.
func (c *Client) writePump(cn *conn) error {
	for {
		select {
		case <-cn.done:
			return nil
		case msg := <-cn.out:
			if err := cn.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
			if err := websocket.JSON.Send(cn.ws, msg); err != nil {
				c.logger.Warn("Write failed", "error", err)
				_ = cn.ws.Close() //nolint:errcheck // unblocks the reader
				return fmt.Errorf("write: %w", err)
			}
		}
	}
}

// sendPings queues periodic pings, skipping a beat when the write channel is full.
func (c *Client) sendPings(cn *conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	var seq int64
	for {
		select {
		case <-cn.done:
			return
		case <-ticker.C:
			seq++
			select {
			case cn.out <- map[string]any{"type": "ping", "seq": seq}:
				c.logger.Debug("[PING] queued", "seq", seq)
			case <-cn.done:
				return
			default:
				c.logger.Warn("[PING] Write channel full, skipping ping")
			}
		}
	}
}

// readEvents reads frames until the connection fails or ctx is done.
func (c *Client) readEvents(ctx context.Context, cn *conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.stopCh:
			return errors.New("stop requested")
		default:
		}

		if err := cn.ws.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}
		var msg inbound
		if err := websocket.JSON.Receive(cn.ws, &msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Warn("Ignoring malformed frame", "error", err)
				continue
			}
			c.mu.RLock()
			events := c.eventCount
			c.mu.RUnlock()
			c.logger.Error(separatorLine)
			c.logger.Error("Lost connection while reading!", "error", err, "events_received", events)
			c.logger.Error(separatorLine)
			return fmt.Errorf("read: %w", err)
		}

		switch msg.Type {
		case "ping":
			pong := map[string]any{"type": "pong"}
			if msg.Seq != nil {
				pong["seq"] = msg.Seq
			}
			select {
			case cn.out <- pong:
				c.logger.Debug("[PONG] queued", "seq", msg.Seq)
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				c.logger.Error("[PONG] Failed to queue pong - write channel blocked")
				return errors.New("pong send blocked")
			}
			continue
		case "pong":
			continue
		}

		if msg.Event == eventAck {
			c.resolve(msg)
			continue
		}
		if msg.Event == "" {
			c.logger.Debug("Ignoring frame without event", "type", msg.Type)
			continue
		}
		c.dispatch(Event{Name: msg.Event, Data: msg.Data})
	}
}

func (c *Client) resolve(msg inbound) {
	if msg.ID == nil {
		return
	}
	var ack Ack
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		c.logger.Warn("Malformed acknowledgement", "id", *msg.ID, "error", err)
		ack = Ack{Error: "malformed_ack"}
	}
	c.mu.Lock()
	ch, ok := c.pending[*msg.ID]
	delete(c.pending, *msg.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Acknowledgement for unknown request", "id", *msg.ID)
		return
	}
	ch <- ack
}

func (c *Client) dispatch(e Event) {
	c.mu.Lock()
	c.eventCount++
	n := c.eventCount
	handlers := c.handlers[e.Name]
	c.mu.Unlock()

	if c.config.Verbose {
		c.logger.Info("Event received", "event_number", n, "event", e.Name, "data", string(e.Data))
	} else {
		c.logger.Debug("Event received", "event_number", n, "event", e.Name)
	}
	for _, fn := range handlers {
		fn(e)
	}
	if c.config.OnEvent != nil {
		c.config.OnEvent(e)
	}
}

func (c *Client) current() *conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (*Client) enqueue(ctx context.Context, cn *conn, f outbound) error {
	select {
	case cn.out <- f:
		return nil
	case <-cn.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit sends an event that expects no acknowledgement.
func (c *Client) Emit(ctx context.Context, event string, data any) error {
	cn := c.current()
	if cn == nil {
		return ErrNotConnected
	}
	return c.enqueue(ctx, cn, outbound{Event: event, Data: data})
}

// Request sends an event and waits for its acknowledgement. A failed
// acknowledgement is returned as an *AckError.
func (c *Client) Request(ctx context.Context, event string, data any) (Ack, error) {
	id := c.nextID.Add(1)
	ch := make(chan Ack, 1)

	c.mu.Lock()
	cn := c.conn
	if cn == nil {
		c.mu.Unlock()
		return Ack{}, ErrNotConnected
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.enqueue(ctx, cn, outbound{ID: &id, Event: event, Data: data}); err != nil {
		return Ack{}, err
	}

	timer := time.NewTimer(c.config.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return Ack{}, ErrDisconnected
		}
		if ack.Error != "" {
			var text string
			if err := json.Unmarshal(ack.Message, &text); err != nil {
				text = string(ack.Message)
			}
			return ack, &AckError{Code: ack.Error, Message: text}
		}
		return ack, nil
	case <-timer.C:
		return Ack{}, fmt.Errorf("%s: no acknowledgement after %v", event, c.config.AckTimeout)
	case <-ctx.Done():
		return Ack{}, ctx.Err()
	}
}

// Send posts a message and returns it as persisted by the server.
func (c *Client) Send(ctx context.Context, req SendRequest) (*Message, error) {
	ack, err := c.Request(ctx, EventSend, req)
	if err != nil {
		return nil, err
	}
	var m Message
	if err := json.Unmarshal(ack.Message, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &m, nil
}

// Join enters a conversation room and keeps it joined across reconnects. The
// server refuses non-participants silently, so success means "requested".
func (c *Client) Join(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	c.joined[conversationID] = true
	c.mu.Unlock()
	return c.Emit(ctx, EventJoin, map[string]string{"conversationId": conversationID})
}

// Leave exits a conversation room.
func (c *Client) Leave(ctx context.Context, conversationID string) error {
	c.mu.Lock()
	delete(c.joined, conversationID)
	c.mu.Unlock()
	return c.Emit(ctx, EventLeave, map[string]string{"conversationId": conversationID})
}

// Typing tells the other participant that this user is typing.
func (c *Client) Typing(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, EventTyping, map[string]string{"conversationId": conversationID})
}

// MarkRead marks the other participant's messages read.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	return c.Emit(ctx, EventRead, map[string]string{"conversationId": conversationID})
}
