package srv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/security"
)

// Constants for WebSocket timeouts and limits.
const (
	pingInterval    = 25 * time.Second
	readTimeout     = 60 * time.Second // Must be > pingInterval + response time to avoid false timeouts
	writeTimeout    = 10 * time.Second
	maxFrameSize    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

// WebSocketHandler authenticates connections and runs the event protocol.
//
//nolint:govet // Field order optimized for readability over memory padding
type WebSocketHandler struct {
	hub          *Hub
	auth         *auth.Authenticator
	connLimiter  *security.ConnectionLimiter
	presence     *Presence
	rooms        *Rooms
	pipeline     *Pipeline
	pingInterval time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// HandlerOption configures a WebSocketHandler.
type HandlerOption func(*WebSocketHandler)

// WithTimeouts overrides the ping interval and read timeout.
func WithTimeouts(ping, read time.Duration) HandlerOption {
	return func(h *WebSocketHandler) {
		h.pingInterval, h.readTimeout = ping, read
	}
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(
	h *Hub, a *auth.Authenticator, connLimiter *security.ConnectionLimiter,
	presence *Presence, rooms *Rooms, pipeline *Pipeline, opts ...HandlerOption,
) *WebSocketHandler {
	wh := &WebSocketHandler{
		hub:          h,
		auth:         a,
		connLimiter:  connLimiter,
		presence:     presence,
		rooms:        rooms,
		pipeline:     pipeline,
		pingInterval: pingInterval,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
	for _, opt := range opts {
		opt(wh)
	}
	return wh
}

// ServeHTTP authenticates the request, reserves a connection slot and upgrades.
// Rejections happen before the upgrade, so no event handler ever sees an
// unauthenticated connection.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ip := security.ClientIP(r)

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		logger.Warn(ctx, "WebSocket 401: authentication failed", logger.Fields{
			"ip":     ip,
			"reason": err.Error(),
		})
		writeStatus(ctx, w, http.StatusUnauthorized, "401 Unauthorized: "+rejectionMessage(err))
		return
	}

	token := h.connLimiter.Reserve(ip)
	if token == "" {
		logger.Warn(ctx, "WebSocket 429: connection limit", logger.Fields{"ip": ip, "user_id": identity.UserID})
		writeStatus(ctx, w, http.StatusTooManyRequests, "429 Too Many Requests: Connection limit exceeded")
		return
	}
	// No-op once the handler has committed the reservation.
	defer h.connLimiter.CancelReservation(token)

	s := websocket.Server{
		// Browsers and non-browser clients are both accepted; the session cookie is the credential.
		Handshake: func(*websocket.Config, *http.Request) error { return nil },
		Handler: func(ws *websocket.Conn) {
			h.Handle(ws, identity, token)
		},
	}
	s.ServeHTTP(w, r)
}

func writeStatus(ctx context.Context, w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	if _, err := io.WriteString(w, msg+"\n"); err != nil {
		logger.Warn(ctx, "failed to write rejection", logger.Fields{"status": code, "error": err.Error()})
	}
}

// rejectionMessage describes an authentication failure without echoing credentials.
func rejectionMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrNoSessionCookie):
		return "no session cookie"
	case errors.Is(err, auth.ErrSecretNotConfigured):
		return "authentication is not configured"
	default:
		return "invalid session"
	}
}

// wsCloser wraps a WebSocket connection with sync.Once to prevent double-close.
type wsCloser struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

// Close closes the WebSocket connection exactly once.
func (wc *wsCloser) Close() error {
	var err error
	wc.closeOnce.Do(func() {
		err = wc.ws.Close()
	})
	return err
}

// Handle runs an upgraded, authenticated connection until it closes.
func (h *WebSocketHandler) Handle(ws *websocket.Conn, identity auth.Identity, reservation string) {
	ctx, cancel := context.WithCancel(ws.Request().Context())
	defer cancel()

	ip := security.ClientIP(ws.Request())
	wc := &wsCloser{ws: ws}
	defer func() {
		if err := wc.Close(); err != nil && !strings.Contains(err.Error(), "use of closed network connection") {
			logger.Debug(ctx, "websocket close", logger.Fields{"ip": ip, "error": err.Error()})
		}
	}()

	if reservation != "" && !h.connLimiter.CommitReservation(reservation) {
		logger.Warn(ctx, "WebSocket connection rejected: reservation expired", logger.Fields{"ip": ip})
		return
	}
	if reservation != "" {
		defer h.connLimiter.Remove(ip)
	}

	ws.MaxPayloadBytes = maxFrameSize

	client := NewClient(uuid.NewString(), identity, ws)
	h.hub.Register(ctx, client)
	logger.Info(ctx, "WebSocket connection established", logger.Fields{
		"ip":        ip,
		"client_id": client.ID,
		"user_id":   identity.UserID,
	})

	// Disconnect cleanup runs on every exit path: EOF, read timeout, write failure or shutdown.
	defer func() {
		dctx, dcancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer dcancel()
		h.presence.Disconnect(dctx, client)
		h.hub.Unregister(dctx, client.ID)
		logger.Info(ctx, "WebSocket disconnected", logger.Fields{
			"ip":        ip,
			"client_id": client.ID,
			"user_id":   identity.UserID,
		})
	}()

	// The personal channel is joined before "connected" is queued, so a client that
	// has seen "connected" is reachable on user:<id>.
	h.presence.Connect(ctx, client)
	client.reply(ctx, Frame{Event: EventConnected, Data: map[string]string{"userId": identity.UserID}})
	go func() {
		client.Run(ctx, h.pingInterval, h.writeTimeout)
		// The writer exits on write failure; unblock the reader too.
		cancel()
		_ = wc.Close() //nolint:errcheck // close error is logged by the deferred close
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		if err := ws.SetReadDeadline(time.Now().Add(h.readTimeout)); err != nil {
			logger.Debug(ctx, "failed to set read deadline", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}
		var msg inbound
		if err := websocket.JSON.Receive(ws, &msg); err != nil {
			switch {
			case errors.Is(err, io.EOF):
				logger.Debug(ctx, "client closed connection", logger.Fields{"client_id": client.ID})
				return
			case strings.Contains(err.Error(), "i/o timeout"):
				logger.Info(ctx, "client read timeout", logger.Fields{"client_id": client.ID, "timeout": h.readTimeout.String()})
				return
			case strings.Contains(err.Error(), "use of closed network connection"):
				return
			}
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.Is(err, websocket.ErrFrameTooLarge) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				logger.Warn(ctx, "client sent malformed frame", logger.Fields{"client_id": client.ID, "error": err.Error()})
				continue
			}
			logger.Warn(ctx, "client read error", logger.Fields{"client_id": client.ID, "error": err.Error()})
			return
		}

		switch msg.Type {
		case "pong", "keepalive", "heartbeat":
			continue
		case "ping":
			pong := map[string]any{"type": "pong"}
			if msg.Seq != nil {
				pong["seq"] = msg.Seq
			}
			if raw, err := json.Marshal(pong); err == nil {
				client.trySend(client.control, raw)
			}
			continue
		}

		h.dispatch(ctx, client, msg)
	}
}

// dispatch runs one client event. Events from a connection are handled one at a
// time, in arrival order. A panic is contained to the event that caused it.
func (h *WebSocketHandler) dispatch(ctx context.Context, c *Client, msg inbound) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(ctx, "event handler panic", fmt.Errorf("%v", r), logger.Fields{
				"client_id": c.ID,
				"event":     msg.Event,
			})
			if msg.ID != nil {
				c.reply(ctx, Frame{Event: EventAck, ID: msg.ID, Data: ackFor(errors.New("panic"))})
			}
		}
	}()

	switch msg.Event {
	case EventJoin:
		ref, ok := decodeRef(ctx, c, msg)
		if !ok {
			return
		}
		if _, err := h.rooms.Join(ctx, c, ref.ConversationID); err != nil {
			logger.Error(ctx, "join failed", err, logger.Fields{"client_id": c.ID, "conversation_id": ref.ConversationID})
		}

	case EventLeave:
		if ref, ok := decodeRef(ctx, c, msg); ok {
			h.rooms.Leave(c, ref.ConversationID)
		}

	case EventTyping:
		if ref, ok := decodeRef(ctx, c, msg); ok {
			h.pipeline.Typing(ctx, c, ref.ConversationID)
		}

	case EventRead:
		ref, ok := decodeRef(ctx, c, msg)
		if !ok {
			return
		}
		if err := h.rooms.MarkRead(ctx, c, ref.ConversationID); err != nil {
			h.logEventError(ctx, c, msg.Event, err)
		}

	case EventSend:
		var req SendRequest
		if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &req) != nil {
			h.ack(ctx, c, msg.ID, nil, fmt.Errorf("%w: malformed payload", ErrInvalidMessage))
			return
		}
		payload, err := h.pipeline.Send(ctx, c, req)
		if err != nil {
			h.logEventError(ctx, c, msg.Event, err)
		}
		h.ack(ctx, c, msg.ID, payload, err)

	default:
		logger.Warn(ctx, "client sent unknown event", logger.Fields{"client_id": c.ID, "event": msg.Event})
		if msg.ID != nil {
			c.reply(ctx, Frame{Event: EventAck, ID: msg.ID, Data: Ack{Error: CodeUnknownEvent, Message: "Unknown event"}})
		}
	}
}

// ack replies to an event that carried an id. Events without an id get no reply.
func (*WebSocketHandler) ack(ctx context.Context, c *Client, id *int64, payload *MessagePayload, err error) {
	if id == nil {
		return
	}
	data := Ack{OK: true, Message: payload}
	if err != nil {
		data = ackFor(err)
	}
	c.reply(ctx, Frame{Event: EventAck, ID: id, Data: data})
}

// logEventError logs caller mistakes at warn and everything else at error.
func (*WebSocketHandler) logEventError(ctx context.Context, c *Client, event string, err error) {
	fields := logger.Fields{"client_id": c.ID, "user_id": c.UserID(), "event": event}
	if errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		fields["error"] = err.Error()
		logger.Warn(ctx, "event rejected", fields)
		return
	}
	logger.Error(ctx, "event failed", err, fields)
}

func decodeRef(ctx context.Context, c *Client, msg inbound) (conversationRef, bool) {
	var ref conversationRef
	if len(msg.Data) == 0 || json.Unmarshal(msg.Data, &ref) != nil || ref.ConversationID == "" {
		logger.Warn(ctx, "client sent event without conversationId", logger.Fields{"client_id": c.ID, "event": msg.Event})
		return ref, false
	}
	return ref, true
}
