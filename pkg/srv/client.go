package srv

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/websocket"

	"github.com/codeGROOVE-dev/parlor/pkg/auth"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
)

const (
	sendBufferSize    = 256
	controlBufferSize = 16
)

// Client is one authenticated WebSocket connection.
//
// Connection management follows a simple pattern:
//   - ONE goroutine (Run) handles ALL writes to avoid concurrent write issues
//   - Server sends pings every pingInterval to detect dead connections
//   - The read loop in websocket.go resets the read deadline on any frame
//
// Cleanup coordination:
//   - Close() uses sync.Once, so the handler defer, Run's defer and Hub.cleanup may all call it
//   - the closed flag lets the hub skip clients that are closing before it sends
//   - nothing sends on send/control after Close without going through trySend
type Client struct {
	conn     *websocket.Conn
	send     chan json.RawMessage
	control  chan json.RawMessage // acks and pongs; never dropped behind broadcasts
	done     chan struct{}
	identity auth.Identity
	// channels is guarded by Hub.mu.
	channels  map[string]struct{}
	ID        string
	closeOnce sync.Once
	closed    atomic.Bool
}

// NewClient creates a client for an authenticated identity. conn may be nil in tests.
func NewClient(id string, identity auth.Identity, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan json.RawMessage, sendBufferSize),
		control:  make(chan json.RawMessage, controlBufferSize),
		done:     make(chan struct{}),
		channels: make(map[string]struct{}),
	}
}

// Identity returns the identity established at handshake time.
func (c *Client) Identity() auth.Identity { return c.identity }

// UserID is shorthand for Identity().UserID.
func (c *Client) UserID() string { return c.identity.UserID }

// Run handles sending frames to the client and periodic pings.
// CRITICAL: This is the ONLY goroutine that writes to the WebSocket connection.
func (c *Client) Run(ctx context.Context, pingInterval, writeTimeout time.Duration) {
	defer c.Close()

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pingSeq int64

	for {
		select {
		case <-ctx.Done():
			logger.Debug(ctx, "client context cancelled, shutting down", logger.Fields{"client_id": c.ID})
			return

		case <-c.done:
			return

		case <-pingTicker.C:
			pingSeq++
			if err := c.write(map[string]any{"type": "ping", "seq": pingSeq}, writeTimeout); err != nil {
				logger.Warn(ctx, "client ping failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case raw, ok := <-c.control:
			if !ok {
				return
			}
			if err := c.writeRaw(raw, writeTimeout); err != nil {
				logger.Warn(ctx, "client control frame send failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}

		case raw, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.writeRaw(raw, writeTimeout); err != nil {
				logger.Warn(ctx, "client frame send failed", logger.Fields{
					"client_id": c.ID,
					"error":     err.Error(),
				})
				return
			}
		}
	}
}

func (c *Client) write(msg any, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.JSON.Send(c.conn, msg); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// writeRaw sends an already encoded frame as a text message.
func (c *Client) writeRaw(raw json.RawMessage, timeout time.Duration) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := websocket.Message.Send(c.conn, string(raw)); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	return nil
}

// Close gracefully closes the client.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		// Set closed flag BEFORE closing channels.
		c.closed.Store(true)
		close(c.done)
		close(c.send)
		close(c.control)
	})
}

// IsClosed returns true if the client is closed or closing.
func (c *Client) IsClosed() bool {
	return c.closed.Load()
}

// trySend queues raw on ch without blocking.
// Returns false if the channel is full or the client is closed.
//
// The closed flag is checked first; there is still a tiny window between the
// check and the send where Close() can run, so recover() stays as a safety net.
func (c *Client) trySend(ch chan json.RawMessage, raw json.RawMessage) (sent bool) {
	if c.IsClosed() {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			sent = false
		}
	}()
	select {
	case ch <- raw:
		return true
	default:
		return false
	}
}

// reply queues a frame addressed to this connection only.
func (c *Client) reply(ctx context.Context, f Frame) bool {
	raw, err := f.encode()
	if err != nil {
		logger.Error(ctx, "failed to encode frame", err, logger.Fields{"client_id": c.ID, "event": f.Event})
		return false
	}
	if !c.trySend(c.control, raw) {
		logger.Warn(ctx, "dropped reply: control channel full or closed", logger.Fields{
			"client_id": c.ID,
			"event":     f.Event,
		})
		return false
	}
	return true
}
