// Package srv is the real-time messaging core: a hub of named channels, the
// per-connection writer, presence tracking, conversation rooms, the message
// pipeline and the WebSocket event protocol that drives them.
package srv

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/fanout"
	"github.com/codeGROOVE-dev/parlor/pkg/logger"
)

const publishTimeout = 2 * time.Second

// Hub manages clients and the channels they belong to.
//
// Thread safety design:
//   - clients and channels are guarded by mu; membership changes are synchronous
//     so a Join is visible to the very next Broadcast
//   - Broadcast snapshots members under RLock and sends without holding the lock
//   - Non-blocking send to client channels prevents a slow reader stalling others
//
// Every local broadcast is also published to the fan-out adapter when it is
// available; Run delivers envelopes published by other processes.
type Hub struct {
	clients               map[string]*Client
	channels              map[string]map[string]*Client
	fanout                fanout.Adapter
	stop                  chan struct{}
	stopped               chan struct{}
	mu                    sync.RWMutex
	periodicCheckInterval time.Duration // For testing; 0 means use default (1 minute)
}

// NewHub creates a hub that replicates broadcasts through adapter.
// A nil adapter means single-process delivery.
func NewHub(adapter fanout.Adapter) *Hub {
	if adapter == nil {
		adapter = fanout.NewNone("local")
	}
	return &Hub{
		clients:  make(map[string]*Client),
		channels: make(map[string]map[string]*Client),
		fanout:   adapter,
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Run starts the hub's loop: remote deliveries and periodic stats.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	defer h.cleanup(ctx)

	logger.Info(ctx, "hub started", logger.Fields{"origin": h.fanout.Origin()})

	checkInterval := h.periodicCheckInterval
	if checkInterval == 0 {
		checkInterval = 1 * time.Minute
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	remote := h.fanout.Messages()
	wasAvailable := h.fanout.Available()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "hub shutting down", nil)
			return
		case <-h.stop:
			logger.Info(ctx, "hub stop requested", nil)
			return

		case <-ticker.C:
			h.mu.RLock()
			clients, channels := len(h.clients), len(h.channels)
			h.mu.RUnlock()
			available := h.fanout.Available()
			logger.Info(ctx, "periodic check", logger.Fields{
				"total_clients":     clients,
				"channels":          channels,
				"fan_out_available": available,
			})
			if wasAvailable && !available {
				logger.Warn(ctx, "fan-out unavailable, delivering to local connections only", nil)
			}
			wasAvailable = available

		case env, ok := <-remote:
			if !ok {
				logger.Warn(ctx, "fan-out adapter closed, continuing single-process", nil)
				remote = nil
				continue
			}
			n := h.deliver(env.Channel, env.Frame, env.Except)
			logger.Debug(ctx, "delivered remote broadcast", logger.Fields{
				"channel":   env.Channel,
				"origin":    env.Origin,
				"delivered": n,
			})
		}
	}
}

// Stop signals the hub to stop.
func (h *Hub) Stop() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.stopped
}

// Register adds a client to the hub. Registering after shutdown closes the client.
func (h *Hub) Register(ctx context.Context, c *Client) {
	h.mu.Lock()
	if h.clients == nil {
		h.mu.Unlock()
		c.Close()
		return
	}
	h.clients[c.ID] = c
	total := len(h.clients)
	h.mu.Unlock()
	logger.Info(ctx, "client registered", logger.Fields{
		"client_id":     c.ID,
		"user_id":       c.UserID(),
		"total_clients": total,
	})
}

// Unregister removes a client from every channel and closes it.
// It returns the channels the client belonged to.
func (h *Hub) Unregister(ctx context.Context, clientID string) []string {
	h.mu.Lock()
	c, ok := h.clients[clientID]
	if !ok {
		h.mu.Unlock()
		logger.Debug(ctx, "attempted to unregister unknown client", logger.Fields{"client_id": clientID})
		return nil
	}
	delete(h.clients, clientID)
	left := make([]string, 0, len(c.channels))
	for name := range c.channels {
		h.removeLocked(c, name)
		left = append(left, name)
	}
	total := len(h.clients)
	h.mu.Unlock()

	c.Close()
	logger.Info(ctx, "client unregistered", logger.Fields{
		"client_id":     clientID,
		"user_id":       c.UserID(),
		"total_clients": total,
	})
	return left
}

// Join adds c to channel. It returns false if c is not registered.
func (h *Hub) Join(c *Client, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return false
	}
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[string]*Client)
		h.channels[channel] = members
	}
	members[c.ID] = c
	c.channels[channel] = struct{}{}
	return true
}

// Leave removes c from channel.
func (h *Hub) Leave(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, channel)
}

func (h *Hub) removeLocked(c *Client, channel string) {
	delete(c.channels, channel)
	members, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(h.channels, channel)
	}
}

// IsMember reports whether the client is joined to channel.
func (h *Hub) IsMember(clientID, channel string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[channel][clientID]
	return ok
}

// ChannelSize returns the number of local connections joined to channel.
func (h *Hub) ChannelSize(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// ClientCount returns the current number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// FanOutAvailable reports whether broadcasts currently reach other processes.
func (h *Hub) FanOutAvailable() bool {
	return h.fanout.Available()
}

// Broadcast delivers f to every connection in channel except exceptClientID,
// on this process and, when fan-out is available, on every other process.
// It returns the number of local deliveries.
func (h *Hub) Broadcast(ctx context.Context, channel string, f Frame, exceptClientID string) int {
	raw, err := f.encode()
	if err != nil {
		logger.Error(ctx, "failed to encode broadcast", err, logger.Fields{"channel": channel, "event": f.Event})
		return 0
	}
	n := h.deliver(channel, raw, exceptClientID)

	if h.fanout.Available() {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		err := h.fanout.Publish(pubCtx, fanout.Envelope{
			Origin:  h.fanout.Origin(),
			Channel: channel,
			Except:  exceptClientID,
			Frame:   raw,
		})
		if err != nil && !errors.Is(err, fanout.ErrUnavailable) {
			logger.Warn(ctx, "fan-out publish failed, delivered locally only", logger.Fields{
				"channel": channel,
				"event":   f.Event,
				"error":   err.Error(),
			})
		}
	}
	logger.Debug(ctx, "broadcast", logger.Fields{
		"channel":   channel,
		"event":     f.Event,
		"delivered": n,
	})
	return n
}

// deliver sends raw to the local members of channel.
func (h *Hub) deliver(channel string, raw json.RawMessage, exceptClientID string) int {
	h.mu.RLock()
	var snapshot []*Client
	if channel == BroadcastAll {
		snapshot = make([]*Client, 0, len(h.clients))
		for _, c := range h.clients {
			snapshot = append(snapshot, c)
		}
	} else {
		members := h.channels[channel]
		snapshot = make([]*Client, 0, len(members))
		for _, c := range members {
			snapshot = append(snapshot, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range snapshot {
		if c.ID == exceptClientID {
			continue
		}
		if c.trySend(c.send, raw) {
			delivered++
			continue
		}
		logger.Warn(context.Background(), "dropped frame for client: channel full or closed", logger.Fields{
			"client_id": c.ID,
			"channel":   channel,
		})
	}
	return delivered
}

// cleanup closes all client connections during shutdown.
// It must not send to client channels: Close may be running concurrently.
func (h *Hub) cleanup(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	logger.Info(ctx, "hub cleanup: closing client connections", logger.Fields{
		"client_count": len(h.clients),
	})
	for _, c := range h.clients {
		c.Close()
	}
	h.clients = nil
	h.channels = make(map[string]map[string]*Client)
}
