// Package webhook lets trusted backend services push events to connected users.
// Requests are signed with a shared secret (HMAC-SHA256 over the body) and
// delivered through the hub, so they reach users on every server process.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/fido"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/srv"
)

const (
	maxPayloadSize = 1 << 20 // 1MB

	// SignatureHeader carries "sha256=<hex hmac>" of the request body.
	SignatureHeader = "X-Parlor-Signature"
	// DeliveryHeader optionally identifies a delivery; repeats are acknowledged and dropped.
	DeliveryHeader = "X-Parlor-Delivery"

	deliveryCacheSize = 8192
	deliveryCacheTTL  = 10 * time.Minute
)

// reserved events are owned by the protocol and cannot be injected.
var reserved = map[string]bool{
	srv.EventAck:       true,
	srv.EventConnected: true,
}

// Event is the request body.
type Event struct {
	Data           json.RawMessage `json:"data,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Event          string          `json:"event"`
}

// Handler handles internal event injection.
type Handler struct {
	hub              *srv.Hub
	allowedEventsMap map[string]bool
	deliveries       *fido.Cache[string, time.Time]
	secret           string
}

// NewHandler creates a new webhook handler. A nil allowedEvents permits every
// non-reserved event name.
func NewHandler(h *srv.Hub, secret string, allowedEvents []string) *Handler {
	var allowedMap map[string]bool
	if allowedEvents != nil {
		allowedMap = make(map[string]bool, len(allowedEvents))
		for _, event := range allowedEvents {
			allowedMap[event] = true
		}
	}

	return &Handler{
		hub:              h,
		secret:           secret,
		allowedEventsMap: allowedMap,
		deliveries:       fido.New[string, time.Time](fido.Size(deliveryCacheSize), fido.TTL(deliveryCacheTTL)),
	}
}

// ServeHTTP verifies and delivers one event.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deliveryID := r.Header.Get(DeliveryHeader)

	if r.Method != http.MethodPost {
		logger.Warn(ctx, "webhook rejected: invalid method", logger.Fields{
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
		})
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.ContentLength > maxPayloadSize {
		logger.Warn(ctx, "webhook rejected: payload too large", logger.Fields{
			"content_length": r.ContentLength,
			"max_size":       maxPayloadSize,
			"delivery_id":    deliveryID,
		})
		http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize))
	if err != nil {
		logger.Error(ctx, "error reading webhook body", err, logger.Fields{"delivery_id": deliveryID})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get(SignatureHeader)
	if !VerifySignature(body, signature, h.secret) {
		logger.Warn(ctx, "webhook rejected: 401 Unauthorized - signature verification failed", logger.Fields{
			"delivery_id":      deliveryID,
			"remote_addr":      r.RemoteAddr,
			"signature_exists": signature != "",
			"secret_set":       h.secret != "",
		})
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		logger.Warn(ctx, "webhook rejected: 400 Bad Request - error parsing payload", logger.Fields{
			"delivery_id":  deliveryID,
			"payload_size": len(body),
			"error":        err.Error(),
		})
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if ev.Event == "" || (ev.UserID == "") == (ev.ConversationID == "") {
		http.Error(w, "event and exactly one of userId or conversationId are required", http.StatusBadRequest)
		return
	}
	if reserved[ev.Event] || (h.allowedEventsMap != nil && !h.allowedEventsMap[ev.Event]) {
		logger.Warn(ctx, "webhook event not allowed", logger.Fields{
			"event":       ev.Event,
			"delivery_id": deliveryID,
		})
		http.Error(w, "event not allowed", http.StatusForbidden)
		return
	}

	if deliveryID != "" {
		if seen, ok := h.deliveries.Get(deliveryID); ok {
			logger.Info(ctx, "webhook duplicate delivery ignored", logger.Fields{
				"delivery_id": deliveryID,
				"first_seen":  seen.Format(time.RFC3339),
			})
			w.WriteHeader(http.StatusOK)
			return
		}
		h.deliveries.Set(deliveryID, time.Now())
	}

	channel := srv.UserChannel(ev.UserID)
	if ev.ConversationID != "" {
		channel = srv.ConversationChannel(ev.ConversationID)
	}
	frame := srv.Frame{Event: ev.Event}
	if len(ev.Data) > 0 {
		frame.Data = ev.Data
	}
	delivered := h.hub.Broadcast(ctx, channel, frame, "")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]any{"delivered": delivered}); err != nil {
		logger.Error(ctx, "failed to write response", err, logger.Fields{"delivery_id": deliveryID})
	}

	logger.Info(ctx, "webhook broadcast", logger.Fields{
		"event":       ev.Event,
		"channel":     channel,
		"delivery_id": deliveryID,
		"delivered":   delivered,
		"fan_out":     h.hub.FanOutAvailable(),
	})
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature validates a "sha256=<hex>" signature in constant time.
// An empty secret never verifies.
func VerifySignature(payload []byte, signature, secret string) bool {
	// Always compute HMAC first to maintain constant time
	expected := Sign(payload, secret)

	validFormat := strings.HasPrefix(signature, "sha256=")
	validSecret := secret != ""
	validSignature := hmac.Equal([]byte(signature), []byte(expected))

	return validFormat && validSecret && validSignature
}
