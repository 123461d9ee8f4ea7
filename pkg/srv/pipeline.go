package srv

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/notify"
	"github.com/codeGROOVE-dev/parlor/pkg/security"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

const (
	// MaxContentLength is the longest accepted text message, in runes.
	MaxContentLength = 10000
	maxFileNameLength = 255
	notifyTimeout     = 5 * time.Second
)

// Pipeline persists messages, updates unread counters and delivers events.
type Pipeline struct {
	hub      *Hub
	store    store.Store
	rooms    *Rooms
	presence *Presence
	profiles *ProfileCache
	notifier notify.Notifier
	newID    func() string
	now      func() time.Time
	// allowInternalFiles permits file URLs on loopback or private hosts (development).
	allowInternalFiles bool
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithNotifier sets where offline signals are handed off.
func WithNotifier(n notify.Notifier) PipelineOption {
	return func(p *Pipeline) { p.notifier = n }
}

// WithInternalFileURLs allows file URLs that point at private networks.
func WithInternalFileURLs(allow bool) PipelineOption {
	return func(p *Pipeline) { p.allowInternalFiles = allow }
}

// NewPipeline creates a message pipeline.
func NewPipeline(hub *Hub, st store.Store, rooms *Rooms, presence *Presence, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		hub:      hub,
		store:    st,
		rooms:    rooms,
		presence: presence,
		profiles: NewProfileCache(st),
		notifier: notify.Log{},
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// validate normalizes req and returns the message to persist.
func (p *Pipeline) validate(req SendRequest) (*store.Message, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("%w: conversationId is required", ErrInvalidMessage)
	}
	hasContent := req.Content != nil && strings.TrimSpace(*req.Content) != ""
	hasFile := req.FileURL != nil && *req.FileURL != ""

	kind := req.MessageType
	if kind == "" {
		kind = store.TypeText
		if hasFile && !hasContent {
			kind = store.TypeFile
		}
	}

	m := &store.Message{ConversationID: req.ConversationID, Type: kind}
	switch kind {
	case store.TypeText:
		if !hasContent {
			return nil, fmt.Errorf("%w: content or file is required", ErrInvalidMessage)
		}
		if utf8.RuneCountInString(*req.Content) > MaxContentLength {
			return nil, fmt.Errorf("%w: content exceeds %d characters", ErrInvalidMessage, MaxContentLength)
		}
		content := *req.Content
		m.Content = &content
	case store.TypeFile:
		if !hasFile {
			return nil, fmt.Errorf("%w: content or file is required", ErrInvalidMessage)
		}
		if err := security.ValidateFileURL(*req.FileURL, p.allowInternalFiles); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
		if req.FileName != nil && utf8.RuneCountInString(*req.FileName) > maxFileNameLength {
			return nil, fmt.Errorf("%w: file name too long", ErrInvalidMessage)
		}
		if req.FileSize != nil && *req.FileSize < 0 {
			return nil, fmt.Errorf("%w: negative file size", ErrInvalidMessage)
		}
		url := *req.FileURL
		m.FileURL, m.FileName, m.FileSize = &url, req.FileName, req.FileSize
		if hasContent {
			content := *req.Content
			m.Content = &content
		}
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrInvalidMessage, kind)
	}
	return m, nil
}

// Send persists a message from c and delivers it. The returned payload is what
// was broadcast to the conversation's room.
func (p *Pipeline) Send(ctx context.Context, c *Client, req SendRequest) (*MessagePayload, error) {
	m, err := p.validate(req)
	if err != nil {
		return nil, err
	}

	conv, senderSlot, err := p.rooms.authorize(ctx, c.UserID(), req.ConversationID)
	if err != nil {
		return nil, err
	}
	recipientID := conv.Other(c.UserID())
	recipientSlot := store.Slot2
	if senderSlot == store.Slot2 {
		recipientSlot = store.Slot1
	}

	m.ID = p.newID()
	m.SenderID = c.UserID()
	m.CreatedAt = p.now().UTC()
	saved, unread, err := p.store.SendMessage(ctx, m, recipientSlot)
	if err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	preview := store.Preview(saved)

	payload := newMessagePayload(saved, p.profiles.Sender(ctx, c.UserID(), c.Identity()))
	p.hub.Broadcast(ctx, ConversationChannel(conv.ID), Frame{Event: EventMessageNew, Data: payload}, "")
	p.hub.Broadcast(ctx, UserChannel(recipientID), Frame{
		Event: EventConversationUpdated,
		Data: ConversationUpdate{
			ConversationID: conv.ID,
			LastMessage:    preview,
			LastMessageAt:  saved.CreatedAt,
			UnreadCount:    unread,
		},
	}, "")

	logger.Debug(ctx, "message sent", logger.Fields{
		"message_id":      saved.ID,
		"conversation_id": conv.ID,
		"sender_id":       c.UserID(),
		"recipient_id":    recipientID,
		"unread":          unread,
	})

	if !p.presence.IsOnline(recipientID) {
		p.signalOffline(ctx, recipientID, payload, preview)
	}
	return payload, nil
}

// signalOffline hands the message to the notifier. Failures are logged only.
func (p *Pipeline) signalOffline(ctx context.Context, recipientID string, msg *MessagePayload, preview string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()

	sig := notify.Signal{
		RecipientID:    recipientID,
		SenderID:       msg.SenderID,
		SenderName:     msg.Sender.Name,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Preview:        preview,
		SentAt:         msg.CreatedAt,
	}
	u, err := p.store.User(ctx, recipientID)
	switch {
	case err == nil:
		sig.RecentlyActive = notify.RecentlyActive(u.LastActiveAt, p.now())
	case !errors.Is(err, store.ErrNotFound):
		logger.Warn(ctx, "failed to load recipient activity", logger.Fields{
			"recipient_id": recipientID,
			"error":        err.Error(),
		})
	}

	if err := p.notifier.RecipientOffline(ctx, sig); err != nil {
		logger.Error(ctx, "offline notification handoff failed", err, logger.Fields{
			"recipient_id": recipientID,
			"message_id":   msg.ID,
		})
	}
}

// Typing relays a typing notice to the other connections in the room.
// Connections that have not joined the room are ignored.
func (p *Pipeline) Typing(ctx context.Context, c *Client, conversationID string) {
	if conversationID == "" || !p.rooms.IsJoined(c, conversationID) {
		return
	}
	id := c.Identity()
	name := id.Name
	if name == "" {
		name = p.profiles.Sender(ctx, id.UserID, id).Name
	}
	p.hub.Broadcast(ctx, ConversationChannel(conversationID), Frame{
		Event: EventTyping,
		Data:  TypingNotice{ConversationID: conversationID, UserID: id.UserID, UserName: name},
	}, c.ID)
}
