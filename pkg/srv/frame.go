package srv

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

// Client to server events.
const (
	EventJoin   = "conversation:join"
	EventLeave  = "conversation:leave"
	EventSend   = "message:send"
	EventTyping = "message:typing"
	EventRead   = "message:read"
)

// Server to client events. EventTyping and EventRead are used in both directions.
const (
	EventConnected           = "connected"
	EventAck                 = "ack"
	EventMessageNew          = "message:new"
	EventConversationUpdated = "conversation:updated"
	EventUserStatus          = "user:status"
)

// BroadcastAll is the channel every connection receives.
const BroadcastAll = "*"

// Ack error codes.
const (
	CodeInvalidMessage = "invalid_message"
	CodeNotFound       = "not_found"
	CodeForbidden      = "forbidden"
	CodeInternal       = "internal_error"
	CodeUnknownEvent   = "unknown_event"
)

var (
	// ErrInvalidMessage is returned when a message has no content, no file or no conversation.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrNotFound is returned when the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")
	// ErrForbidden is returned when the caller is not a participant.
	ErrForbidden = errors.New("not a participant")
)

// UserChannel is the personal channel of a user.
func UserChannel(userID string) string { return "user:" + userID }

// ConversationChannel is the room channel of a conversation.
func ConversationChannel(conversationID string) string { return "conversation:" + conversationID }

// Frame is a server to client event.
type Frame struct {
	ID    *int64 `json:"id,omitempty"`
	Data  any    `json:"data,omitempty"`
	Event string `json:"event"`
}

// encode marshals f once so a broadcast can share the bytes across connections.
func (f Frame) encode() (json.RawMessage, error) {
	return json.Marshal(f)
}

// inbound is a client to server frame. Keepalives use Type; events use Event.
type inbound struct {
	ID    *int64          `json:"id,omitempty"`
	Seq   any             `json:"seq,omitempty"`
	Type  string          `json:"type,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// conversationRef is the payload of join, leave, typing and read events.
type conversationRef struct {
	ConversationID string `json:"conversationId"`
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

// Sender is the public profile attached to a broadcast message.
type Sender struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
}

// MessagePayload is the message:new payload and the successful send acknowledgement.
type MessagePayload struct {
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

func newMessagePayload(m *store.Message, sender Sender) *MessagePayload {
	return &MessagePayload{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    m.Type,
		FileURL:        m.FileURL,
		FileName:       m.FileName,
		FileSize:       m.FileSize,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
		Sender:         sender,
	}
}

// ConversationUpdate is sent to the recipient's personal channel after each message.
type ConversationUpdate struct {
	LastMessageAt  time.Time `json:"lastMessageAt"`
	ConversationID string    `json:"conversationId"`
	LastMessage    string    `json:"lastMessage"`
	UnreadCount    int       `json:"unreadCount"`
}

// TypingNotice is relayed to the other connections in a room.
type TypingNotice struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName"`
}

// ReadReceipt tells a participant their messages were read.
type ReadReceipt struct {
	ConversationID string `json:"conversationId"`
	ReadBy         string `json:"readBy"`
}

// UserStatus is an online/offline transition.
type UserStatus struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// Ack is the data of an acknowledgement frame.
type Ack struct {
	Message any    `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	OK      bool   `json:"ok,omitempty"`
}

// ackFor maps a handler error to an acknowledgement.
// Internal errors are reported generically.
func ackFor(err error) Ack {
	switch {
	case errors.Is(err, ErrInvalidMessage):
		return Ack{Error: CodeInvalidMessage, Message: err.Error()}
	case errors.Is(err, ErrNotFound):
		return Ack{Error: CodeNotFound, Message: "Conversation not found"}
	case errors.Is(err, ErrForbidden):
		return Ack{Error: CodeForbidden, Message: "Not a participant in this conversation"}
	default:
		return Ack{Error: CodeInternal, Message: "Failed to process request"}
	}
}
