// Package store is the persistence contract of the messaging server: conversations,
// messages and user activity. Conversations and users are created elsewhere; this
// package only reads them and mutates counters, previews and read flags.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a conversation or user does not exist.
var ErrNotFound = errors.New("not found")

// Message types.
const (
	TypeText = "text"
	TypeFile = "file"
)

// Slot identifies which participant column a user occupies in a conversation.
type Slot int

// Participant slots.
const (
	NoSlot Slot = iota
	Slot1
	Slot2
)

// Conversation is a two-party conversation with one unread counter per participant.
type Conversation struct {
	LastMessageAt      *time.Time
	ID                 string
	Participant1ID     string
	Participant2ID     string
	LastMessagePreview string
	Unread1            int
	Unread2            int
}

// SlotOf returns the slot userID occupies, or NoSlot.
func (c *Conversation) SlotOf(userID string) Slot {
	switch userID {
	case "":
		return NoSlot
	case c.Participant1ID:
		return Slot1
	case c.Participant2ID:
		return Slot2
	default:
		return NoSlot
	}
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return c.SlotOf(userID) != NoSlot
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if userID == c.Participant1ID {
		return c.Participant2ID
	}
	return c.Participant1ID
}

// Unread returns the unread counter of the given slot.
func (c *Conversation) Unread(s Slot) int {
	switch s {
	case Slot1:
		return c.Unread1
	case Slot2:
		return c.Unread2
	default:
		return 0
	}
}

// Message is a single persisted message. Only IsRead changes after insert.
type Message struct {
	CreatedAt      time.Time
	Content        *string
	FileURL        *string
	FileName       *string
	FileSize       *int64
	ID             string
	ConversationID string
	SenderID       string
	Type           string
	IsRead         bool
}

// User is the subset of a user profile the messaging server reads.
type User struct {
	LastActiveAt *time.Time
	ID           string
	Name         string
	Email        string
	Image        string
}

// Store is the persistence contract consumed by the messaging server.
type Store interface {
	// Conversation loads a conversation by id.
	Conversation(ctx context.Context, id string) (*Conversation, error)
	// SendMessage persists m and, in the same transaction, increments the
	// recipient slot's unread counter and sets the conversation's preview and
	// timestamp. It returns the stored message and the new counter value. On
	// error nothing is persisted. CreatedAt is filled in when zero.
	SendMessage(ctx context.Context, m *Message, recipient Slot) (*Message, int, error)
	// MarkRead marks every unread message not sent by the reader as read and zeroes
	// the reader's counter. It returns how many messages changed state.
	MarkRead(ctx context.Context, conversationID string, reader Slot, readerID string) (int64, error)
	// User loads a user profile.
	User(ctx context.Context, id string) (*User, error)
	// TouchLastActive sets last-active for each user id.
	TouchLastActive(ctx context.Context, at time.Time, userIDs ...string) error
	Close() error
}

// Seeder creates the rows that other services normally own. Used by tests and tooling.
type Seeder interface {
	PutUser(ctx context.Context, u *User) error
	CreateConversation(ctx context.Context, id, participant1, participant2 string) (*Conversation, error)
	Messages(ctx context.Context, conversationID string) ([]Message, error)
}

// Open picks an implementation from the DSN scheme:
//
//	postgres://... or postgresql://...  Postgres
//	sqlite://path or file:path          SQLite
//	memory://                           in-process, non-persistent
func Open(ctx context.Context, dsn string) (Store, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"),
		strings.HasPrefix(dsn, "postgres+pgx://"), strings.HasPrefix(dsn, "postgresql+pgx://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite://"):
		return OpenSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	case strings.HasPrefix(dsn, "file:"):
		return OpenSQLite(strings.TrimPrefix(dsn, "file:"))
	case strings.HasPrefix(dsn, "memory://"):
		return NewMemory(), nil
	case dsn == "":
		return nil, errors.New("empty database url")
	default:
		return nil, fmt.Errorf("unsupported database url scheme in %q", redact(dsn))
	}
}

// redact hides credentials in a DSN for error messages.
func redact(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return "<dsn>"
	}
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		rest = "***" + rest[at:]
	}
	return scheme + "://" + rest
}

// Preview limits.
const (
	PreviewLength = 100
	previewCut    = 97
)

// Preview renders the short conversation-list preview of a message.
func Preview(m *Message) string {
	if m.Type == TypeFile {
		name := "file"
		if m.FileName != nil && *m.FileName != "" {
			name = *m.FileName
		}
		return "[File] " + name
	}
	if m.Content == nil {
		return ""
	}
	r := []rune(*m.Content)
	if len(r) <= PreviewLength {
		return *m.Content
	}
	return string(r[:previewCut]) + "..."
}
