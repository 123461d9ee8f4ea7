package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process Store. Every method takes the single lock, so each
// counter update is atomic with respect to the others.
type Memory struct {
	users         map[string]*User
	conversations map[string]*Conversation
	messages      map[string][]*Message
	messageIDs    map[string]struct{}
	mu            sync.Mutex
	closed        bool
}

var (
	_ Store  = (*Memory)(nil)
	_ Seeder = (*Memory)(nil)
)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*User),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		messageIDs:    make(map[string]struct{}),
	}
}

var errClosed = errors.New("store closed")

// Conversation implements Store.
func (m *Memory) Conversation(_ context.Context, id string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// SendMessage implements Store.
func (m *Memory) SendMessage(_ context.Context, msg *Message, recipient Slot) (*Message, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, 0, errClosed
	}
	c, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, 0, ErrNotFound
	}
	if recipient != Slot1 && recipient != Slot2 {
		return nil, 0, errors.New("invalid recipient slot")
	}
	if _, dup := m.messageIDs[msg.ID]; dup {
		return nil, 0, fmt.Errorf("duplicate message id %q", msg.ID)
	}
	cp := *msg
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.messages[cp.ConversationID] = append(m.messages[cp.ConversationID], &cp)
	m.messageIDs[cp.ID] = struct{}{}

	c.LastMessagePreview = Preview(&cp)
	at := cp.CreatedAt
	c.LastMessageAt = &at
	unread := &c.Unread1
	if recipient == Slot2 {
		unread = &c.Unread2
	}
	*unread++
	out := cp
	return &out, *unread, nil
}

// MarkRead implements Store.
func (m *Memory) MarkRead(_ context.Context, conversationID string, reader Slot, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errClosed
	}
	c, ok := m.conversations[conversationID]
	if !ok {
		return 0, ErrNotFound
	}
	var n int64
	for _, msg := range m.messages[conversationID] {
		if msg.SenderID != readerID && !msg.IsRead {
			msg.IsRead = true
			n++
		}
	}
	switch reader {
	case Slot1:
		c.Unread1 = 0
	case Slot2:
		c.Unread2 = 0
	default:
		return 0, errors.New("invalid reader slot")
	}
	return n, nil
}

// User implements Store.
func (m *Memory) User(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errClosed
	}
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// TouchLastActive implements Store. Unknown users are ignored.
func (m *Memory) TouchLastActive(_ context.Context, at time.Time, userIDs ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	for _, id := range userIDs {
		if u, ok := m.users[id]; ok {
			t := at
			u.LastActiveAt = &t
		}
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// PutUser implements Seeder.
func (m *Memory) PutUser(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
	return nil
}

// CreateConversation implements Seeder.
func (m *Memory) CreateConversation(_ context.Context, id, participant1, participant2 string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[id]; ok {
		return nil, errors.New("conversation exists")
	}
	c := &Conversation{ID: id, Participant1ID: participant1, Participant2ID: participant2}
	m.conversations[id] = c
	cp := *c
	return &cp, nil
}

// Messages implements Seeder.
func (m *Memory) Messages(_ context.Context, conversationID string) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, 0, len(m.messages[conversationID]))
	for _, msg := range m.messages[conversationID] {
		out = append(out, *msg)
	}
	return out, nil
}
