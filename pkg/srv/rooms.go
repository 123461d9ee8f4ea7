package srv

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
	"github.com/codeGROOVE-dev/parlor/pkg/store"
)

// Rooms authorizes conversation membership and handles read receipts.
type Rooms struct {
	hub   *Hub
	store store.Store
}

// NewRooms creates a room manager.
func NewRooms(hub *Hub, st store.Store) *Rooms {
	return &Rooms{hub: hub, store: st}
}

// authorize loads the conversation and the caller's participant slot.
func (r *Rooms) authorize(ctx context.Context, userID, conversationID string) (*store.Conversation, store.Slot, error) {
	if conversationID == "" {
		return nil, store.NoSlot, ErrInvalidMessage
	}
	conv, err := r.store.Conversation(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.NoSlot, ErrNotFound
	}
	if err != nil {
		return nil, store.NoSlot, fmt.Errorf("load conversation: %w", err)
	}
	slot := conv.SlotOf(userID)
	if slot == store.NoSlot {
		return nil, store.NoSlot, ErrForbidden
	}
	return conv, slot, nil
}

// Join adds c to the conversation's channel and marks the other participant's
// messages read. Non-participants and unknown conversations are refused silently:
// Join returns false with a nil error.
func (r *Rooms) Join(ctx context.Context, c *Client, conversationID string) (bool, error) {
	_, slot, err := r.authorize(ctx, c.UserID(), conversationID)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrForbidden), errors.Is(err, ErrInvalidMessage):
		logger.Info(ctx, "join refused", logger.Fields{
			"client_id":       c.ID,
			"user_id":         c.UserID(),
			"conversation_id": conversationID,
			"reason":          err.Error(),
		})
		return false, nil
	case err != nil:
		return false, err
	}

	r.hub.Join(c, ConversationChannel(conversationID))
	if _, err := r.store.MarkRead(ctx, conversationID, slot, c.UserID()); err != nil {
		return true, fmt.Errorf("mark read on join: %w", err)
	}
	logger.Debug(ctx, "joined conversation", logger.Fields{
		"client_id":       c.ID,
		"conversation_id": conversationID,
	})
	return true, nil
}

// Leave removes c from the conversation's channel.
func (r *Rooms) Leave(c *Client, conversationID string) {
	r.hub.Leave(c, ConversationChannel(conversationID))
}

// MarkRead marks the other participant's messages read, resets the caller's
// unread counter and sends a read receipt to the other participant. Calling it
// again is harmless.
func (r *Rooms) MarkRead(ctx context.Context, c *Client, conversationID string) error {
	conv, slot, err := r.authorize(ctx, c.UserID(), conversationID)
	if err != nil {
		return err
	}
	n, err := r.store.MarkRead(ctx, conversationID, slot, c.UserID())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	r.hub.Broadcast(ctx, UserChannel(conv.Other(c.UserID())), Frame{
		Event: EventRead,
		Data:  ReadReceipt{ConversationID: conversationID, ReadBy: c.UserID()},
	}, "")
	logger.Debug(ctx, "marked read", logger.Fields{
		"conversation_id": conversationID,
		"user_id":         c.UserID(),
		"messages":        n,
	})
	return nil
}

// IsJoined reports whether c is in the conversation's channel.
func (r *Rooms) IsJoined(c *Client, conversationID string) bool {
	return r.hub.IsMember(c.ID, ConversationChannel(conversationID))
}
