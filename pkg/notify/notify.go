// Package notify hands "recipient is offline" signals to whatever sends
// out-of-band notifications. The messaging server never decides whether to
// notify; it only reports that a message arrived while nobody was connected.
package notify

import (
	"context"
	"time"

	"github.com/codeGROOVE-dev/parlor/pkg/logger"
)

// RecencyWindow is how recent a last-active timestamp must be for RecentlyActive.
const RecencyWindow = 5 * time.Minute

// Signal describes one message delivered to an identity with no open connections.
type Signal struct {
	SentAt         time.Time `json:"sentAt"`
	RecipientID    string    `json:"recipientId"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName,omitempty"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId"`
	Preview        string    `json:"preview"`
	// RecentlyActive is informational: the recipient was active within RecencyWindow.
	RecentlyActive bool `json:"recentlyActive"`
}

// RecentlyActive reports whether lastActive falls within RecencyWindow of now.
func RecentlyActive(lastActive *time.Time, now time.Time) bool {
	return lastActive != nil && now.Sub(*lastActive) < RecencyWindow
}

// Notifier receives offline signals.
type Notifier interface {
	RecipientOffline(ctx context.Context, s Signal) error
	Close() error
}

// Log records signals without forwarding them.
type Log struct{}

// RecipientOffline implements Notifier.
func (Log) RecipientOffline(ctx context.Context, s Signal) error {
	logger.Info(ctx, "recipient offline, no notifier configured", logger.Fields{
		"recipient_id":    s.RecipientID,
		"conversation_id": s.ConversationID,
		"message_id":      s.MessageID,
		"recently_active": s.RecentlyActive,
	})
	return nil
}

// Close implements Notifier.
func (Log) Close() error { return nil }
