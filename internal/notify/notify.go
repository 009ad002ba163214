// Package notify escalates events to an out-of-band push channel for users
// with no live connection.
package notify

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// Kind tells the push collaborator what the notification is about.
type Kind string

const (
	KindMessage Kind = "message"
	KindCall    Kind = "call"
)

// Notification is one push payload. Preview never contains an encrypted body.
type Notification struct {
	UserID         string    `json:"userId"`
	Kind           Kind      `json:"kind"`
	FromUserID     string    `json:"fromUserId"`
	ConversationID string    `json:"conversationId"`
	MessageID      string    `json:"messageId,omitempty"`
	CallID         string    `json:"callId,omitempty"`
	Preview        string    `json:"preview"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Pusher delivers notifications to devices (APNs, WebPush, ...).
type Pusher interface {
	Push(ctx context.Context, n Notification) error
}

const previewLimit = 80

// Preview returns the text shown for m on a lock screen.
func Preview(m *data.Message) string {
	if m.IsEncrypted {
		return "New message"
	}
	switch m.Type {
	case data.MessageImage:
		return "Photo"
	case data.MessageVideo:
		return "Video"
	case data.MessageFile:
		return "File"
	case data.MessageVoice:
		return "Voice message"
	}
	r := []rune(m.Body)
	if len(r) > previewLimit {
		return string(r[:previewLimit-1]) + "…"
	}
	return m.Body
}

// ForMessage builds the notification for a new message.
func ForMessage(m *data.Message) Notification {
	return Notification{
		UserID:         m.RecipientID,
		Kind:           KindMessage,
		FromUserID:     m.SenderID,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Preview:        Preview(m),
		CreatedAt:      m.CreatedAt,
	}
}

// ForCall builds the notification for an incoming call.
func ForCall(callID, conversationID, fromUserID, toUserID string, at time.Time) Notification {
	return Notification{
		UserID:         toUserID,
		Kind:           KindCall,
		FromUserID:     fromUserID,
		ConversationID: conversationID,
		CallID:         callID,
		Preview:        "Incoming call",
		CreatedAt:      at,
	}
}

// LogPusher writes notifications to the log instead of a device.
type LogPusher struct {
	log *zap.Logger
}

func NewLogPusher(log *zap.Logger) *LogPusher {
	return &LogPusher{log: log.Named("push")}
}

func (p *LogPusher) Push(_ context.Context, n Notification) error {
	p.log.Info("push notification",
		zap.String("user_id", n.UserID),
		zap.String("kind", string(n.Kind)),
		zap.String("conversation_id", n.ConversationID),
		zap.String("preview", n.Preview),
	)
	return nil
}
