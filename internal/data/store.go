// Package data provides domain models and the stores that persist them.
// Three backends implement Store: MongoDB, PostgreSQL and an in-memory store
// used by tests and single-process development.
package data

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("already exists")
)

// UserStore persists presence-related user state.
type UserStore interface {
	// EnsureUser returns the user, creating it with default settings if absent.
	EnsureUser(ctx context.Context, id string) (*User, error)
	GetUser(ctx context.Context, id string) (*User, error)
	// GetUsers returns the users that exist among ids, in no particular order.
	GetUsers(ctx context.Context, ids []string) ([]*User, error)
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
	SetShowOnlineStatus(ctx context.Context, id string, show bool) (*User, error)
}

// BlockStore persists directed block edges.
type BlockStore interface {
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	// BlockExists reports an edge in either direction between a and b.
	BlockExists(ctx context.Context, a, b string) (bool, error)
	// BlockedAmong returns the subset of others that share an edge (either
	// direction) with userID, in a single query.
	BlockedAmong(ctx context.Context, userID string, others []string) (map[string]bool, error)
}

// ConversationStore persists 1-to-1 conversations.
type ConversationStore interface {
	GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// ListConversationsForUser returns conversations, most recently active first.
	ListConversationsForUser(ctx context.Context, userID string, limit int64) ([]*Conversation, error)
	SetWallpaper(ctx context.Context, id, wallpaper string) (*Conversation, error)
}

// MessageStore persists messages and their lifecycle stamps.
type MessageStore interface {
	// InsertMessage assigns ID, Seq and CreatedAt atomically with the
	// conversation's bookkeeping. CreatedAt is strictly increasing per conversation.
	// A non-empty ClientID is unique per (conversation, sender); a second
	// insert holding it fails with ErrConflict.
	InsertMessage(ctx context.Context, msg *Message) (*Message, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	// FindByClientID returns the sender's message in conversationID holding
	// clientID, or ErrNotFound.
	FindByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error)
	// ReleaseClientID clears a message's ClientID so it can be held again.
	ReleaseClientID(ctx context.Context, messageID string) error
	// MarkDelivered stamps delivered_at on recipientID's undelivered messages.
	// Empty conversationID means every conversation; nil ids means every message.
	// Only the messages that actually transitioned are returned.
	MarkDelivered(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error)
	// MarkSeen stamps seen_at (and delivered_at when missing) on recipientID's
	// unseen messages in conversationID. Only transitioned messages are returned.
	MarkSeen(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error)
	// ToggleReaction flips (userID, emoji) membership and returns the message
	// after the flip and whether the reaction is now present.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*Message, bool, error)
	// ListMessages returns up to limit messages older than beforeSeq (0 for the
	// newest page), ordered oldest to newest.
	ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int64) ([]*Message, error)
}

// KeyStore persists published device public keys.
type KeyStore interface {
	UpsertPublicKey(ctx context.Context, key *PublicKey) error
	// GetPublicKey returns the key for (userID, deviceID); an empty deviceID
	// selects the most recently updated device.
	GetPublicKey(ctx context.Context, userID, deviceID string) (*PublicKey, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	UserStore
	BlockStore
	ConversationStore
	MessageStore
	KeyStore
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// nextCreatedAt returns max(now, last+1ms) truncated to milliseconds so that
// timestamps inside one conversation never collide or go backwards.
func nextCreatedAt(now time.Time, last *time.Time) time.Time {
	now = now.UTC().Truncate(time.Millisecond)
	if last != nil {
		floor := last.UTC().Truncate(time.Millisecond).Add(time.Millisecond)
		if now.Before(floor) {
			return floor
		}
	}
	return now
}
