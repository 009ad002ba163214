package data

import (
	"slices"
	"sort"
	"time"
)

// User maps to users collection. Only presence-related fields live here;
// profile data is owned elsewhere.
type User struct {
	ID               string     `bson:"_id" json:"id"`
	Online           bool       `bson:"online" json:"isOnline"`
	LastSeen         *time.Time `bson:"last_seen,omitempty" json:"lastSeen,omitempty"`
	ShowOnlineStatus bool       `bson:"show_online_status" json:"showOnlineStatus"`
	CreatedAt        time.Time  `bson:"created_at" json:"createdAt"`
	UpdatedAt        time.Time  `bson:"updated_at" json:"updatedAt"`
}

// Conversation is a 1-to-1 thread. Participants are stored ordered (UserA < UserB)
// so the pair is unique regardless of who opened it.
type Conversation struct {
	ID            string     `bson:"_id" json:"id"`
	UserA         string     `bson:"user_a" json:"userA"`
	UserB         string     `bson:"user_b" json:"userB"`
	Wallpaper     string     `bson:"wallpaper,omitempty" json:"wallpaper,omitempty"`
	Seq           int64      `bson:"seq" json:"seq"`
	LastMessageAt *time.Time `bson:"last_message_at,omitempty" json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `bson:"created_at" json:"createdAt"`
}

// Has reports whether userID participates in the conversation.
func (c *Conversation) Has(userID string) bool {
	return userID != "" && (c.UserA == userID || c.UserB == userID)
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// OrderedPair returns a, b sorted so that the first is lexically smaller.
func OrderedPair(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// MessageType is the closed set of message kinds.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageVideo MessageType = "video"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVideo, MessageFile, MessageVoice:
		return true
	}
	return false
}

// Reaction is one (user, emoji) membership entry on a message.
type Reaction struct {
	UserID    string    `bson:"user_id" json:"userId"`
	Emoji     string    `bson:"emoji" json:"emoji"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// Message maps to messages collection.
// SeenAt != nil implies DeliveredAt != nil; both are stamped at most once.
type Message struct {
	ID               string      `bson:"_id" json:"id"`
	ConversationID   string      `bson:"conversation_id" json:"conversationId"`
	SenderID         string      `bson:"sender_id" json:"senderId"`
	RecipientID      string      `bson:"recipient_id" json:"recipientId"`
	Type             MessageType `bson:"type" json:"type"`
	Body             string      `bson:"body" json:"body"`
	IsEncrypted      bool        `bson:"is_encrypted" json:"isEncrypted"`
	ReplyToMessageID string      `bson:"reply_to_message_id,omitempty" json:"replyToMessageId,omitempty"`
	ClientID         string      `bson:"client_id,omitempty" json:"clientId,omitempty"`
	Seq              int64       `bson:"seq" json:"seq"`
	CreatedAt        time.Time   `bson:"created_at" json:"createdAt"`
	DeliveredAt      *time.Time  `bson:"delivered_at" json:"deliveredAt"`
	SeenAt           *time.Time  `bson:"seen_at" json:"seenAt"`
	Reactions        []Reaction  `bson:"reactions" json:"-"`
}

// ReactionSummary is the per-requester projection of a message's reactions.
type ReactionSummary struct {
	Emoji       string `json:"emoji"`
	Count       int    `json:"count"`
	ReactedByMe bool   `json:"reactedByMe"`
}

// MessageView is a message as shown to one requester.
type MessageView struct {
	*Message
	Reactions []ReactionSummary `json:"reactions"`
}

// View projects m for requesterID.
func (m *Message) View(requesterID string) MessageView {
	return MessageView{Message: m, Reactions: ProjectReactions(m.Reactions, requesterID)}
}

// ReactorsOf returns the users holding emoji on the message, in reaction order.
func (m *Message) ReactorsOf(emoji string) []string {
	var out []string
	for _, r := range m.Reactions {
		if r.Emoji == emoji {
			out = append(out, r.UserID)
		}
	}
	return out
}

// ProjectReactions aggregates membership entries into per-emoji counts, ordered
// by the first time each emoji was used.
func ProjectReactions(rs []Reaction, requesterID string) []ReactionSummary {
	out := []ReactionSummary{}
	idx := map[string]int{}
	for _, r := range rs {
		i, ok := idx[r.Emoji]
		if !ok {
			i = len(out)
			idx[r.Emoji] = i
			out = append(out, ReactionSummary{Emoji: r.Emoji})
		}
		out[i].Count++
		if r.UserID == requesterID {
			out[i].ReactedByMe = true
		}
	}
	return out
}

// ReactionUpdate is the aggregate for one (message, emoji) after a toggle.
// ReactedByMe is relative to ActorID until projected with For.
type ReactionUpdate struct {
	MessageID      string   `json:"messageId"`
	ConversationID string   `json:"conversationId"`
	Emoji          string   `json:"emoji"`
	Count          int      `json:"count"`
	ReactedByMe    bool     `json:"reactedByMe"`
	UserIDs        []string `json:"userIds"`
	ActorID        string   `json:"actorId"`
	// Participants routes the update; it is not part of the payload.
	Participants []string `json:"-"`
}

// For returns the update as viewerID should see it.
func (u ReactionUpdate) For(viewerID string) ReactionUpdate {
	u.ReactedByMe = slices.Contains(u.UserIDs, viewerID)
	return u
}

// LifecycleUpdate describes a delivered/seen transition of one message.
type LifecycleUpdate struct {
	MessageID      string     `json:"messageId"`
	ConversationID string     `json:"conversationId"`
	SenderID       string     `json:"senderId"`
	RecipientID    string     `json:"recipientId"`
	DeliveredAt    *time.Time `json:"deliveredAt"`
	SeenAt         *time.Time `json:"seenAt"`
}

// LifecycleOf builds the update describing m's current stamps.
func LifecycleOf(m *Message) LifecycleUpdate {
	return LifecycleUpdate{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    m.RecipientID,
		DeliveredAt:    m.DeliveredAt,
		SeenAt:         m.SeenAt,
	}
}

// Block is a directed edge: BlockerID refuses interaction with BlockedID.
type Block struct {
	BlockerID string    `bson:"blocker_id" json:"blockerId"`
	BlockedID string    `bson:"blocked_id" json:"blockedId"`
	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
}

// PublicKey is a device's published ECDH key. JWK holds the JSON text verbatim.
type PublicKey struct {
	UserID      string    `bson:"user_id" json:"userId"`
	DeviceID    string    `bson:"device_id" json:"deviceId"`
	JWK         string    `bson:"jwk" json:"jwk"`
	Fingerprint string    `bson:"fingerprint" json:"fingerprint"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updatedAt"`
}

func sortMessagesBySeq(ms []*Message) {
	sort.Slice(ms, func(i, j int) bool { return ms[i].Seq < ms[j].Seq })
}
