// Package fanout turns domain results into outbound events, picks the rooms
// they go to, and escalates to push when the recipient has no live connection.
package fanout

import (
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/call"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/notify"
	"github.com/PaulBabatuyi/realtime-messenger/internal/typing"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

// Emitter delivers one event to every connection in any of topics, at most
// once per connection. Connections of exceptUserID are skipped.
type Emitter interface {
	Emit(ev wire.Outbound, topics []wire.Topic, exceptUserID string)
}

// ConnectionCounter reports live connections per user.
type ConnectionCounter interface {
	ConnectionCount(userID string) int
}

// Enqueuer accepts push notifications.
type Enqueuer interface {
	Enqueue(n notify.Notification) bool
}

// Bridge is the single place that decides who hears about what.
type Bridge struct {
	emit     Emitter
	presence ConnectionCounter
	push     Enqueuer
	log      *zap.Logger
}

// New returns a Bridge. push may be nil to disable escalation.
func New(emit Emitter, presence ConnectionCounter, push Enqueuer, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{emit: emit, presence: presence, push: push, log: log.Named("fanout")}
}

func conversationTopics(conversationID string, userIDs ...string) []wire.Topic {
	topics := make([]wire.Topic, 0, len(userIDs)+1)
	topics = append(topics, wire.ConversationTopic(conversationID))
	for _, id := range userIDs {
		if id != "" {
			topics = append(topics, wire.UserTopic(id))
		}
	}
	return topics
}

func userTopics(userIDs []string) []wire.Topic {
	topics := make([]wire.Topic, 0, len(userIDs))
	for _, id := range userIDs {
		topics = append(topics, wire.UserTopic(id))
	}
	return topics
}

// MessageNew announces a stored message and pushes it to an offline
// recipient.
func (b *Bridge) MessageNew(m *data.Message) {
	b.emit.Emit(wire.MessageNew{MessageView: m.View(m.SenderID)},
		conversationTopics(m.ConversationID, m.SenderID, m.RecipientID), "")
	if b.offline(m.RecipientID) {
		b.escalate(notify.ForMessage(m))
	}
}

// Delivered announces delivered stamps.
func (b *Bridge) Delivered(updates []data.LifecycleUpdate) {
	for _, u := range updates {
		b.emit.Emit(wire.MessageDelivered{LifecycleUpdate: u},
			conversationTopics(u.ConversationID, u.SenderID, u.RecipientID), "")
	}
}

// Seen announces seen stamps.
func (b *Bridge) Seen(updates []data.LifecycleUpdate) {
	for _, u := range updates {
		b.emit.Emit(wire.MessageSeenEvent{LifecycleUpdate: u},
			conversationTopics(u.ConversationID, u.SenderID, u.RecipientID), "")
	}
}

// Reaction announces a recomputed reaction aggregate. Each participant gets
// its own projection on its personal room; only participants can join the
// conversation room, so that room adds no one.
func (b *Bridge) Reaction(u *data.ReactionUpdate) {
	for _, id := range u.Participants {
		if id == "" {
			continue
		}
		b.emit.Emit(wire.MessageReaction{Update: u.For(id)}, []wire.Topic{wire.UserTopic(id)}, "")
	}
}

// Presence tells viewers that userID went online or offline. Viewers must
// already be filtered through the gate.
func (b *Bridge) Presence(userID string, online bool, lastSeen *time.Time, viewers []string) {
	if len(viewers) == 0 {
		return
	}
	b.emit.Emit(wire.PresenceUpdate{UserID: userID, IsOnline: online, LastSeen: lastSeen},
		userTopics(viewers), "")
}

// Profile announces a visibility change to the user's own sessions and the
// given viewers.
func (b *Bridge) Profile(u *data.User, viewers []string) {
	topics := append(userTopics(viewers), wire.UserTopic(u.ID))
	b.emit.Emit(wire.ProfileUpdate{UserID: u.ID, ShowOnlineStatus: u.ShowOnlineStatus}, topics, "")
}

// Wallpaper announces a conversation wallpaper change.
func (b *Bridge) Wallpaper(c *data.Conversation, updatedBy string) {
	b.emit.Emit(wire.ConversationWallpaper{ConversationID: c.ID, Wallpaper: c.Wallpaper, UpdatedBy: updatedBy},
		conversationTopics(c.ID, c.UserA, c.UserB), "")
}

// CallSignalOf converts a relayed call session into its event.
func CallSignalOf(s *call.Session) wire.CallSignal {
	return wire.CallSignal{
		CallID:         s.CallID,
		ConversationID: s.ConversationID,
		FromUserID:     s.FromUserID,
		ToUserID:       s.ToUserID,
		Status:         string(s.Status),
		CreatedAt:      s.CreatedAt,
	}
}

// Call echoes a call transition to both parties. A ringing call for a user
// with no connection becomes a push.
func (b *Bridge) Call(s *call.Session) {
	b.emit.Emit(CallSignalOf(s), conversationTopics(s.ConversationID, s.FromUserID, s.ToUserID), "")
	if s.Status == call.StatusRinging && b.offline(s.ToUserID) {
		b.escalate(notify.ForCall(s.CallID, s.ConversationID, s.FromUserID, s.ToUserID, s.CreatedAt))
	}
}

// Typing relays an indicator to the conversation room, never to the typist.
func (b *Bridge) Typing(s *typing.Signal) {
	b.emit.Emit(wire.TypingSignal{ConversationID: s.ConversationID, UserID: s.UserID, Start: s.Start},
		[]wire.Topic{wire.ConversationTopic(s.ConversationID)}, s.UserID)
}

func (b *Bridge) offline(userID string) bool {
	return b.presence.ConnectionCount(userID) == 0
}

func (b *Bridge) escalate(n notify.Notification) {
	if b.push == nil {
		return
	}
	if !b.push.Enqueue(n) {
		b.log.Debug("push not queued", zap.String("user_id", n.UserID))
	}
}
