package wire

import (
	"time"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// Server-to-client event names. Call events are "call:<status>".
const (
	EventPresenceSnapshot      = "presence:snapshot"
	EventPresenceUpdate        = "presence:update"
	EventMessageNew            = "message:new"
	EventMessageDelivered      = "message:delivered"
	EventMessageSeen           = "message:seen"
	EventMessageReaction       = "message:reaction"
	EventProfileUpdate         = "profile:update"
	EventConversationWallpaper = "conversation:wallpaper"
	EventTypingStart           = "typing:start"
	EventTypingStop            = "typing:stop"
	callEventPrefix            = "call:"
)

// Outbound is a server-pushed event. The set of implementations is closed.
type Outbound interface {
	Event() string
	outbound()
}

type PresenceSnapshot struct {
	OnlineUserIDs []string `json:"onlineUserIds"`
}

type PresenceUpdate struct {
	UserID   string     `json:"userId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

// MessageNew carries the stored message. Reactions are empty on a new message
// so one projection serves every recipient.
type MessageNew struct {
	data.MessageView
}

type MessageDelivered struct {
	data.LifecycleUpdate
}

type MessageSeenEvent struct {
	data.LifecycleUpdate
}

type MessageReaction struct {
	Update data.ReactionUpdate `json:"update"`
}

type ProfileUpdate struct {
	UserID           string `json:"userId"`
	ShowOnlineStatus bool   `json:"showOnlineStatus"`
}

type ConversationWallpaper struct {
	ConversationID string `json:"conversationId"`
	Wallpaper      string `json:"wallpaper"`
	UpdatedBy      string `json:"updatedBy"`
}

// CallSignal is one relayed call transition.
type CallSignal struct {
	CallID         string    `json:"callId"`
	ConversationID string    `json:"conversationId"`
	FromUserID     string    `json:"fromUserId"`
	ToUserID       string    `json:"toUserId"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"createdAt"`
}

type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Start          bool   `json:"-"`
}

func (PresenceSnapshot) Event() string      { return EventPresenceSnapshot }
func (PresenceUpdate) Event() string        { return EventPresenceUpdate }
func (MessageNew) Event() string            { return EventMessageNew }
func (MessageDelivered) Event() string      { return EventMessageDelivered }
func (MessageSeenEvent) Event() string      { return EventMessageSeen }
func (MessageReaction) Event() string       { return EventMessageReaction }
func (ProfileUpdate) Event() string         { return EventProfileUpdate }
func (ConversationWallpaper) Event() string { return EventConversationWallpaper }
func (c CallSignal) Event() string          { return callEventPrefix + c.Status }
func (t TypingSignal) Event() string {
	if t.Start {
		return EventTypingStart
	}
	return EventTypingStop
}

func (PresenceSnapshot) outbound()      {}
func (PresenceUpdate) outbound()        {}
func (MessageNew) outbound()            {}
func (MessageDelivered) outbound()      {}
func (MessageSeenEvent) outbound()      {}
func (MessageReaction) outbound()       {}
func (ProfileUpdate) outbound()         {}
func (ConversationWallpaper) outbound() {}
func (CallSignal) outbound()            {}
func (TypingSignal) outbound()          {}

// Ack payloads. Every inbound frame with an id gets exactly one of these.

type OKAck struct {
	OK bool `json:"ok"`
}

type SendAck struct {
	OK        bool             `json:"ok"`
	Message   data.MessageView `json:"message"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

type SeenAck struct {
	OK      bool                   `json:"ok"`
	Updates []data.LifecycleUpdate `json:"updates"`
}

type ReactAck struct {
	OK     bool                `json:"ok"`
	Update data.ReactionUpdate `json:"update"`
}

type CallAck struct {
	OK     bool       `json:"ok"`
	Signal CallSignal `json:"signal"`
}

type ErrorAck struct {
	OK      bool        `json:"ok"`
	Message string      `json:"message"`
	Code    apperr.Code `json:"code"`
}

// ErrorAckFrom converts any error into the client-safe failure ack.
func ErrorAckFrom(err error) ErrorAck {
	ae := apperr.From(err)
	return ErrorAck{OK: false, Message: ae.Message, Code: ae.Code}
}
