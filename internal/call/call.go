// Package call relays call-signalling transitions between the two
// participants of a conversation. The relay is stateless: ringing timeouts
// and media negotiation belong to the clients.
package call

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// Action is a client-requested transition.
type Action string

const (
	ActionInvite  Action = "invite"
	ActionAccept  Action = "accept"
	ActionDecline Action = "decline"
	ActionEnd     Action = "end"
)

// Status is the resulting call state.
type Status string

const (
	StatusRinging   Status = "ringing"
	StatusConnected Status = "connected"
	StatusDeclined  Status = "declined"
	StatusEnded     Status = "ended"
	StatusMissed    Status = "missed"
)

// StatusFor maps an action to the status it produces. For end the client may
// label the outcome ended, missed or declined; anything else means ended.
func StatusFor(action Action, label string) Status {
	switch action {
	case ActionInvite:
		return StatusRinging
	case ActionAccept:
		return StatusConnected
	case ActionDecline:
		return StatusDeclined
	case ActionEnd:
		switch Status(strings.ToLower(strings.TrimSpace(label))) {
		case StatusMissed:
			return StatusMissed
		case StatusDeclined:
			return StatusDeclined
		}
	}
	return StatusEnded
}

// Request is one signal from a participant.
type Request struct {
	ConversationID string
	ToUserID       string
	CallID         string
	Action         Action
	Status         string
}

// Session is the relayed call state. It is never persisted.
type Session struct {
	CallID         string
	ConversationID string
	FromUserID     string
	ToUserID       string
	Status         Status
	CreatedAt      time.Time
}

// ConversationGetter loads conversations.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
}

// Interactor is the access-control gate.
type Interactor interface {
	AssertCanInteract(ctx context.Context, a, b string) error
}

// Relay validates call signals.
type Relay struct {
	convs ConversationGetter
	gate  Interactor
	now   func() time.Time
}

// NewRelay returns a Relay.
func NewRelay(convs ConversationGetter, gate Interactor) *Relay {
	return &Relay{convs: convs, gate: gate, now: time.Now}
}

// Signal validates a transition from fromUserID and returns the session to
// relay. A missing call id is generated on invite and rejected otherwise.
func (r *Relay) Signal(ctx context.Context, fromUserID string, req Request) (*Session, error) {
	switch req.Action {
	case ActionInvite, ActionAccept, ActionDecline, ActionEnd:
	default:
		return nil, apperr.Validation("unknown call action")
	}
	if req.ToUserID == "" || req.ToUserID == fromUserID {
		return nil, apperr.Validation("call target must be the other participant")
	}

	conv, err := r.convs.GetConversation(ctx, req.ConversationID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Internal(err)
	}
	if !conv.Has(fromUserID) || !conv.Has(req.ToUserID) {
		return nil, apperr.NotFound("conversation not found")
	}
	if err := r.gate.AssertCanInteract(ctx, fromUserID, req.ToUserID); err != nil {
		return nil, err
	}

	callID := strings.TrimSpace(req.CallID)
	if callID == "" {
		if req.Action != ActionInvite {
			return nil, apperr.Validation("callId is required")
		}
		callID = uuid.NewString()
	}
	return &Session{
		CallID:         callID,
		ConversationID: conv.ID,
		FromUserID:     fromUserID,
		ToUserID:       req.ToUserID,
		Status:         StatusFor(req.Action, req.Status),
		CreatedAt:      r.now().UTC(),
	}, nil
}
