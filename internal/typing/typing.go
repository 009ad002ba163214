// Package typing relays typing indicators. There are no server-side timers;
// clients send stop (or simply go quiet) and expire indicators themselves.
package typing

import (
	"context"
	"errors"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

// ConversationGetter loads conversations.
type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*data.Conversation, error)
}

// Interactor is the access-control gate.
type Interactor interface {
	AssertCanInteract(ctx context.Context, a, b string) error
}

// Signal is a validated typing transition ready to be relayed to the
// conversation room, excluding UserID.
type Signal struct {
	ConversationID string
	UserID         string
	PeerID         string
	Start          bool
}

// Relay validates typing transitions.
type Relay struct {
	convs ConversationGetter
	gate  Interactor
}

// NewRelay returns a Relay.
func NewRelay(convs ConversationGetter, gate Interactor) *Relay {
	return &Relay{convs: convs, gate: gate}
}

// Start validates a typing:start from userID.
func (r *Relay) Start(ctx context.Context, conversationID, userID string) (*Signal, error) {
	return r.signal(ctx, conversationID, userID, true)
}

// Stop validates a typing:stop from userID.
func (r *Relay) Stop(ctx context.Context, conversationID, userID string) (*Signal, error) {
	return r.signal(ctx, conversationID, userID, false)
}

func (r *Relay) signal(ctx context.Context, conversationID, userID string, start bool) (*Signal, error) {
	conv, err := r.convs.GetConversation(ctx, conversationID)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Internal(err)
	}
	if !conv.Has(userID) {
		return nil, apperr.NotFound("conversation not found")
	}
	peer := conv.Other(userID)
	if err := r.gate.AssertCanInteract(ctx, userID, peer); err != nil {
		return nil, err
	}
	return &Signal{ConversationID: conv.ID, UserID: userID, PeerID: peer, Start: start}, nil
}
