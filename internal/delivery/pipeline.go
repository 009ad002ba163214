// Package delivery owns the message lifecycle: send, delivered and seen
// stamping, reactions and history. It returns what changed; fan-out is the
// caller's job.
package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/e2e"
	"github.com/PaulBabatuyi/realtime-messenger/internal/normalize"
)

const (
	// MaxBodyBytes bounds a message body, envelope included.
	MaxBodyBytes = 64 * 1024
	// DefaultDedupWindow is how long a clientId stays idempotent.
	DefaultDedupWindow = 10 * time.Minute

	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Store is the persistence the pipeline needs.
type Store interface {
	data.UserStore
	data.ConversationStore
	data.MessageStore
}

// Interactor is the access-control gate.
type Interactor interface {
	AssertCanInteract(ctx context.Context, a, b string) error
}

// OnlineChecker reports live connections.
type OnlineChecker interface {
	IsOnline(userID string) bool
}

// Options tune a Pipeline. Zero values select defaults.
type Options struct {
	DedupWindow time.Duration
	Logger      *zap.Logger
	Now         func() time.Time
}

// Pipeline implements message delivery semantics over a Store.
type Pipeline struct {
	store       Store
	gate        Interactor
	presence    OnlineChecker
	dedupWindow time.Duration
	now         func() time.Time
	log         *zap.Logger
}

// New returns a Pipeline.
func New(store Store, gate Interactor, presence OnlineChecker, opts Options) *Pipeline {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:       store,
		gate:        gate,
		presence:    presence,
		dedupWindow: opts.DedupWindow,
		now:         opts.Now,
		log:         opts.Logger.Named("delivery"),
	}
}

// SendRequest is one message submission.
type SendRequest struct {
	ConversationID   string
	SenderID         string
	Type             data.MessageType
	Body             string
	IsEncrypted      bool
	ReplyToMessageID string
	ClientID         string
}

// SendResult is the stored message. Duplicate is set when ClientID matched a
// message already stored within the dedup window; nothing new was written.
type SendResult struct {
	Message   *data.Message
	Duplicate bool
}

// participantConversation loads the conversation and hides it from
// non-participants.
func (p *Pipeline) participantConversation(ctx context.Context, conversationID, userID string) (*data.Conversation, error) {
	conv, err := p.store.GetConversation(ctx, normalize.ID(conversationID))
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("conversation not found")
		}
		return nil, apperr.Internal(err)
	}
	if !conv.Has(userID) {
		return nil, apperr.NotFound("conversation not found")
	}
	return conv, nil
}

func validatePayload(req *SendRequest) error {
	if req.Type == "" {
		req.Type = data.MessageText
	}
	if !req.Type.Valid() {
		return apperr.Validation("unsupported message type")
	}
	if strings.TrimSpace(req.Body) == "" {
		return apperr.Validation("body is required")
	}
	if len(req.Body) > MaxBodyBytes {
		return apperr.Validation("body is too long")
	}
	if req.IsEncrypted {
		if req.Type != data.MessageText {
			return apperr.Validation("only text messages can be encrypted")
		}
		if err := e2e.ValidateEnvelope(req.Body); err != nil {
			return apperr.Wrap(apperr.CodeValidation, "encrypted body must be a valid envelope", err)
		}
	}
	return nil
}

// Send validates and persists a message. The checks run in a fixed order:
// participant, payload, gate, reply target.
func (p *Pipeline) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ReplyToMessageID = normalize.ID(req.ReplyToMessageID)

	conv, err := p.participantConversation(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, err
	}
	if err := validatePayload(&req); err != nil {
		return nil, err
	}
	recipientID := conv.Other(req.SenderID)
	if err := p.gate.AssertCanInteract(ctx, req.SenderID, recipientID); err != nil {
		return nil, err
	}
	if req.ReplyToMessageID != "" {
		target, err := p.store.GetMessage(ctx, req.ReplyToMessageID)
		if err != nil && !errors.Is(err, data.ErrNotFound) {
			return nil, apperr.Internal(err)
		}
		if target == nil || target.ConversationID != conv.ID {
			return nil, apperr.Validation("reply target must be in the same conversation")
		}
	}

	msg := &data.Message{
		ConversationID:   conv.ID,
		SenderID:         req.SenderID,
		RecipientID:      recipientID,
		Type:             req.Type,
		Body:             req.Body,
		IsEncrypted:      req.IsEncrypted,
		ReplyToMessageID: req.ReplyToMessageID,
		ClientID:         req.ClientID,
	}
	if msg.ClientID == "" {
		stored, err := p.store.InsertMessage(ctx, msg)
		if err != nil {
			return nil, apperr.Internal(err)
		}
		return &SendResult{Message: stored}, nil
	}
	return p.insertIdempotent(ctx, msg)
}

// maxClientIDAttempts bounds the lookup/insert loop for one clientId.
const maxClientIDAttempts = 3

// insertIdempotent stores msg unless its clientId is already held by a
// message inside the dedup window, in which case that message is returned as
// a duplicate. A holder older than the window gives the clientId up. The
// store's uniqueness on (conversation, sender, clientId) decides concurrent
// sends: the loser of the insert finds the winner on its next lookup.
func (p *Pipeline) insertIdempotent(ctx context.Context, msg *data.Message) (*SendResult, error) {
	for attempt := 1; ; attempt++ {
		prev, err := p.store.FindByClientID(ctx, msg.ConversationID, msg.SenderID, msg.ClientID)
		switch {
		case err == nil && !prev.CreatedAt.Before(p.now().Add(-p.dedupWindow)):
			p.log.Debug("duplicate send suppressed",
				zap.String("message_id", prev.ID), zap.String("client_id", msg.ClientID))
			return &SendResult{Message: prev, Duplicate: true}, nil
		case err == nil:
			if err := p.store.ReleaseClientID(ctx, prev.ID); err != nil {
				return nil, apperr.Internal(err)
			}
		case !errors.Is(err, data.ErrNotFound):
			return nil, apperr.Internal(err)
		}

		stored, err := p.store.InsertMessage(ctx, msg)
		if errors.Is(err, data.ErrConflict) && attempt < maxClientIDAttempts {
			continue
		}
		if err != nil {
			return nil, apperr.Internal(err)
		}
		return &SendResult{Message: stored}, nil
	}
}

func updatesOf(ms []*data.Message) []data.LifecycleUpdate {
	out := make([]data.LifecycleUpdate, 0, len(ms))
	for _, m := range ms {
		out = append(out, data.LifecycleOf(m))
	}
	return out
}

// MarkDeliveredIfRecipientOnline stamps msg delivered when its recipient has a
// live connection. It returns nil when nothing changed.
func (p *Pipeline) MarkDeliveredIfRecipientOnline(ctx context.Context, msg *data.Message) (*data.LifecycleUpdate, error) {
	if msg.DeliveredAt != nil || !p.presence.IsOnline(msg.RecipientID) {
		return nil, nil
	}
	changed, err := p.store.MarkDelivered(ctx, msg.RecipientID, msg.ConversationID, []string{msg.ID}, p.now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	u := data.LifecycleOf(changed[0])
	return &u, nil
}

// MarkAllDeliveredForUser stamps every pending message addressed to userID.
// Called on each new connection so reconnects catch up.
func (p *Pipeline) MarkAllDeliveredForUser(ctx context.Context, userID string) ([]data.LifecycleUpdate, error) {
	changed, err := p.store.MarkDelivered(ctx, userID, "", nil, p.now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return updatesOf(changed), nil
}

// MarkConversationDeliveredForUser stamps pending messages of one conversation.
func (p *Pipeline) MarkConversationDeliveredForUser(ctx context.Context, userID, conversationID string) ([]data.LifecycleUpdate, error) {
	conv, err := p.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	changed, err := p.store.MarkDelivered(ctx, userID, conv.ID, nil, p.now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return updatesOf(changed), nil
}

// MarkSeen stamps seen (and delivered, when missing) on messages userID
// received in the conversation. Nil messageIDs means all of them.
func (p *Pipeline) MarkSeen(ctx context.Context, userID, conversationID string, messageIDs []string) ([]data.LifecycleUpdate, error) {
	conv, err := p.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	if messageIDs != nil {
		ids = normalize.IDs(messageIDs)
		if len(ids) == 0 {
			return []data.LifecycleUpdate{}, nil
		}
	}
	changed, err := p.store.MarkSeen(ctx, userID, conv.ID, ids, p.now())
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return updatesOf(changed), nil
}
