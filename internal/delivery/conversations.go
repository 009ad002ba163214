package delivery

import (
	"context"
	"errors"
	"strings"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/normalize"
)

const maxWallpaperBytes = 2048

// OpenConversation returns the 1-to-1 conversation between userID and peerID,
// creating it when the gate allows.
func (p *Pipeline) OpenConversation(ctx context.Context, userID, peerID string) (*data.Conversation, error) {
	peerID = normalize.ID(peerID)
	if peerID == "" || peerID == userID {
		return nil, apperr.Validation("peer must be another user")
	}
	if _, err := p.store.GetUser(ctx, peerID); err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal(err)
	}
	if err := p.gate.AssertCanInteract(ctx, userID, peerID); err != nil {
		return nil, err
	}
	conv, err := p.store.GetOrCreateConversation(ctx, userID, peerID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return conv, nil
}

// Conversation returns a conversation userID participates in.
func (p *Pipeline) Conversation(ctx context.Context, userID, conversationID string) (*data.Conversation, error) {
	return p.participantConversation(ctx, conversationID, userID)
}

// Conversations lists userID's conversations, most recent first.
func (p *Pipeline) Conversations(ctx context.Context, userID string, limit int64) ([]*data.Conversation, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	convs, err := p.store.ListConversationsForUser(ctx, userID, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if convs == nil {
		convs = []*data.Conversation{}
	}
	return convs, nil
}

// History returns a page of messages older than beforeSeq (0 for newest),
// oldest first, projected for requesterID.
func (p *Pipeline) History(ctx context.Context, requesterID, conversationID string, beforeSeq int64, limit int64) ([]data.MessageView, error) {
	conv, err := p.participantConversation(ctx, conversationID, requesterID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	msgs, err := p.store.ListMessages(ctx, conv.ID, beforeSeq, limit)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	out := make([]data.MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.View(requesterID))
	}
	return out, nil
}

// SetWallpaper stores an opaque wallpaper value on the conversation.
func (p *Pipeline) SetWallpaper(ctx context.Context, userID, conversationID, wallpaper string) (*data.Conversation, error) {
	conv, err := p.participantConversation(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	wallpaper = strings.TrimSpace(wallpaper)
	if len(wallpaper) > maxWallpaperBytes {
		return nil, apperr.Validation("wallpaper is too long")
	}
	updated, err := p.store.SetWallpaper(ctx, conv.ID, wallpaper)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return updated, nil
}
