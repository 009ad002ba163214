package delivery

import (
	"context"
	"errors"

	"github.com/forPelevin/gomoji"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/normalize"
)

// Reactions is the fixed reaction set, in normalised form.
var Reactions = []string{"👍", "\u2764", "😂", "😮", "😢", "🙏"}

var allowedReactions = func() map[string]bool {
	m := make(map[string]bool, len(Reactions))
	for _, r := range Reactions {
		m[r] = true
	}
	return m
}()

// NormalizeReaction returns the canonical emoji or a Validation error.
func NormalizeReaction(raw string) (string, error) {
	emoji := normalize.Emoji(raw)
	if allowedReactions[emoji] {
		return emoji, nil
	}
	found := gomoji.CollectAll(raw)
	if len(found) == 1 && found[0].Character == raw {
		return "", apperr.Validation("unsupported reaction")
	}
	return "", apperr.Validation("reaction must be a single emoji")
}

// ToggleReaction flips userID's emoji on a message and returns the recomputed
// aggregate for that emoji.
func (p *Pipeline) ToggleReaction(ctx context.Context, userID, messageID, rawEmoji string) (*data.ReactionUpdate, error) {
	emoji, err := NormalizeReaction(rawEmoji)
	if err != nil {
		return nil, err
	}
	msg, err := p.store.GetMessage(ctx, normalize.ID(messageID))
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Internal(err)
	}
	if msg.SenderID != userID && msg.RecipientID != userID {
		return nil, apperr.NotFound("message not found")
	}
	other := msg.SenderID
	if other == userID {
		other = msg.RecipientID
	}
	if err := p.gate.AssertCanInteract(ctx, userID, other); err != nil {
		return nil, err
	}

	after, added, err := p.store.ToggleReaction(ctx, msg.ID, userID, emoji, p.now())
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("message not found")
		}
		return nil, apperr.Internal(err)
	}
	reactors := after.ReactorsOf(emoji)
	if reactors == nil {
		reactors = []string{}
	}
	return &data.ReactionUpdate{
		MessageID:      after.ID,
		ConversationID: after.ConversationID,
		Emoji:          emoji,
		Count:          len(reactors),
		ReactedByMe:    added,
		UserIDs:        reactors,
		ActorID:        userID,
		Participants:   []string{msg.SenderID, msg.RecipientID},
	}, nil
}
