package delivery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
)

func TestToggleReaction_Idempotence(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	msg := e.send(t, "alice", "react to me")

	u, err := e.p.ToggleReaction(ctx, "bob", msg.ID, "\u2764\uFE0F")
	require.NoError(t, err)
	require.Equal(t, "❤", u.Emoji, "presentation selector is stripped")
	require.Equal(t, 1, u.Count)
	require.True(t, u.ReactedByMe)
	require.Equal(t, []string{"bob"}, u.UserIDs)
	require.Equal(t, "bob", u.ActorID)
	require.Equal(t, e.conv.ID, u.ConversationID)

	u, err = e.p.ToggleReaction(ctx, "alice", msg.ID, "❤")
	require.NoError(t, err)
	require.Equal(t, 2, u.Count)

	// toggling twice returns to the previous state
	u, err = e.p.ToggleReaction(ctx, "bob", msg.ID, "❤")
	require.NoError(t, err)
	require.Equal(t, 1, u.Count)
	require.False(t, u.ReactedByMe)
	require.Equal(t, []string{"alice"}, u.UserIDs)

	u, err = e.p.ToggleReaction(ctx, "alice", msg.ID, "❤")
	require.NoError(t, err)
	require.Equal(t, 0, u.Count)
	require.Equal(t, []string{}, u.UserIDs)
}

func TestToggleReaction_Rejections(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, Options{})
	msg := e.send(t, "alice", "hi")

	for _, bad := range []string{"", "ok", "👍👍", "🦄"} {
		_, err := e.p.ToggleReaction(ctx, "bob", msg.ID, bad)
		require.Equal(t, apperr.CodeValidation, apperr.CodeOf(err), "emoji %q", bad)
	}

	_, err := e.p.ToggleReaction(ctx, "bob", "ghost", "👍")
	require.True(t, apperr.IsNotFound(err))

	_, err = e.p.ToggleReaction(ctx, "mallory", msg.ID, "👍")
	require.True(t, apperr.IsNotFound(err))

	require.NoError(t, e.store.Block(ctx, "bob", "alice"))
	_, err = e.p.ToggleReaction(ctx, "alice", msg.ID, "👍")
	require.True(t, apperr.IsForbidden(err))
}

func TestNormalizeReaction(t *testing.T) {
	for _, r := range Reactions {
		got, err := NormalizeReaction(r)
		require.NoError(t, err)
		require.Equal(t, r, got)
	}
	_, err := NormalizeReaction("🦄")
	require.Equal(t, "unsupported reaction", apperr.From(err).Message)
	_, err = NormalizeReaction("hello")
	require.Equal(t, "reaction must be a single emoji", apperr.From(err).Message)
}
