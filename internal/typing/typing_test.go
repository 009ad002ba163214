package typing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/gate"
)

func TestRelay(t *testing.T) {
	ctx := context.Background()
	s := data.NewMemoryStore()
	conv, err := s.GetOrCreateConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	r := NewRelay(s, gate.New(s))

	sig, err := r.Start(ctx, conv.ID, "alice")
	require.NoError(t, err)
	require.Equal(t, Signal{ConversationID: conv.ID, UserID: "alice", PeerID: "bob", Start: true}, *sig)

	sig, err = r.Stop(ctx, conv.ID, "bob")
	require.NoError(t, err)
	require.False(t, sig.Start)
	require.Equal(t, "alice", sig.PeerID)

	_, err = r.Start(ctx, conv.ID, "mallory")
	require.True(t, apperr.IsNotFound(err))
	_, err = r.Start(ctx, "missing", "alice")
	require.True(t, apperr.IsNotFound(err))

	require.NoError(t, s.Block(ctx, "bob", "alice"))
	_, err = r.Start(ctx, conv.ID, "alice")
	require.True(t, apperr.IsForbidden(err))
}
