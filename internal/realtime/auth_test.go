package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/middleware"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

func TestAuthenticator(t *testing.T) {
	ctx := context.Background()
	store := data.NewMemoryStore()
	mgr := auth.NewJWTManager("test-secret", time.Hour)
	a := NewAuthenticator(mgr, store)

	token, _, err := mgr.GenerateToken("dave")
	require.NoError(t, err)
	userID, err := a.Authenticate(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "dave", userID)

	u, err := store.GetUser(ctx, "dave")
	require.NoError(t, err)
	require.True(t, u.ShowOnlineStatus)

	other := auth.NewJWTManager("other-secret", time.Hour)
	forged, _, err := other.GenerateToken("dave")
	require.NoError(t, err)

	for _, bad := range []string{"", "   ", "not-a-jwt", forged} {
		_, err := a.Authenticate(ctx, bad)
		ae := apperr.From(err)
		require.Equal(t, apperr.CodeUnauthorized, ae.Code)
		require.Equal(t, "Unauthorized", ae.Message)
	}
}

func TestServe_EventRateLimit(t *testing.T) {
	limiter := middleware.NewLimiterStore(1, 1, time.Minute)
	defer limiter.Stop()
	e := newTestEnv(t, Options{EventLimiter: limiter})
	alice, _ := e.connect(t, "alice")

	id := alice.request(wire.ConversationJoin, wire.Join{ConversationID: e.conv.ID})
	ack, _ := alice.awaitAck(id)
	require.True(t, decode[wire.OKAck](t, ack.Data).OK)

	id = alice.request(wire.ConversationJoin, wire.Join{ConversationID: e.conv.ID})
	ack, _ = alice.awaitAck(id)
	require.Equal(t, apperr.CodeRateLimited, decode[wire.ErrorAck](t, ack.Data).Code)
}
