package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/auth"
	"github.com/PaulBabatuyi/realtime-messenger/internal/config"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/e2e"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

type testApp struct {
	*app
	jwt *auth.JWTManager
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Limits.EventsPerMinute = 60000
	cfg.Limits.EventBurst = 1000
	cfg.Limits.HandshakesPerMinute = 60000
	cfg.Limits.HandshakeBurst = 1000
	return cfg
}

func newTestApp(t *testing.T, store data.Store, cfg config.Config) *testApp {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	jwt := auth.NewJWTManager("test-secret", time.Hour)
	// Connection teardown may log after the test returns; zaptest would
	// panic there.
	a := newApp(ctx, cfg, zap.NewNop(), store, jwt)
	t.Cleanup(func() {
		cancel()
		a.close()
	})
	return &testApp{app: a, jwt: jwt}
}

func (ta *testApp) token(t *testing.T, userID string) string {
	t.Helper()
	tok, _, err := ta.jwt.GenerateToken(userID)
	require.NoError(t, err)
	return tok
}

func (ta *testApp) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+ta.token(t, userID))
	}
	rec := httptest.NewRecorder()
	ta.router().ServeHTTP(rec, req)
	return rec
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func requireErrorCode(t *testing.T, rec *httptest.ResponseRecorder, status int, code apperr.Code) {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	body := decodeJSON[errorBody](t, rec)
	require.Equal(t, code, body.Error.Code)
}

func seedUsers(t *testing.T, store data.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := store.EnsureUser(context.Background(), id)
		require.NoError(t, err)
	}
}

func TestAdminEndpoints(t *testing.T) {
	ta := newTestApp(t, data.NewMemoryStore(), testConfig(t))

	rec := ta.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = ta.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ready", decodeJSON[map[string]string](t, rec)["status"])

	rec = ta.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "messenger_connections_active")
}

func TestAPI_RequiresToken(t *testing.T) {
	ta := newTestApp(t, data.NewMemoryStore(), testConfig(t))

	rec := ta.do(t, http.MethodGet, "/v1/conversations", "", nil)
	requireErrorCode(t, rec, http.StatusUnauthorized, apperr.CodeUnauthorized)
	require.Equal(t, "Unauthorized", decodeJSON[errorBody](t, rec).Error.Message)

	req := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	bad := httptest.NewRecorder()
	ta.router().ServeHTTP(bad, req)
	requireErrorCode(t, bad, http.StatusUnauthorized, apperr.CodeUnauthorized)
}

func TestAPI_ConversationMessageFlow(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))

	rec := ta.do(t, http.MethodPost, "/v1/conversations", "alice", map[string]string{"peerId": " bob "})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	conv := decodeJSON[data.Conversation](t, rec)
	require.NotEmpty(t, conv.ID)

	path := "/v1/conversations/" + conv.ID + "/messages"
	send := map[string]any{"body": "hello", "clientId": "c-1"}
	rec = ta.do(t, http.MethodPost, path, "alice", send)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeJSON[struct {
		Message   data.MessageView `json:"message"`
		Duplicate bool             `json:"duplicate"`
	}](t, rec)
	require.False(t, first.Duplicate)
	require.Equal(t, int64(1), first.Message.Seq)
	require.Nil(t, first.Message.DeliveredAt, "bob has no connection")

	rec = ta.do(t, http.MethodPost, path, "alice", send)
	require.Equal(t, http.StatusOK, rec.Code)
	again := decodeJSON[struct {
		Message   data.MessageView `json:"message"`
		Duplicate bool             `json:"duplicate"`
	}](t, rec)
	require.True(t, again.Duplicate)
	require.Equal(t, first.Message.ID, again.Message.ID)

	rec = ta.do(t, http.MethodGet, path+"?limit=10", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeJSON[struct {
		Messages []data.MessageView `json:"messages"`
	}](t, rec)
	require.Len(t, history.Messages, 1)
	require.Equal(t, "hello", history.Messages[0].Body)

	rec = ta.do(t, http.MethodPost, "/v1/messages/"+first.Message.ID+"/reactions", "bob", map[string]string{"emoji": "\U0001F44D"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	update := decodeJSON[struct {
		Update data.ReactionUpdate `json:"update"`
	}](t, rec).Update
	require.Equal(t, 1, update.Count)
	require.True(t, update.ReactedByMe)

	rec = ta.do(t, http.MethodGet, "/v1/conversations", "bob", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), conv.ID)

	rec = ta.do(t, http.MethodGet, path, "carol", nil)
	requireErrorCode(t, rec, http.StatusNotFound, apperr.CodeNotFound)
}

func TestAPI_SendValidation(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))
	conv, err := ta.pipeline.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	path := "/v1/conversations/" + conv.ID + "/messages"

	rec := ta.do(t, http.MethodPost, path, "alice", map[string]any{"body": ""})
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	rec = ta.do(t, http.MethodPost, path, "alice", map[string]any{"body": "x", "type": "sticker"})
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{not json"))
	req.Header.Set("Authorization", "Bearer "+ta.token(t, "alice"))
	bad := httptest.NewRecorder()
	ta.router().ServeHTTP(bad, req)
	requireErrorCode(t, bad, http.StatusBadRequest, apperr.CodeValidation)

	rec = ta.do(t, http.MethodGet, path+"?before=-1", "alice", nil)
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)
}

func TestAPI_BlockForbidsSending(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))
	conv, err := ta.pipeline.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	path := "/v1/conversations/" + conv.ID + "/messages"

	rec := ta.do(t, http.MethodPost, "/v1/blocks", "bob", map[string]string{"userId": "alice"})
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = ta.do(t, http.MethodPost, path, "alice", map[string]any{"body": "hi"})
	requireErrorCode(t, rec, http.StatusForbidden, apperr.CodeForbidden)

	rec = ta.do(t, http.MethodPost, "/v1/blocks", "bob", map[string]string{"userId": "bob"})
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	rec = ta.do(t, http.MethodPost, "/v1/blocks", "bob", map[string]string{"userId": "nobody"})
	requireErrorCode(t, rec, http.StatusNotFound, apperr.CodeNotFound)

	rec = ta.do(t, http.MethodDelete, "/v1/blocks/alice", "bob", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = ta.do(t, http.MethodPost, path, "alice", map[string]any{"body": "hi again"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAPI_WallpaperAndSettings(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))
	conv, err := ta.pipeline.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)

	rec := ta.do(t, http.MethodPut, "/v1/conversations/"+conv.ID+"/wallpaper", "bob", map[string]string{"wallpaper": "dunes"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "dunes", decodeJSON[data.Conversation](t, rec).Wallpaper)

	rec = ta.do(t, http.MethodPatch, "/v1/me/settings", "alice", map[string]any{})
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	rec = ta.do(t, http.MethodPatch, "/v1/me/settings", "alice", map[string]any{"showOnlineStatus": false})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.False(t, decodeJSON[data.User](t, rec).ShowOnlineStatus)

	u, err := store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.False(t, u.ShowOnlineStatus)
}

func TestAPI_KeyDirectory(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))

	device, err := e2e.NewDevice("phone")
	require.NoError(t, err)
	jwk := json.RawMessage(device.PublicJWK().String())
	rec := ta.do(t, http.MethodPut, "/v1/keys", "bob", map[string]any{"deviceId": "phone", "publicKey": jwk})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decodeJSON[data.PublicKey](t, rec)
	require.Equal(t, device.Fingerprint(), published.Fingerprint)

	rec = ta.do(t, http.MethodGet, "/v1/users/bob/key?deviceId=phone", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, published.Fingerprint, decodeJSON[data.PublicKey](t, rec).Fingerprint)

	rec = ta.do(t, http.MethodPut, "/v1/keys", "bob", map[string]any{"deviceId": "phone", "publicKey": json.RawMessage(`{"kty":"oct"}`)})
	requireErrorCode(t, rec, http.StatusBadRequest, apperr.CodeValidation)

	require.NoError(t, store.Block(context.Background(), "bob", "alice"))
	rec = ta.do(t, http.MethodGet, "/v1/users/bob/key?deviceId=phone", "alice", nil)
	requireErrorCode(t, rec, http.StatusForbidden, apperr.CodeForbidden)
}

func TestAPI_RateLimited(t *testing.T) {
	cfg := testConfig(t)
	cfg.Limits.EventsPerMinute = 1
	cfg.Limits.EventBurst = 1
	ta := newTestApp(t, data.NewMemoryStore(), cfg)

	rec := ta.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = ta.do(t, http.MethodGet, "/v1/conversations", "alice", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

// === WebSocket transport ===

func dialWS(t *testing.T, srv *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readWSFrame(t *testing.T, conn *websocket.Conn) *wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wire.Frame
	require.NoError(t, conn.ReadJSON(&f))
	return &f
}

func TestWebSocket_RejectsMissingToken(t *testing.T) {
	ta := newTestApp(t, data.NewMemoryStore(), testConfig(t))
	srv := httptest.NewServer(ta.router())
	defer srv.Close()

	_, resp, err := dialWS(t, srv, "")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWebSocket_SendAndReceive(t *testing.T) {
	store := data.NewMemoryStore()
	seedUsers(t, store, "alice", "bob")
	ta := newTestApp(t, store, testConfig(t))
	conv, err := ta.pipeline.OpenConversation(context.Background(), "alice", "bob")
	require.NoError(t, err)
	srv := httptest.NewServer(ta.router())
	defer srv.Close()

	bob, _, err := dialWS(t, srv, ta.token(t, "bob"))
	require.NoError(t, err)
	defer bob.Close()
	require.Equal(t, wire.EventPresenceSnapshot, readWSFrame(t, bob).Event)

	alice, _, err := dialWS(t, srv, ta.token(t, "alice"))
	require.NoError(t, err)
	defer alice.Close()
	snap := readWSFrame(t, alice)
	require.Equal(t, wire.EventPresenceSnapshot, snap.Event)
	require.JSONEq(t, `{"onlineUserIds":["bob"]}`, string(snap.Data))

	f := readWSFrame(t, bob)
	require.Equal(t, wire.EventPresenceUpdate, f.Event)

	req, err := wire.Request(wire.MessageSend, 1, wire.Send{ConversationID: conv.ID, Body: "over websocket"})
	require.NoError(t, err)
	require.NoError(t, alice.WriteJSON(req))

	var ack *wire.Frame
	for ack == nil {
		f := readWSFrame(t, alice)
		if f.Ack != nil {
			ack = f
		}
	}
	require.Equal(t, uint64(1), *ack.Ack)
	var sendAck wire.SendAck
	require.NoError(t, json.Unmarshal(ack.Data, &sendAck))
	require.True(t, sendAck.OK)

	f = readWSFrame(t, bob)
	require.Equal(t, wire.EventMessageNew, f.Event)
	var msg data.MessageView
	require.NoError(t, json.Unmarshal(f.Data, &msg))
	require.Equal(t, "over websocket", msg.Body)
	require.Equal(t, sendAck.Message.ID, msg.ID)
}
