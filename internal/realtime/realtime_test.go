package realtime

import (
	"context"
	"encoding/json"
	"io"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/call"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/delivery"
	"github.com/PaulBabatuyi/realtime-messenger/internal/gate"
	"github.com/PaulBabatuyi/realtime-messenger/internal/presence"
	"github.com/PaulBabatuyi/realtime-messenger/internal/typing"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

const (
	waitTimeout = 2 * time.Second
	quietWindow = 100 * time.Millisecond
)

type fakeConn struct {
	in  chan *wire.Frame
	out chan *wire.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan *wire.Frame, 16), out: make(chan *wire.Frame, 256)}
}

func (c *fakeConn) Recv() (*wire.Frame, error) {
	f, ok := <-c.in
	if !ok {
		return nil, io.EOF
	}
	return f, nil
}

func (c *fakeConn) Send(f *wire.Frame) error {
	c.out <- f
	return nil
}

type testEnv struct {
	store    *data.MemoryStore
	registry *presence.Registry
	engine   *Engine
	conv     *data.Conversation
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithGate(t, opts, nil)
}

// newTestEnvWithGate lets a test interpose on presence visibility queries.
func newTestEnvWithGate(t *testing.T, opts Options, wrap func(Visibility) Visibility) *testEnv {
	t.Helper()
	ctx := context.Background()
	store := data.NewMemoryStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		_, err := store.EnsureUser(ctx, id)
		require.NoError(t, err)
	}
	reg := presence.NewRegistry(8)
	g := gate.New(store)
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	p := delivery.New(store, g, reg, delivery.Options{Logger: opts.Logger})
	var vis Visibility = g
	if wrap != nil {
		vis = wrap(g)
	}
	engine := NewEngine(Deps{
		Store:    store,
		Gate:     vis,
		Registry: reg,
		Pipeline: p,
		Typing:   typing.NewRelay(store, g),
		Calls:    call.NewRelay(store, g),
	}, opts)
	conv, err := p.OpenConversation(ctx, "alice", "bob")
	require.NoError(t, err)
	return &testEnv{store: store, registry: reg, engine: engine, conv: conv}
}

type client struct {
	t      *testing.T
	conn   *fakeConn
	done   chan error
	nextID uint64
	closed bool
}

// connect serves a fake connection for userID and waits for its snapshot.
func (e *testEnv) connect(t *testing.T, userID string) (*client, wire.PresenceSnapshot) {
	t.Helper()
	c := &client{t: t, conn: newFakeConn(), done: make(chan error, 1)}
	go func() { c.done <- e.engine.Serve(context.Background(), userID, c.conn) }()
	t.Cleanup(c.close)
	f := c.expectEvent(wire.EventPresenceSnapshot)
	return c, decode[wire.PresenceSnapshot](t, f.Data)
}

func (c *client) close() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.conn.in)
	select {
	case <-c.done:
	case <-time.After(waitTimeout):
		c.t.Error("Serve did not return")
	}
}

func (c *client) request(kind wire.InboundKind, payload any) uint64 {
	c.t.Helper()
	c.nextID++
	f, err := wire.Request(kind, c.nextID, payload)
	require.NoError(c.t, err)
	c.conn.in <- f
	return c.nextID
}

func (c *client) next() *wire.Frame {
	c.t.Helper()
	select {
	case f := <-c.conn.out:
		return f
	case <-time.After(waitTimeout):
		c.t.Fatal("timed out waiting for a frame")
		return nil
	}
}

func (c *client) expectEvent(event string) *wire.Frame {
	c.t.Helper()
	for {
		if f := c.next(); f.Event == event {
			return f
		}
	}
}

// awaitAck returns the ack for id and the events that arrived before it.
func (c *client) awaitAck(id uint64) (*wire.Frame, []string) {
	c.t.Helper()
	var events []string
	for {
		f := c.next()
		if f.Ack != nil && *f.Ack == id {
			return f, events
		}
		if f.Event != "" {
			events = append(events, f.Event)
		}
	}
}

// expectNone fails if event arrives within window.
func (c *client) expectNone(event string, window time.Duration) {
	c.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case f := <-c.conn.out:
			if f.Event == event {
				c.t.Fatalf("unexpected %s: %s", event, f.Data)
			}
		case <-deadline:
			return
		}
	}
}

// presenceOf collects the presence updates about userID until the
// connection goes quiet.
func (c *client) presenceOf(userID string, quiet time.Duration) []wire.PresenceUpdate {
	c.t.Helper()
	var out []wire.PresenceUpdate
	for {
		select {
		case f := <-c.conn.out:
			if f.Event != wire.EventPresenceUpdate {
				continue
			}
			if u := decode[wire.PresenceUpdate](c.t, f.Data); u.UserID == userID {
				out = append(out, u)
			}
		case <-time.After(quiet):
			return out
		}
	}
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestHub_EmitOncePerSession(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)
	s := newSession("c1", "alice", 8, cancel)
	h.register(s)
	h.Join(s, wire.ConversationTopic("conv"))

	h.Emit(wire.ProfileUpdate{UserID: "alice"}, []wire.Topic{wire.ConversationTopic("conv"), wire.UserTopic("alice")}, "")
	require.Len(t, s.send, 1)

	h.Emit(wire.TypingSignal{ConversationID: "conv", UserID: "alice", Start: true}, []wire.Topic{wire.ConversationTopic("conv")}, "alice")
	require.Len(t, s.send, 1, "excluded user gets nothing")

	h.Leave(s, wire.UserTopic("alice"))
	require.True(t, h.InRoom("c1", wire.UserTopic("alice")), "user room cannot be left")
	h.unregister(s)
	require.False(t, h.InRoom("c1", wire.ConversationTopic("conv")))
	require.Equal(t, 0, h.SessionCount())
	require.NoError(t, ctx.Err())
}

func TestHub_SlowConsumerIsDisconnected(t *testing.T) {
	h := NewHub(zaptest.NewLogger(t), nil)
	ctx, cancel := context.WithCancelCause(context.Background())
	s := newSession("c1", "alice", 1, cancel)
	h.register(s)

	h.Emit(wire.ProfileUpdate{UserID: "alice"}, []wire.Topic{wire.UserTopic("alice")}, "")
	require.NoError(t, ctx.Err())
	h.Emit(wire.ProfileUpdate{UserID: "alice"}, []wire.Topic{wire.UserTopic("alice")}, "")
	require.ErrorIs(t, context.Cause(ctx), ErrSlowConsumer)
}

func TestServe_PresenceLifecycle(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, snap := e.connect(t, "alice")
	require.Empty(t, snap.OnlineUserIDs)

	bob, snap := e.connect(t, "bob")
	require.Equal(t, []string{"alice"}, snap.OnlineUserIDs)

	up := decode[wire.PresenceUpdate](t, alice.expectEvent(wire.EventPresenceUpdate).Data)
	require.Equal(t, "bob", up.UserID)
	require.True(t, up.IsOnline)

	// a second connection is not a transition
	bob2, _ := e.connect(t, "bob")
	require.Equal(t, 2, e.registry.ConnectionCount("bob"))
	alice.expectNone(wire.EventPresenceUpdate, quietWindow)

	// neither is closing one of two
	bob.close()
	require.True(t, e.registry.IsOnline("bob"))
	alice.expectNone(wire.EventPresenceUpdate, quietWindow)

	u, err := e.store.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	require.True(t, u.Online)

	// the last close is exactly one offline update
	bob2.close()
	down := decode[wire.PresenceUpdate](t, alice.expectEvent(wire.EventPresenceUpdate).Data)
	require.Equal(t, "bob", down.UserID)
	require.False(t, down.IsOnline)
	alice.expectNone(wire.EventPresenceUpdate, quietWindow)
	require.False(t, e.registry.IsOnline("bob"))
}

// stallingVisibility parks the first VisibleViewers query about subject after
// it is armed, until release is closed.
type stallingVisibility struct {
	Visibility
	subject string
	armed   atomic.Bool
	entered chan struct{}
	release chan struct{}
}

func (v *stallingVisibility) VisibleViewers(ctx context.Context, subjectID string, viewerIDs []string) ([]string, error) {
	if subjectID == v.subject && v.armed.CompareAndSwap(true, false) {
		close(v.entered)
		<-v.release
	}
	return v.Visibility.VisibleViewers(ctx, subjectID, viewerIDs)
}

func TestServe_ReconnectDuringTeardownEndsOnline(t *testing.T) {
	sv := &stallingVisibility{subject: "alice", entered: make(chan struct{}), release: make(chan struct{})}
	e := newTestEnvWithGate(t, Options{}, func(g Visibility) Visibility {
		sv.Visibility = g
		return sv
	})
	bob, _ := e.connect(t, "bob")
	alice, _ := e.connect(t, "alice")
	require.True(t, decode[wire.PresenceUpdate](t, bob.expectEvent(wire.EventPresenceUpdate).Data).IsOnline)

	// alice drops; her teardown stalls while resolving who to tell
	sv.armed.Store(true)
	closed := make(chan struct{})
	go func() {
		alice.close()
		close(closed)
	}()
	select {
	case <-sv.entered:
	case <-time.After(waitTimeout):
		t.Fatal("teardown never resolved presence viewers")
	}

	// and reconnects before the offline broadcast goes out
	again := &client{t: t, conn: newFakeConn(), done: make(chan error, 1)}
	go func() { again.done <- e.engine.Serve(context.Background(), "alice", again.conn) }()
	t.Cleanup(again.close)
	require.Eventually(t, func() bool { return e.registry.ConnectionCount("alice") == 1 },
		waitTimeout, 5*time.Millisecond)

	close(sv.release)
	select {
	case <-closed:
	case <-time.After(waitTimeout):
		t.Fatal("first connection never finished")
	}
	again.expectEvent(wire.EventPresenceSnapshot)

	updates := bob.presenceOf("alice", quietWindow)
	require.NotEmpty(t, updates)
	require.True(t, updates[len(updates)-1].IsOnline, "bob must end up seeing alice online")
	require.True(t, e.registry.IsOnline("alice"))

	u, err := e.store.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, u.Online)
}

func TestServe_OfflineTransitionPersistsLastSeen(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")
	alice.expectEvent(wire.EventPresenceUpdate)

	bob.close()
	down := decode[wire.PresenceUpdate](t, alice.expectEvent(wire.EventPresenceUpdate).Data)
	require.Equal(t, "bob", down.UserID)
	require.False(t, down.IsOnline)
	require.NotNil(t, down.LastSeen)

	u, err := e.store.GetUser(context.Background(), "bob")
	require.NoError(t, err)
	require.False(t, u.Online)
	require.NotNil(t, u.LastSeen)
	require.False(t, e.registry.IsOnline("bob"))
}

func TestServe_BlockHidesPresenceBothWays(t *testing.T) {
	e := newTestEnv(t, Options{})
	require.NoError(t, e.store.Block(context.Background(), "bob", "alice"))

	_, _ = e.connect(t, "alice")
	_, _ = e.connect(t, "carol")
	_, snap := e.connect(t, "bob")
	require.Equal(t, []string{"carol"}, snap.OnlineUserIDs)

	_, snap = e.connect(t, "alice")
	require.Equal(t, []string{"carol"}, snap.OnlineUserIDs)
}

func TestServe_OfflineSendThenConnectThenSeen(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	id := alice.request(wire.ConversationJoin, wire.Join{ConversationID: e.conv.ID})
	ack, _ := alice.awaitAck(id)
	require.True(t, decode[wire.OKAck](t, ack.Data).OK)

	id = alice.request(wire.MessageSend, wire.Send{ConversationID: e.conv.ID, Body: "hello"})
	ack, events := alice.awaitAck(id)
	require.Contains(t, events, wire.EventMessageNew)
	sent := decode[wire.SendAck](t, ack.Data)
	require.True(t, sent.OK)
	require.Nil(t, sent.Message.DeliveredAt)
	msgID := sent.Message.ID

	bob, _ := e.connect(t, "bob")
	delivered := decode[wire.MessageDelivered](t, alice.expectEvent(wire.EventMessageDelivered).Data)
	require.Equal(t, msgID, delivered.MessageID)
	require.NotNil(t, delivered.DeliveredAt)

	stored, err := e.store.GetMessage(context.Background(), msgID)
	require.NoError(t, err)
	require.NotNil(t, stored.DeliveredAt)

	id = bob.request(wire.MessageSeen, wire.Seen{ConversationID: e.conv.ID})
	ack, _ = bob.awaitAck(id)
	seen := decode[wire.SeenAck](t, ack.Data)
	require.True(t, seen.OK)
	require.Len(t, seen.Updates, 1)
	require.NotNil(t, seen.Updates[0].SeenAt)

	ev := decode[wire.MessageSeenEvent](t, alice.expectEvent(wire.EventMessageSeen).Data)
	require.Equal(t, msgID, ev.MessageID)
}

func TestServe_OnlineRecipientDeliveredImmediately(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	id := alice.request(wire.MessageSend, wire.Send{ConversationID: e.conv.ID, Body: "hi", ClientID: "c-1"})
	ack, _ := alice.awaitAck(id)
	sent := decode[wire.SendAck](t, ack.Data)
	require.NotNil(t, sent.Message.DeliveredAt)

	msg := decode[wire.MessageNew](t, bob.expectEvent(wire.EventMessageNew).Data)
	require.Equal(t, "hi", msg.Body)
	bob.expectEvent(wire.EventMessageDelivered)

	id = alice.request(wire.MessageSend, wire.Send{ConversationID: e.conv.ID, Body: "hi", ClientID: "c-1"})
	ack, events := alice.awaitAck(id)
	dup := decode[wire.SendAck](t, ack.Data)
	require.True(t, dup.Duplicate)
	require.Equal(t, sent.Message.ID, dup.Message.ID)
	require.NotContains(t, events, wire.EventMessageNew)
}

func TestServe_TypingNotEchoed(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")
	for _, c := range []*client{alice, bob} {
		id := c.request(wire.ConversationJoin, wire.Join{ConversationID: e.conv.ID})
		c.awaitAck(id)
	}

	id := alice.request(wire.TypingStart, wire.Typing{ConversationID: e.conv.ID})
	ack, events := alice.awaitAck(id)
	require.True(t, decode[wire.OKAck](t, ack.Data).OK)
	require.NotContains(t, events, wire.EventTypingStart)

	sig := decode[wire.TypingSignal](t, bob.expectEvent(wire.EventTypingStart).Data)
	require.Equal(t, "alice", sig.UserID)

	// failures are swallowed
	id = alice.request(wire.TypingStop, wire.Typing{ConversationID: "nope"})
	ack, _ = alice.awaitAck(id)
	require.True(t, decode[wire.OKAck](t, ack.Data).OK)
}

func TestServe_BlockedCallInviteNotRelayed(t *testing.T) {
	e := newTestEnv(t, Options{})
	require.NoError(t, e.store.Block(context.Background(), "bob", "alice"))
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	id := alice.request(wire.CallInvite, wire.Call{ConversationID: e.conv.ID, ToUserID: "bob"})
	ack, _ := alice.awaitAck(id)
	fail := decode[wire.ErrorAck](t, ack.Data)
	require.False(t, fail.OK)
	require.Equal(t, apperr.CodeForbidden, fail.Code)

	id = bob.request(wire.ConversationLeave, wire.Leave{ConversationID: e.conv.ID})
	_, events := bob.awaitAck(id)
	require.NotContains(t, events, "call:ringing")
}

func TestServe_CallFlow(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	id := alice.request(wire.CallInvite, wire.Call{ConversationID: e.conv.ID, ToUserID: "bob"})
	ack, _ := alice.awaitAck(id)
	invite := decode[wire.CallAck](t, ack.Data)
	require.True(t, invite.OK)
	require.Equal(t, "ringing", invite.Signal.Status)
	require.NotEmpty(t, invite.Signal.CallID)

	ring := decode[wire.CallSignal](t, bob.expectEvent("call:ringing").Data)
	require.Equal(t, invite.Signal.CallID, ring.CallID)

	id = bob.request(wire.CallAccept, wire.Call{ConversationID: e.conv.ID, ToUserID: "alice", CallID: ring.CallID})
	bob.awaitAck(id)
	alice.expectEvent("call:connected")
}

func TestServe_ReactionFanout(t *testing.T) {
	e := newTestEnv(t, Options{})
	alice, _ := e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	id := alice.request(wire.MessageSend, wire.Send{ConversationID: e.conv.ID, Body: "react"})
	ack, _ := alice.awaitAck(id)
	msgID := decode[wire.SendAck](t, ack.Data).Message.ID

	id = bob.request(wire.MessageReact, wire.React{MessageID: msgID, Emoji: "👍"})
	ack, bobEvents := bob.awaitAck(id)
	ra := decode[wire.ReactAck](t, ack.Data)
	require.Equal(t, 1, ra.Update.Count)
	require.True(t, ra.Update.ReactedByMe)

	ev := decode[wire.MessageReaction](t, alice.expectEvent(wire.EventMessageReaction).Data)
	require.Equal(t, []string{"bob"}, ev.Update.UserIDs)
	require.Equal(t, "bob", ev.Update.ActorID)
	require.False(t, ev.Update.ReactedByMe, "alice did not react")

	if !slices.Contains(bobEvents, wire.EventMessageReaction) {
		own := decode[wire.MessageReaction](t, bob.expectEvent(wire.EventMessageReaction).Data)
		require.True(t, own.Update.ReactedByMe)
	}
	bob.expectNone(wire.EventMessageReaction, quietWindow)
}

func TestDispatch_ErrorsAlwaysAck(t *testing.T) {
	e := newTestEnv(t, Options{})
	e.engine.handlers[wire.ConversationLeave] = func(context.Context, *Session, wire.Inbound) (any, error) {
		panic("boom")
	}
	alice, _ := e.connect(t, "alice")

	alice.nextID++
	alice.conn.in <- &wire.Frame{Event: "message:unsend", ID: &alice.nextID, Data: json.RawMessage(`{}`)}
	ack, _ := alice.awaitAck(alice.nextID)
	require.Equal(t, apperr.CodeValidation, decode[wire.ErrorAck](t, ack.Data).Code)

	id := alice.request(wire.MessageSend, wire.Send{ConversationID: e.conv.ID})
	ack, _ = alice.awaitAck(id)
	require.Equal(t, apperr.CodeValidation, decode[wire.ErrorAck](t, ack.Data).Code)

	id = alice.request(wire.ConversationLeave, wire.Leave{ConversationID: e.conv.ID})
	ack, _ = alice.awaitAck(id)
	fail := decode[wire.ErrorAck](t, ack.Data)
	require.Equal(t, apperr.CodeInternal, fail.Code)
	require.Equal(t, "internal error", fail.Message)

	id = alice.request(wire.ConversationJoin, wire.Join{ConversationID: "missing"})
	ack, _ = alice.awaitAck(id)
	require.Equal(t, apperr.CodeNotFound, decode[wire.ErrorAck](t, ack.Data).Code)
}

func TestSetShowOnlineStatus_CorrectsPresence(t *testing.T) {
	e := newTestEnv(t, Options{})
	_, _ = e.connect(t, "alice")
	bob, _ := e.connect(t, "bob")

	u, err := e.engine.SetShowOnlineStatus(context.Background(), "alice", false)
	require.NoError(t, err)
	require.False(t, u.ShowOnlineStatus)

	prof := decode[wire.ProfileUpdate](t, bob.expectEvent(wire.EventProfileUpdate).Data)
	require.Equal(t, "alice", prof.UserID)
	require.False(t, prof.ShowOnlineStatus)
	up := decode[wire.PresenceUpdate](t, bob.expectEvent(wire.EventPresenceUpdate).Data)
	require.Equal(t, "alice", up.UserID)
	require.False(t, up.IsOnline)

	_, snap := e.connect(t, "carol")
	require.Equal(t, []string{"bob"}, snap.OnlineUserIDs)

	_, err = e.engine.SetShowOnlineStatus(context.Background(), "nobody", true)
	require.True(t, apperr.IsNotFound(err))
}
