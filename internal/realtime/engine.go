// Package realtime runs client connections: registration, presence, catch-up
// delivery, event dispatch and teardown. Transports hand it a Conn.
package realtime

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/call"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/delivery"
	"github.com/PaulBabatuyi/realtime-messenger/internal/fanout"
	"github.com/PaulBabatuyi/realtime-messenger/internal/middleware"
	"github.com/PaulBabatuyi/realtime-messenger/internal/presence"
	"github.com/PaulBabatuyi/realtime-messenger/internal/typing"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

// Store is what the engine persists directly.
type Store interface {
	SetPresence(ctx context.Context, id string, online bool, at time.Time) error
	SetShowOnlineStatus(ctx context.Context, id string, show bool) (*data.User, error)
}

// Visibility filters presence through the access-control gate.
type Visibility interface {
	FilterVisible(ctx context.Context, viewerID string, candidateIDs []string) ([]string, error)
	VisibleViewers(ctx context.Context, subjectID string, viewerIDs []string) ([]string, error)
	Unblocked(ctx context.Context, userID string, candidateIDs []string) ([]string, error)
}

// Deps are the domain services the engine drives.
type Deps struct {
	Store    Store
	Gate     Visibility
	Registry *presence.Registry
	Pipeline *delivery.Pipeline
	Typing   *typing.Relay
	Calls    *call.Relay
}

// Options tune the engine. Zero values are usable.
type Options struct {
	Logger       *zap.Logger
	Metrics      *Metrics
	SendBuffer   int
	EventLimiter *middleware.LimiterStore
	Push         fanout.Enqueuer
	Now          func() time.Time
}

const (
	defaultSendBuffer = 64
	teardownTimeout   = 5 * time.Second
	flushTimeout      = time.Second
)

// Engine serves realtime connections.
type Engine struct {
	store      Store
	gate       Visibility
	registry   *presence.Registry
	pipeline   *delivery.Pipeline
	typing     *typing.Relay
	calls      *call.Relay
	hub        *Hub
	bridge     *fanout.Bridge
	limiter    *middleware.LimiterStore
	metrics    *Metrics
	sendBuffer int
	now        func() time.Time
	log        *zap.Logger
	handlers   map[wire.InboundKind]handlerFunc
}

// NewEngine wires an engine and its hub.
func NewEngine(d Deps, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	hub := NewHub(opts.Logger, opts.Metrics)
	e := &Engine{
		store:      d.Store,
		gate:       d.Gate,
		registry:   d.Registry,
		pipeline:   d.Pipeline,
		typing:     d.Typing,
		calls:      d.Calls,
		hub:        hub,
		bridge:     fanout.New(hub, d.Registry, opts.Push, opts.Logger),
		limiter:    opts.EventLimiter,
		metrics:    opts.Metrics,
		sendBuffer: opts.SendBuffer,
		now:        opts.Now,
		log:        opts.Logger.Named("realtime"),
	}
	e.handlers = e.handlerTable()
	return e
}

// Hub exposes the session hub.
func (e *Engine) Hub() *Hub { return e.hub }

// Bridge exposes the fan-out bridge so REST mutations emit the same events.
func (e *Engine) Bridge() *fanout.Bridge { return e.bridge }

// Serve runs one authenticated connection until the client goes away, the
// context ends, or the session is dropped as a slow consumer.
func (e *Engine) Serve(ctx context.Context, userID string, conn Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	s := newSession(uuid.NewString(), userID, e.sendBuffer, cancel)
	log := e.log.With(zap.String("user_id", userID), zap.String("conn_id", s.ID))

	e.hub.register(s)
	wasOnline := e.registry.AddConnection(userID, s.ID)
	e.metrics.connOpened()
	log.Debug("connection registered", zap.Bool("was_online", wasOnline))

	go s.writeLoop(ctx, conn)
	defer func() {
		e.teardown(ctx, s, log)
		s.flush(flushTimeout)
		cancel(nil)
	}()

	if !wasOnline {
		e.metrics.userOnline(1)
		e.goOnline(ctx, userID, log)
	}
	e.sendSnapshot(ctx, s, log)
	e.catchUp(ctx, userID, log)

	frames := make(chan *wire.Frame)
	readErr := make(chan error, 1)
	go func() {
		for {
			f, err := conn.Recv()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if cause := context.Cause(ctx); errors.Is(cause, ErrSlowConsumer) {
				return cause
			}
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case f := <-frames:
			e.dispatch(ctx, s, f, log)
		}
	}
}

// goOnline broadcasts the 0->1 edge. It waits for any teardown of the same
// user still in flight, so the online update is always the later one.
func (e *Engine) goOnline(ctx context.Context, userID string, log *zap.Logger) {
	unlock := e.registry.LockUser(userID)
	defer unlock()

	if err := e.store.SetPresence(ctx, userID, true, e.now().UTC()); err != nil {
		log.Warn("persist online presence", zap.Error(err))
	}
	e.bridge.Presence(userID, true, nil, e.visibleViewers(ctx, userID, log))
}

func (e *Engine) visibleViewers(ctx context.Context, userID string, log *zap.Logger) []string {
	viewers, err := e.gate.VisibleViewers(ctx, userID, e.registry.OnlineUserIDs())
	if err != nil {
		log.Warn("resolve presence viewers", zap.Error(err))
		return nil
	}
	return viewers
}

func (e *Engine) sendSnapshot(ctx context.Context, s *Session, log *zap.Logger) {
	ids, err := e.gate.FilterVisible(ctx, s.UserID, e.registry.OnlineUserIDs())
	if err != nil {
		log.Warn("build presence snapshot", zap.Error(err))
		ids = []string{}
	}
	f, err := wire.EventFrame(wire.PresenceSnapshot{OnlineUserIDs: ids})
	if err != nil {
		log.Error("encode presence snapshot", zap.Error(err))
		return
	}
	e.hub.deliver(s, f)
}

// catchUp stamps everything that waited for this user as delivered.
func (e *Engine) catchUp(ctx context.Context, userID string, log *zap.Logger) {
	updates, err := e.pipeline.MarkAllDeliveredForUser(ctx, userID)
	if err != nil {
		log.Warn("catch-up delivery", zap.Error(err))
		return
	}
	if len(updates) > 0 {
		log.Debug("catch-up delivered", zap.Int("count", len(updates)))
	}
	e.bridge.Delivered(updates)
}

func (e *Engine) teardown(ctx context.Context, s *Session, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()

	e.hub.unregister(s)
	e.metrics.connClosed()

	// Held from the N->0 edge through the broadcast: a reconnect's online
	// update waits until this one is out.
	unlock := e.registry.LockUser(s.UserID)
	defer unlock()
	if e.registry.RemoveConnection(s.UserID, s.ID) {
		log.Debug("connection closed, user still online")
		return
	}
	e.metrics.userOnline(-1)

	lastSeen := e.now().UTC()
	if err := e.store.SetPresence(ctx, s.UserID, false, lastSeen); err != nil {
		log.Warn("persist offline presence", zap.Error(err))
	}
	viewers := e.visibleViewers(ctx, s.UserID, log)
	// A reconnect may have raced everything above; its own online update is
	// queued behind this lock.
	if e.registry.IsOnline(s.UserID) {
		if err := e.store.SetPresence(ctx, s.UserID, true, lastSeen); err != nil {
			log.Warn("restore online presence", zap.Error(err))
		}
		return
	}
	e.bridge.Presence(s.UserID, false, &lastSeen, viewers)
	log.Debug("user offline")
}

// SetShowOnlineStatus changes userID's visibility preference, tells the
// user's sessions and everyone not blocked, and corrects the presence other
// users currently see.
func (e *Engine) SetShowOnlineStatus(ctx context.Context, userID string, show bool) (*data.User, error) {
	u, err := e.store.SetShowOnlineStatus(ctx, userID, show)
	if err != nil {
		if errors.Is(err, data.ErrNotFound) {
			return nil, apperr.NotFound("user not found")
		}
		return nil, apperr.Internal(err)
	}

	audience, err := e.gate.Unblocked(ctx, userID, e.registry.OnlineUserIDs())
	if err != nil {
		e.log.Warn("resolve profile audience", zap.String("user_id", userID), zap.Error(err))
		audience = nil
	}

	e.bridge.Profile(u, audience)
	unlock := e.registry.LockUser(userID)
	defer unlock()
	if e.registry.IsOnline(userID) {
		e.bridge.Presence(userID, show, nil, audience)
	}
	return u, nil
}
