package realtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/call"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
	"github.com/PaulBabatuyi/realtime-messenger/internal/delivery"
	"github.com/PaulBabatuyi/realtime-messenger/internal/fanout"
	"github.com/PaulBabatuyi/realtime-messenger/internal/wire"
)

// handlerFunc handles one decoded event and returns its ack payload.
type handlerFunc func(ctx context.Context, s *Session, ev wire.Inbound) (any, error)

func (e *Engine) handlerTable() map[wire.InboundKind]handlerFunc {
	return map[wire.InboundKind]handlerFunc{
		wire.ConversationJoin:  e.handleJoin,
		wire.ConversationLeave: e.handleLeave,
		wire.MessageSend:       e.handleSend,
		wire.MessageSeen:       e.handleSeen,
		wire.MessageReact:      e.handleReact,
		wire.TypingStart:       e.handleTyping,
		wire.TypingStop:        e.handleTyping,
		wire.CallInvite:        e.handleCall,
		wire.CallAccept:        e.handleCall,
		wire.CallDecline:       e.handleCall,
		wire.CallEnd:           e.handleCall,
	}
}

func isTyping(event string) bool {
	return event == string(wire.TypingStart) || event == string(wire.TypingStop)
}

// dispatch handles one frame and, when the frame carries an id, queues
// exactly one ack for it.
func (e *Engine) dispatch(ctx context.Context, s *Session, f *wire.Frame, log *zap.Logger) {
	start := time.Now()
	ack, err := e.handle(ctx, s, f, log)

	result := "ok"
	if err != nil {
		result = strings.ToLower(string(apperr.CodeOf(err)))
	}
	e.metrics.event(f.Event, result, time.Since(start))

	if err != nil {
		ae := apperr.From(err)
		switch {
		case isTyping(f.Event):
			// typing failures are never surfaced
			log.Debug("typing event dropped", zap.Error(err))
			ack, err = wire.OKAck{OK: true}, nil
		case ae.Code == apperr.CodeInternal:
			log.Error("event failed", zap.String("event", f.Event), zap.Error(err))
		default:
			log.Debug("event rejected", zap.String("event", f.Event), zap.Error(err))
		}
	}

	if f.ID == nil {
		return
	}
	var payload any = ack
	if err != nil {
		payload = wire.ErrorAckFrom(err)
	}
	frame, encErr := wire.AckFrame(*f.ID, payload)
	if encErr != nil {
		log.Error("encode ack", zap.String("event", f.Event), zap.Error(encErr))
		frame, _ = wire.AckFrame(*f.ID, wire.ErrorAckFrom(apperr.Internal(encErr)))
	}
	e.hub.deliver(s, frame)
}

func (e *Engine) handle(ctx context.Context, s *Session, f *wire.Frame, log *zap.Logger) (ack any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic", zap.String("event", f.Event), zap.Any("panic", r), zap.Stack("stack"))
			ack, err = nil, apperr.Internal(fmt.Errorf("panic: %v", r))
		}
	}()

	if e.limiter != nil && !e.limiter.Allow("user:"+s.UserID) {
		return nil, apperr.RateLimited()
	}
	ev, err := wire.Decode(f)
	if err != nil {
		return nil, err
	}
	h, ok := e.handlers[ev.Kind()]
	if !ok {
		return nil, apperr.Validation("unsupported event")
	}
	return h(ctx, s, ev)
}

func (e *Engine) handleJoin(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Join)
	conv, err := e.pipeline.Conversation(ctx, s.UserID, req.ConversationID)
	if err != nil {
		return nil, err
	}
	e.hub.Join(s, wire.ConversationTopic(conv.ID))

	updates, err := e.pipeline.MarkConversationDeliveredForUser(ctx, s.UserID, conv.ID)
	if err != nil {
		return nil, err
	}
	e.bridge.Delivered(updates)
	return wire.OKAck{OK: true}, nil
}

func (e *Engine) handleLeave(_ context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Leave)
	e.hub.Leave(s, wire.ConversationTopic(req.ConversationID))
	return wire.OKAck{OK: true}, nil
}

func (e *Engine) handleSend(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Send)
	res, err := e.pipeline.Send(ctx, delivery.SendRequest{
		ConversationID:   req.ConversationID,
		SenderID:         s.UserID,
		Type:             data.MessageType(req.Type),
		Body:             req.Body,
		IsEncrypted:      req.IsEncrypted,
		ReplyToMessageID: req.ReplyToMessageID,
		ClientID:         req.ClientID,
	})
	if err != nil {
		return nil, err
	}
	if !res.Duplicate {
		e.Announce(ctx, res.Message)
	}
	return wire.SendAck{OK: true, Message: res.Message.View(s.UserID), Duplicate: res.Duplicate}, nil
}

// Announce fans out a freshly stored message and stamps it delivered when the
// recipient is connected. Both transports and the REST send path use it.
func (e *Engine) Announce(ctx context.Context, msg *data.Message) {
	e.bridge.MessageNew(msg)
	u, err := e.pipeline.MarkDeliveredIfRecipientOnline(ctx, msg)
	if err != nil {
		e.log.Warn("mark delivered", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	if u != nil {
		msg.DeliveredAt = u.DeliveredAt
		e.bridge.Delivered([]data.LifecycleUpdate{*u})
	}
}

func (e *Engine) handleSeen(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Seen)
	updates, err := e.pipeline.MarkSeen(ctx, s.UserID, req.ConversationID, req.MessageIDs)
	if err != nil {
		return nil, err
	}
	e.bridge.Seen(updates)
	return wire.SeenAck{OK: true, Updates: updates}, nil
}

func (e *Engine) handleReact(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.React)
	u, err := e.pipeline.ToggleReaction(ctx, s.UserID, req.MessageID, req.Emoji)
	if err != nil {
		return nil, err
	}
	e.bridge.Reaction(u)
	return wire.ReactAck{OK: true, Update: *u}, nil
}

func (e *Engine) handleTyping(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Typing)
	relay := e.typing.Stop
	if req.Start {
		relay = e.typing.Start
	}
	sig, err := relay(ctx, req.ConversationID, s.UserID)
	if err != nil {
		return nil, err
	}
	e.bridge.Typing(sig)
	return wire.OKAck{OK: true}, nil
}

func (e *Engine) handleCall(ctx context.Context, s *Session, ev wire.Inbound) (any, error) {
	req := ev.(wire.Call)
	sess, err := e.calls.Signal(ctx, s.UserID, call.Request{
		ConversationID: req.ConversationID,
		ToUserID:       req.ToUserID,
		CallID:         req.CallID,
		Action:         call.Action(strings.TrimPrefix(string(req.Action), "call:")),
		Status:         req.Status,
	})
	if err != nil {
		return nil, err
	}
	e.bridge.Call(sess)
	return wire.CallAck{OK: true, Signal: fanout.CallSignalOf(sess)}, nil
}
