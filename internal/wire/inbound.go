package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
)

// InboundKind is the closed set of client-to-server events.
type InboundKind string

const (
	ConversationJoin  InboundKind = "conversation:join"
	ConversationLeave InboundKind = "conversation:leave"
	MessageSend       InboundKind = "message:send"
	MessageSeen       InboundKind = "message:seen"
	MessageReact      InboundKind = "message:react"
	TypingStart       InboundKind = "typing:start"
	TypingStop        InboundKind = "typing:stop"
	CallInvite        InboundKind = "call:invite"
	CallAccept        InboundKind = "call:accept"
	CallDecline       InboundKind = "call:decline"
	CallEnd           InboundKind = "call:end"
)

// InboundKinds lists every inbound event.
var InboundKinds = []InboundKind{
	ConversationJoin, ConversationLeave,
	MessageSend, MessageSeen, MessageReact,
	TypingStart, TypingStop,
	CallInvite, CallAccept, CallDecline, CallEnd,
}

// Inbound is a decoded client event. The set of implementations is closed.
type Inbound interface {
	Kind() InboundKind
	inbound()
}

// Join asks to subscribe to a conversation room.
type Join struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// Leave unsubscribes from a conversation room.
type Leave struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
}

// Send posts a message.
type Send struct {
	ConversationID   string `json:"conversationId" validate:"required,max=128"`
	Body             string `json:"body" validate:"required,max=65536"`
	Type             string `json:"type,omitempty" validate:"omitempty,oneof=text image video file voice"`
	IsEncrypted      bool   `json:"isEncrypted,omitempty"`
	ClientID         string `json:"clientId,omitempty" validate:"max=128"`
	ReplyToMessageID string `json:"replyToMessageId,omitempty" validate:"max=128"`
}

// Seen marks messages read. No ids means everything in the conversation.
type Seen struct {
	ConversationID string   `json:"conversationId" validate:"required,max=128"`
	MessageIDs     []string `json:"messageIds,omitempty" validate:"omitempty,max=500,dive,required,max=128"`
}

// React toggles an emoji on a message.
type React struct {
	MessageID string `json:"messageId" validate:"required,max=128"`
	Emoji     string `json:"emoji" validate:"required,max=32"`
}

// Typing relays a typing indicator transition.
type Typing struct {
	ConversationID string `json:"conversationId" validate:"required,max=128"`
	Start          bool   `json:"-"`
}

// Call relays one call-signal transition.
type Call struct {
	Action         InboundKind `json:"-"`
	ConversationID string      `json:"conversationId" validate:"required,max=128"`
	ToUserID       string      `json:"toUserId" validate:"required,max=128"`
	CallID         string      `json:"callId,omitempty" validate:"max=128"`
	Status         string      `json:"status,omitempty" validate:"omitempty,oneof=ended missed declined"`
}

func (Join) Kind() InboundKind  { return ConversationJoin }
func (Leave) Kind() InboundKind { return ConversationLeave }
func (Send) Kind() InboundKind  { return MessageSend }
func (Seen) Kind() InboundKind  { return MessageSeen }
func (React) Kind() InboundKind { return MessageReact }
func (t Typing) Kind() InboundKind {
	if t.Start {
		return TypingStart
	}
	return TypingStop
}
func (c Call) Kind() InboundKind { return c.Action }

func (Join) inbound()   {}
func (Leave) inbound()  {}
func (Send) inbound()   {}
func (Seen) inbound()   {}
func (React) inbound()  {}
func (Typing) inbound() {}
func (Call) inbound()   {}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json field names in validation messages
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validator returns the shared validator, which reports JSON field names.
func Validator() *validator.Validate { return validate }

// ValidationMessage turns validator output into a short client-facing message.
func ValidationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Tag() {
		case "required":
			return fe.Field() + " is required"
		case "max":
			return fe.Field() + " is too long"
		case "oneof":
			return fe.Field() + " must be one of: " + fe.Param()
		default:
			return fe.Field() + " is invalid"
		}
	}
	return "invalid payload"
}

// Decode turns an inbound frame into its typed event. Unknown events and
// malformed payloads are Validation errors.
func Decode(f *Frame) (Inbound, error) {
	kind := InboundKind(f.Event)
	var ev Inbound
	switch kind {
	case ConversationJoin:
		var p Join
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		ev = p
	case ConversationLeave:
		var p Leave
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		ev = p
	case MessageSend:
		var p Send
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		ev = p
	case MessageSeen:
		var p Seen
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		ev = p
	case MessageReact:
		var p React
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		ev = p
	case TypingStart, TypingStop:
		var p Typing
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		p.Start = kind == TypingStart
		ev = p
	case CallInvite, CallAccept, CallDecline, CallEnd:
		var p Call
		if err := unmarshal(f.Data, &p); err != nil {
			return nil, err
		}
		p.Action = kind
		ev = p
	default:
		return nil, apperr.Validation(fmt.Sprintf("unknown event %q", f.Event))
	}
	return ev, nil
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, "malformed payload", err)
	}
	if err := validate.Struct(v); err != nil {
		return apperr.Wrap(apperr.CodeValidation, ValidationMessage(err), err)
	}
	return nil
}
