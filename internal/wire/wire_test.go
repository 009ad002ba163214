package wire

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"

	"github.com/PaulBabatuyi/realtime-messenger/internal/apperr"
	"github.com/PaulBabatuyi/realtime-messenger/internal/data"
)

func frame(event, data string) *Frame {
	return &Frame{Event: event, Data: json.RawMessage(data)}
}

func TestDecode(t *testing.T) {
	ev, err := Decode(frame("message:send", `{"conversationId":"c1","body":"hi","clientId":"x"}`))
	require.NoError(t, err)
	send, ok := ev.(Send)
	require.True(t, ok)
	require.Equal(t, "c1", send.ConversationID)
	require.Equal(t, MessageSend, send.Kind())

	ev, err = Decode(frame("typing:stop", `{"conversationId":"c1"}`))
	require.NoError(t, err)
	require.Equal(t, TypingStop, ev.Kind())

	ev, err = Decode(frame("call:end", `{"conversationId":"c1","toUserId":"bob","callId":"k","status":"missed"}`))
	require.NoError(t, err)
	call := ev.(Call)
	require.Equal(t, CallEnd, call.Action)
	require.Equal(t, "missed", call.Status)

	ev, err = Decode(frame("message:seen", `{"conversationId":"c1"}`))
	require.NoError(t, err)
	require.Nil(t, ev.(Seen).MessageIDs)
}

func TestDecode_Errors(t *testing.T) {
	cases := []struct {
		name, event, data, msg string
	}{
		{"unknown", "message:edit", `{}`, `unknown event "message:edit"`},
		{"malformed", "message:send", `{"conversationId":`, "malformed payload"},
		{"missing field", "message:send", `{"conversationId":"c1"}`, "body is required"},
		{"bad type", "message:send", `{"conversationId":"c1","body":"x","type":"gif"}`, "type must be one of: text image video file voice"},
		{"empty data", "conversation:join", ``, "conversationId is required"},
		{"empty id in list", "message:seen", `{"conversationId":"c1","messageIds":[""]}`, "messageIds[0] is required"},
		{"bad call status", "call:end", `{"conversationId":"c","toUserId":"b","status":"ringing"}`, "status must be one of: ended missed declined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(frame(tc.event, tc.data))
			ae := apperr.From(err)
			require.Equal(t, apperr.CodeValidation, ae.Code)
			require.Equal(t, tc.msg, ae.Message)
		})
	}
}

func TestTopics(t *testing.T) {
	require.Equal(t, "user:alice", UserTopic("alice").String())
	require.Equal(t, "conversation:c1", ConversationTopic("c1").String())

	topic, ok := ParseTopic("conversation:c1")
	require.True(t, ok)
	require.Equal(t, ConversationTopic("c1"), topic)

	for _, bad := range []string{"room:1", "user:", "nocolon"} {
		_, ok := ParseTopic(bad)
		require.False(t, ok, bad)
	}
}

func TestFrames(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f, err := EventFrame(PresenceUpdate{UserID: "alice", IsOnline: false, LastSeen: &at})
	require.NoError(t, err)
	out, err := json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"event":"presence:update","data":{"userId":"alice","isOnline":false,"lastSeen":"2024-05-01T10:00:00Z"}}`, string(out))

	f, err = AckFrame(3, ErrorAckFrom(apperr.Forbidden("interaction not allowed")))
	require.NoError(t, err)
	out, err = json.Marshal(f)
	require.NoError(t, err)
	require.JSONEq(t, `{"ack":3,"data":{"ok":false,"message":"interaction not allowed","code":"FORBIDDEN"}}`, string(out))

	require.Equal(t, "call:ringing", CallSignal{Status: "ringing"}.Event())
	require.Equal(t, "typing:start", TypingSignal{Start: true}.Event())
}

func TestMessageNewFlattens(t *testing.T) {
	msg := &data.Message{ID: "m1", ConversationID: "c1", SenderID: "a", RecipientID: "b", Type: data.MessageText, Body: "hi"}
	raw, err := json.Marshal(MessageNew{MessageView: msg.View("b")})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, "m1", got["id"])
	require.Equal(t, []any{}, got["reactions"])
	require.Nil(t, got["deliveredAt"])
}

func TestInternalErrorsAreOpaque(t *testing.T) {
	ack := ErrorAckFrom(apperr.Internal(errLeaky))
	require.Equal(t, "internal error", ack.Message)
	require.Equal(t, apperr.CodeInternal, ack.Code)
}

var errLeaky = errors.New("dial tcp 10.0.0.5:27017: connection refused")

func TestCodecRegistered(t *testing.T) {
	c := encoding.GetCodec(CodecName)
	require.NotNil(t, c)
	raw, err := c.Marshal(&Frame{Event: "x"})
	require.NoError(t, err)
	var f Frame
	require.NoError(t, c.Unmarshal(raw, &f))
	require.Equal(t, "x", f.Event)
}
