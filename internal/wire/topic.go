package wire

import "strings"

// TopicKind is the closed set of room kinds.
type TopicKind string

const (
	TopicUser         TopicKind = "user"
	TopicConversation TopicKind = "conversation"
)

// Topic names a fan-out room. Every session joins its own user topic on
// connect and conversation topics on request.
type Topic struct {
	Kind TopicKind
	ID   string
}

// UserTopic is the personal room of userID.
func UserTopic(userID string) Topic { return Topic{Kind: TopicUser, ID: userID} }

// ConversationTopic is the room of one conversation.
func ConversationTopic(conversationID string) Topic {
	return Topic{Kind: TopicConversation, ID: conversationID}
}

func (t Topic) String() string { return string(t.Kind) + ":" + t.ID }

// ParseTopic is the inverse of Topic.String.
func ParseTopic(s string) (Topic, bool) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Topic{}, false
	}
	switch TopicKind(kind) {
	case TopicUser, TopicConversation:
		return Topic{Kind: TopicKind(kind), ID: id}, true
	}
	return Topic{}, false
}
