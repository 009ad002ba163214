package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MessagesStore provides message database operations.
type MessagesStore struct {
	// coll is the "messages" collection
	coll *mongo.Collection
	// convs is the "conversations" collection, which owns the seq counter
	convs *mongo.Collection
}

// NewMessagesStore returns a MessagesStore using the given collections.
func NewMessagesStore(coll, convs *mongo.Collection) *MessagesStore {
	return &MessagesStore{coll: coll, convs: convs}
}

// InsertMessage bumps the conversation's seq and last_message_at in a single
// atomic update, then stores the message with those values.
func (m *MessagesStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	now := time.Now().UTC().Truncate(time.Millisecond)

	// Aggregation-pipeline update so the new timestamp can reference the old
	// one: last_message_at = max(now, last_message_at + 1ms). $max ignores the
	// null produced when last_message_at is missing.
	bump := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "seq", Value: bson.D{{Key: "$add", Value: bson.A{"$seq", 1}}}},
			{Key: "last_message_at", Value: bson.D{{Key: "$max", Value: bson.A{
				now,
				bson.D{{Key: "$add", Value: bson.A{"$last_message_at", 1}}},
			}}}},
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var conv Conversation
	err := m.convs.FindOneAndUpdate(ctx, bson.M{"_id": msg.ConversationID}, bump, opts).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %q: %w", msg.ConversationID, ErrNotFound)
		}
		return nil, fmt.Errorf("bump conversation: %w", err)
	}

	stored := *msg
	stored.ID = uuid.NewString()
	stored.Seq = conv.Seq
	stored.CreatedAt = now
	if conv.LastMessageAt != nil {
		stored.CreatedAt = conv.LastMessageAt.UTC()
	}
	stored.DeliveredAt, stored.SeenAt = nil, nil
	// an empty array rather than null so $push works on first reaction
	stored.Reactions = []Reaction{}

	if _, err := m.coll.InsertOne(ctx, &stored); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("client id %q: %w", stored.ClientID, ErrConflict)
		}
		return nil, fmt.Errorf("insert message: %w", err)
	}
	return &stored, nil
}

// GetMessage finds a message by id.
func (m *MessagesStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := m.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

// FindByClientID looks up the message holding a client-generated id.
func (m *MessagesStore) FindByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	filter := bson.M{
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"client_id":       clientID,
	}
	var msg Message
	err := m.coll.FindOne(ctx, filter).Decode(&msg)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("client id %q: %w", clientID, ErrNotFound)
		}
		return nil, fmt.Errorf("find by client id: %w", err)
	}
	return &msg, nil
}

// ReleaseClientID drops the client-generated id from a message so the id can
// be reused.
func (m *MessagesStore) ReleaseClientID(ctx context.Context, messageID string) error {
	_, err := m.coll.UpdateOne(ctx, bson.M{"_id": messageID}, bson.M{"$unset": bson.M{"client_id": ""}})
	if err != nil {
		return fmt.Errorf("release client id: %w", err)
	}
	return nil
}

// candidateIDs returns the ids of messages matching filter, ordered by seq.
func (m *MessagesStore) candidateIDs(ctx context.Context, filter bson.M) ([]string, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 1}).
		SetSort(bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}})
	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids, nil
}

// stampEach applies update to every candidate whose guard field is still null.
// Each document is updated with its own conditional FindOneAndUpdate so that
// concurrent stampers never report the same transition twice.
func (m *MessagesStore) stampEach(ctx context.Context, ids []string, guard string, update interface{}) ([]*Message, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var out []*Message
	for _, id := range ids {
		var msg Message
		err := m.coll.FindOneAndUpdate(ctx, bson.M{"_id": id, guard: nil}, update, opts).Decode(&msg)
		if errors.Is(err, mongo.ErrNoDocuments) {
			continue // somebody else stamped it first
		}
		if err != nil {
			return out, err
		}
		out = append(out, &msg)
	}
	return out, nil
}

// MarkDelivered stamps delivered_at on the recipient's undelivered messages.
func (m *MessagesStore) MarkDelivered(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	filter := bson.M{"recipient_id": recipientID, "delivered_at": nil}
	if conversationID != "" {
		filter["conversation_id"] = conversationID
	}
	if ids != nil {
		filter["_id"] = bson.M{"$in": ids}
	}
	candidates, err := m.candidateIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find undelivered: %w", err)
	}
	out, err := m.stampEach(ctx, candidates, "delivered_at", bson.M{"$set": bson.M{"delivered_at": at.UTC()}})
	if err != nil {
		return out, fmt.Errorf("mark delivered: %w", err)
	}
	return out, nil
}

// MarkSeen stamps seen_at, filling delivered_at in the same update when missing.
func (m *MessagesStore) MarkSeen(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	filter := bson.M{"recipient_id": recipientID, "conversation_id": conversationID, "seen_at": nil}
	if ids != nil {
		filter["_id"] = bson.M{"$in": ids}
	}
	candidates, err := m.candidateIDs(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find unseen: %w", err)
	}
	at = at.UTC()
	update := mongo.Pipeline{
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "seen_at", Value: at},
			{Key: "delivered_at", Value: bson.D{{Key: "$ifNull", Value: bson.A{"$delivered_at", at}}}},
		}}},
	}
	out, err := m.stampEach(ctx, candidates, "seen_at", update)
	if err != nil {
		return out, fmt.Errorf("mark seen: %w", err)
	}
	return out, nil
}

// ToggleReaction removes (userID, emoji) if present, otherwise adds it. Both
// branches are single conditional updates; a lost race is retried.
func (m *MessagesStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*Message, bool, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	member := bson.M{"user_id": userID, "emoji": emoji}

	for attempt := 0; attempt < 3; attempt++ {
		var msg Message
		err := m.coll.FindOneAndUpdate(ctx,
			bson.M{"_id": messageID, "reactions": bson.M{"$elemMatch": member}},
			bson.M{"$pull": bson.M{"reactions": member}},
			opts,
		).Decode(&msg)
		if err == nil {
			return &msg, false, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, fmt.Errorf("remove reaction: %w", err)
		}

		err = m.coll.FindOneAndUpdate(ctx,
			bson.M{"_id": messageID, "reactions": bson.M{"$not": bson.M{"$elemMatch": member}}},
			bson.M{"$push": bson.M{"reactions": Reaction{UserID: userID, Emoji: emoji, CreatedAt: at.UTC()}}},
			opts,
		).Decode(&msg)
		if err == nil {
			return &msg, true, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, false, fmt.Errorf("add reaction: %w", err)
		}

		// neither branch matched: the message is gone or a concurrent toggle
		// flipped membership between the two updates
		if _, err := m.GetMessage(ctx, messageID); err != nil {
			return nil, false, err
		}
	}
	return nil, false, fmt.Errorf("toggle reaction: too much contention on %q", messageID)
}

// ListMessages returns a page of history ordered oldest to newest.
func (m *MessagesStore) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int64) ([]*Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if beforeSeq > 0 {
		filter["seq"] = bson.M{"$lt": beforeSeq}
	}
	// newest first so the limit keeps the most recent page
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}

	// reverse into chronological order
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
