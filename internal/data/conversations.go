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

// ConversationsStore stores 1-to-1 conversations in the "conversations" collection.
type ConversationsStore struct {
	coll *mongo.Collection
}

// NewConversationsStore returns a ConversationsStore using the provided collection.
func NewConversationsStore(coll *mongo.Collection) *ConversationsStore {
	return &ConversationsStore{coll: coll}
}

// GetOrCreateConversation returns the conversation for the pair, creating it
// on first use. The unique (user_a, user_b) index settles concurrent creates.
func (c *ConversationsStore) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	ua, ub := OrderedPair(a, b)
	filter := bson.M{"user_a": ua, "user_b": ub}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	for attempt := 0; ; attempt++ {
		update := bson.M{"$setOnInsert": bson.M{
			"_id":        uuid.NewString(),
			"seq":        int64(0),
			"created_at": time.Now().UTC(),
		}}
		var conv Conversation
		err := c.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&conv)
		if err == nil {
			return &conv, nil
		}
		// a concurrent upsert won the race; the next attempt finds its document
		if mongo.IsDuplicateKeyError(err) && attempt == 0 {
			continue
		}
		return nil, fmt.Errorf("get or create conversation: %w", err)
	}
}

// GetConversation finds a conversation by id.
func (c *ConversationsStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	err := c.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

// ListConversationsForUser returns the user's conversations, most recent first.
func (c *ConversationsStore) ListConversationsForUser(ctx context.Context, userID string, limit int64) ([]*Conversation, error) {
	filter := bson.M{"$or": bson.A{bson.M{"user_a": userID}, bson.M{"user_b": userID}}}
	opts := options.Find().SetSort(bson.D{
		{Key: "last_message_at", Value: -1},
		{Key: "created_at", Value: -1},
	})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer cursor.Close(ctx)

	var convs []*Conversation
	if err := cursor.All(ctx, &convs); err != nil {
		return nil, fmt.Errorf("decode conversations: %w", err)
	}
	return convs, nil
}

// SetWallpaper stores the opaque wallpaper value.
func (c *ConversationsStore) SetWallpaper(ctx context.Context, id, wallpaper string) (*Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var conv Conversation
	err := c.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"wallpaper": wallpaper}}, opts).Decode(&conv)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("set wallpaper: %w", err)
	}
	return &conv, nil
}
