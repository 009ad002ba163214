package data

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// BlocksStore stores directed block edges in the "blocks" collection.
type BlocksStore struct {
	coll *mongo.Collection
}

// NewBlocksStore returns a BlocksStore using the provided collection.
func NewBlocksStore(coll *mongo.Collection) *BlocksStore {
	return &BlocksStore{coll: coll}
}

// Block records blocker -> blocked. Blocking twice is a no-op.
func (b *BlocksStore) Block(ctx context.Context, blockerID, blockedID string) error {
	filter := bson.M{"blocker_id": blockerID, "blocked_id": blockedID}
	update := bson.M{"$setOnInsert": bson.M{"created_at": time.Now().UTC()}}
	_, err := b.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

// Unblock removes blocker -> blocked if present.
func (b *BlocksStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := b.coll.DeleteOne(ctx, bson.M{"blocker_id": blockerID, "blocked_id": blockedID})
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	return nil
}

// BlockExists reports an edge in either direction.
func (b *BlocksStore) BlockExists(ctx context.Context, x, y string) (bool, error) {
	filter := bson.M{"$or": bson.A{
		bson.M{"blocker_id": x, "blocked_id": y},
		bson.M{"blocker_id": y, "blocked_id": x},
	}}
	n, err := b.coll.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("block exists: %w", err)
	}
	return n > 0, nil
}

// BlockedAmong returns the members of others that share an edge with userID.
func (b *BlocksStore) BlockedAmong(ctx context.Context, userID string, others []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(others) == 0 {
		return out, nil
	}
	filter := bson.M{"$or": bson.A{
		bson.M{"blocker_id": userID, "blocked_id": bson.M{"$in": others}},
		bson.M{"blocked_id": userID, "blocker_id": bson.M{"$in": others}},
	}}
	cursor, err := b.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("blocked among: %w", err)
	}
	defer cursor.Close(ctx)

	var edges []Block
	if err := cursor.All(ctx, &edges); err != nil {
		return nil, fmt.Errorf("decode blocks: %w", err)
	}
	for _, e := range edges {
		if e.BlockerID == userID {
			out[e.BlockedID] = true
		} else {
			out[e.BlockerID] = true
		}
	}
	return out, nil
}
