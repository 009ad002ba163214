package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// KeysStore stores published device keys in the "public_keys" collection.
type KeysStore struct {
	coll *mongo.Collection
}

// NewKeysStore returns a KeysStore using the provided collection.
func NewKeysStore(coll *mongo.Collection) *KeysStore {
	return &KeysStore{coll: coll}
}

// UpsertPublicKey replaces the key for (user, device).
func (k *KeysStore) UpsertPublicKey(ctx context.Context, key *PublicKey) error {
	updated := key.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	filter := bson.M{"user_id": key.UserID, "device_id": key.DeviceID}
	update := bson.M{"$set": bson.M{
		"jwk":         key.JWK,
		"fingerprint": key.Fingerprint,
		"updated_at":  updated.UTC(),
	}}
	if _, err := k.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true)); err != nil {
		return fmt.Errorf("upsert public key: %w", err)
	}
	return nil
}

// GetPublicKey returns a device key, or the user's most recently updated one
// when deviceID is empty.
func (k *KeysStore) GetPublicKey(ctx context.Context, userID, deviceID string) (*PublicKey, error) {
	filter := bson.M{"user_id": userID}
	if deviceID != "" {
		filter["device_id"] = deviceID
	}
	opts := options.FindOne().SetSort(bson.D{{Key: "updated_at", Value: -1}})

	var key PublicKey
	if err := k.coll.FindOne(ctx, filter, opts).Decode(&key); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("key for %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("get public key: %w", err)
	}
	return &key, nil
}
