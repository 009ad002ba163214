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

// UsersStore performs user DB operations.
type UsersStore struct {
	// coll is the "users" collection; documents are keyed by the external user id
	coll *mongo.Collection
}

// NewUsersStore returns a UsersStore using the provided collection.
func NewUsersStore(coll *mongo.Collection) *UsersStore {
	return &UsersStore{coll: coll}
}

// EnsureUser upserts a user document with default settings and returns it.
func (u *UsersStore) EnsureUser(ctx context.Context, id string) (*User, error) {
	now := time.Now().UTC()
	// $setOnInsert leaves existing users untouched
	update := bson.M{"$setOnInsert": bson.M{
		"online":             false,
		"show_online_status": true,
		"created_at":         now,
		"updated_at":         now,
	}}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var user User
	err := u.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&user)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return &user, nil
}

// GetUser finds a user by id.
func (u *UsersStore) GetUser(ctx context.Context, id string) (*User, error) {
	var user User
	err := u.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &user, nil
}

// GetUsers loads every existing user among ids in one round trip.
func (u *UsersStore) GetUsers(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cursor, err := u.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer cursor.Close(ctx)

	var users []*User
	if err := cursor.All(ctx, &users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// SetPresence flips the presence flag. Going offline also records last_seen.
func (u *UsersStore) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	set := bson.M{"online": online, "updated_at": at.UTC()}
	if !online {
		set["last_seen"] = at.UTC()
	}
	res, err := u.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return nil
}

// SetShowOnlineStatus updates the visibility preference and returns the user.
func (u *UsersStore) SetShowOnlineStatus(ctx context.Context, id string, show bool) (*User, error) {
	update := bson.M{"$set": bson.M{"show_online_status": show, "updated_at": time.Now().UTC()}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var user User
	err := u.coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("user %q: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("set show online status: %w", err)
	}
	return &user, nil
}
