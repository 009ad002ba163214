// Package db manages MongoDB connections and collections.
package db

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

// DefaultDatabase is used when no database name is configured.
const DefaultDatabase = "messenger"

// Client wraps mongo.Client and exposes collections.
type Client struct {
	// client is the underlying MongoDB connection (thread-safe, can be reused)
	client *mongo.Client

	// db holds every collection the messenger uses
	db *mongo.Database
}

// New connects to MongoDB, pings the primary and returns a Client.
func New(ctx context.Context, mongoURI, database string) (*Client, error) {
	if database == "" {
		database = DefaultDatabase
	}
	opts := options.Client().
		ApplyURI(mongoURI).
		SetConnectTimeout(10 * time.Second) // fail fast if MongoDB is unreachable

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return &Client{client: client, db: client.Database(database)}, nil
}

// Users returns the users collection.
func (c *Client) Users() *mongo.Collection { return c.db.Collection("users") }

// Conversations returns the conversations collection.
func (c *Client) Conversations() *mongo.Collection { return c.db.Collection("conversations") }

// Messages returns the messages collection.
func (c *Client) Messages() *mongo.Collection { return c.db.Collection("messages") }

// Blocks returns the blocks collection.
func (c *Client) Blocks() *mongo.Collection { return c.db.Collection("blocks") }

// Keys returns the public key directory collection.
func (c *Client) Keys() *mongo.Collection { return c.db.Collection("public_keys") }

// Ping checks the primary is reachable. Used by the readiness check.
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx, readpref.Primary())
}

// Close disconnects from MongoDB.
func (c *Client) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

// CreateIndexes creates the indexes every store relies on. Index creation is
// idempotent so this runs on every startup.
func (c *Client) CreateIndexes(ctx context.Context) error {
	// one conversation per ordered participant pair
	_, err := c.Conversations().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_a", Value: 1}, {Key: "user_b", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_a", Value: 1}, {Key: "last_message_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_b", Value: 1}, {Key: "last_message_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create conversation indexes: %w", err)
	}

	_, err = c.Messages().Indexes().CreateMany(ctx, []mongo.IndexModel{
		// history pages walk seq backwards inside a conversation
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: -1}},
			Options: options.Index().SetUnique(true),
		},
		// catch-up delivery on connect: undelivered messages for a recipient
		{Keys: bson.D{{Key: "recipient_id", Value: 1}, {Key: "delivered_at", Value: 1}}},
		// one live clientId per sender and conversation
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "client_id", Value: 1}},
			Options: options.Index().SetUnique(true).
				SetPartialFilterExpression(bson.M{"client_id": bson.M{"$exists": true}}),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create message indexes: %w", err)
	}

	_, err = c.Blocks().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "blocker_id", Value: 1}, {Key: "blocked_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "blocked_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create block indexes: %w", err)
	}

	_, err = c.Keys().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "device_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create key indexes: %w", err)
	}

	return nil
}
