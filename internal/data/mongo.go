package data

import (
	"context"

	"github.com/PaulBabatuyi/realtime-messenger/internal/db"
)

// MongoStore bundles the per-collection stores into a Store.
type MongoStore struct {
	*UsersStore
	*BlocksStore
	*ConversationsStore
	*MessagesStore
	*KeysStore

	client *db.Client
}

// NewMongoStore builds a Store over the client's collections.
func NewMongoStore(c *db.Client) *MongoStore {
	return &MongoStore{
		UsersStore:         NewUsersStore(c.Users()),
		BlocksStore:        NewBlocksStore(c.Blocks()),
		ConversationsStore: NewConversationsStore(c.Conversations()),
		MessagesStore:      NewMessagesStore(c.Messages(), c.Conversations()),
		KeysStore:          NewKeysStore(c.Keys()),
		client:             c,
	}
}

// Ping checks the database is reachable.
func (s *MongoStore) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

// Close disconnects the underlying client.
func (s *MongoStore) Close(ctx context.Context) error { return s.client.Close(ctx) }

var (
	_ Store = (*MongoStore)(nil)
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
