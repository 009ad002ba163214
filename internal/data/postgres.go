package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema is the PostgreSQL schema used by PostgresStore. Statements are
// idempotent so RunMigrations can run on every startup.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id                 TEXT PRIMARY KEY,
    online             BOOLEAN NOT NULL DEFAULT FALSE,
    last_seen          TIMESTAMPTZ,
    show_online_status BOOLEAN NOT NULL DEFAULT TRUE,
    created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS blocks (
    blocker_id TEXT NOT NULL,
    blocked_id TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (blocker_id, blocked_id)
);
CREATE INDEX IF NOT EXISTS blocks_blocked_idx ON blocks (blocked_id);

CREATE TABLE IF NOT EXISTS conversations (
    id              TEXT PRIMARY KEY,
    user_a          TEXT NOT NULL,
    user_b          TEXT NOT NULL,
    wallpaper       TEXT NOT NULL DEFAULT '',
    seq             BIGINT NOT NULL DEFAULT 0,
    last_message_at TIMESTAMPTZ,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (user_a, user_b),
    CHECK (user_a < user_b)
);

CREATE TABLE IF NOT EXISTS messages (
    id                  TEXT PRIMARY KEY,
    conversation_id     TEXT NOT NULL REFERENCES conversations (id),
    sender_id           TEXT NOT NULL,
    recipient_id        TEXT NOT NULL,
    type                TEXT NOT NULL,
    body                TEXT NOT NULL,
    is_encrypted        BOOLEAN NOT NULL DEFAULT FALSE,
    reply_to_message_id TEXT,
    client_id           TEXT,
    seq                 BIGINT NOT NULL,
    created_at          TIMESTAMPTZ NOT NULL,
    delivered_at        TIMESTAMPTZ,
    seen_at             TIMESTAMPTZ,
    UNIQUE (conversation_id, seq),
    CHECK (seen_at IS NULL OR delivered_at IS NOT NULL)
);
CREATE INDEX IF NOT EXISTS messages_undelivered_idx ON messages (recipient_id) WHERE delivered_at IS NULL;
CREATE UNIQUE INDEX IF NOT EXISTS messages_client_key ON messages (conversation_id, sender_id, client_id)
    WHERE client_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS message_reactions (
    message_id TEXT NOT NULL REFERENCES messages (id) ON DELETE CASCADE,
    user_id    TEXT NOT NULL,
    emoji      TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, user_id, emoji)
);

CREATE TABLE IF NOT EXISTS public_keys (
    user_id     TEXT NOT NULL,
    device_id   TEXT NOT NULL,
    jwk         TEXT NOT NULL,
    fingerprint TEXT NOT NULL,
    updated_at  TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, device_id)
);
`

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates the pool and checks connectivity.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &PostgresStore{db: pool}, nil
}

// RunMigrations applies Schema.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

func (s *PostgresStore) Close(context.Context) error {
	s.db.Close()
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// uniqueViolation is the SQLSTATE for a unique index conflict.
const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// --- UserStore ---

const userCols = `id, online, last_seen, show_online_status, created_at, updated_at`

func scanUser(row scanner) (*User, error) {
	u := &User{}
	if err := row.Scan(&u.ID, &u.Online, &u.LastSeen, &u.ShowOnlineStatus, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	return u, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, id string) (*User, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.GetUser(ctx, id)
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %q", id))
	}
	return u, nil
}

func (s *PostgresStore) GetUsers(ctx context.Context, ids []string) ([]*User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, `SELECT `+userCols+` FROM users WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get users: %w", err)
	}
	defer rows.Close()

	var out []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetPresence(ctx context.Context, id string, online bool, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
        UPDATE users
        SET online = $2,
            last_seen = CASE WHEN $2 THEN last_seen ELSE $3 END,
            updated_at = $3
        WHERE id = $1`, id, online, at.UTC())
	if err != nil {
		return fmt.Errorf("set presence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %q: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetShowOnlineStatus(ctx context.Context, id string, show bool) (*User, error) {
	u, err := scanUser(s.db.QueryRow(ctx, `
        UPDATE users SET show_online_status = $2, updated_at = now()
        WHERE id = $1
        RETURNING `+userCols, id, show))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("user %q", id))
	}
	return u, nil
}

// --- BlockStore ---

func (s *PostgresStore) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO blocks (blocker_id, blocked_id) VALUES ($1, $2)
        ON CONFLICT DO NOTHING`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("block: %w", err)
	}
	return nil
}

func (s *PostgresStore) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM blocks WHERE blocker_id = $1 AND blocked_id = $2`, blockerID, blockedID)
	if err != nil {
		return fmt.Errorf("unblock: %w", err)
	}
	return nil
}

func (s *PostgresStore) BlockExists(ctx context.Context, a, b string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM blocks
            WHERE (blocker_id = $1 AND blocked_id = $2) OR (blocker_id = $2 AND blocked_id = $1)
        )`, a, b).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("block exists: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) BlockedAmong(ctx context.Context, userID string, others []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(others) == 0 {
		return out, nil
	}
	rows, err := s.db.Query(ctx, `
        SELECT CASE WHEN blocker_id = $1 THEN blocked_id ELSE blocker_id END
        FROM blocks
        WHERE (blocker_id = $1 AND blocked_id = ANY($2))
           OR (blocked_id = $1 AND blocker_id = ANY($2))`, userID, others)
	if err != nil {
		return nil, fmt.Errorf("blocked among: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		out[id] = true
	}
	return out, rows.Err()
}

// --- ConversationStore ---

const convCols = `id, user_a, user_b, wallpaper, seq, last_message_at, created_at`

func scanConversation(row scanner) (*Conversation, error) {
	c := &Conversation{}
	if err := row.Scan(&c.ID, &c.UserA, &c.UserB, &c.Wallpaper, &c.Seq, &c.LastMessageAt, &c.CreatedAt); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *PostgresStore) GetOrCreateConversation(ctx context.Context, a, b string) (*Conversation, error) {
	ua, ub := OrderedPair(a, b)
	_, err := s.db.Exec(ctx, `
        INSERT INTO conversations (id, user_a, user_b) VALUES ($1, $2, $3)
        ON CONFLICT (user_a, user_b) DO NOTHING`, uuid.NewString(), ua, ub)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	c, err := scanConversation(s.db.QueryRow(ctx,
		`SELECT `+convCols+` FROM conversations WHERE user_a = $1 AND user_b = $2`, ua, ub))
	if err != nil {
		return nil, notFound(err, "conversation pair")
	}
	return c, nil
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx, `SELECT `+convCols+` FROM conversations WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("conversation %q", id))
	}
	return c, nil
}

func (s *PostgresStore) ListConversationsForUser(ctx context.Context, userID string, limit int64) ([]*Conversation, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	rows, err := s.db.Query(ctx, `
        SELECT `+convCols+` FROM conversations
        WHERE user_a = $1 OR user_b = $1
        ORDER BY COALESCE(last_message_at, created_at) DESC
        LIMIT $2`, userID, lim)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetWallpaper(ctx context.Context, id, wallpaper string) (*Conversation, error) {
	c, err := scanConversation(s.db.QueryRow(ctx,
		`UPDATE conversations SET wallpaper = $2 WHERE id = $1 RETURNING `+convCols, id, wallpaper))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("conversation %q", id))
	}
	return c, nil
}

// --- MessageStore ---

const msgCols = `id, conversation_id, sender_id, recipient_id, type, body, is_encrypted,
    COALESCE(reply_to_message_id, ''), COALESCE(client_id, ''), seq, created_at, delivered_at, seen_at`

func scanMessage(row scanner) (*Message, error) {
	m := &Message{}
	err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID, (*string)(&m.Type), &m.Body,
		&m.IsEncrypted, &m.ReplyToMessageID, &m.ClientID, &m.Seq, &m.CreatedAt, &m.DeliveredAt, &m.SeenAt)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// the row lock taken by this UPDATE serialises concurrent sends in the
	// same conversation until commit
	var seq int64
	var createdAt time.Time
	err = tx.QueryRow(ctx, `
        UPDATE conversations
        SET seq = seq + 1,
            last_message_at = GREATEST(date_trunc('milliseconds', now()), last_message_at + interval '1 millisecond')
        WHERE id = $1
        RETURNING seq, last_message_at`, msg.ConversationID).Scan(&seq, &createdAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("conversation %q", msg.ConversationID))
	}

	stored := *msg
	stored.ID = uuid.NewString()
	stored.Seq = seq
	stored.CreatedAt = createdAt.UTC()
	stored.DeliveredAt, stored.SeenAt, stored.Reactions = nil, nil, nil

	_, err = tx.Exec(ctx, `
        INSERT INTO messages (id, conversation_id, sender_id, recipient_id, type, body, is_encrypted,
                              reply_to_message_id, client_id, seq, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		stored.ID, stored.ConversationID, stored.SenderID, stored.RecipientID, string(stored.Type), stored.Body,
		stored.IsEncrypted, nullable(stored.ReplyToMessageID), nullable(stored.ClientID), stored.Seq, stored.CreatedAt)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("client id %q: %w", stored.ClientID, ErrConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &stored, nil
}

// loadReactions fills Reactions for every message in ms with one query.
func (s *PostgresStore) loadReactions(ctx context.Context, q interface {
	Query(context.Context, string, ...any) (pgx.Rows, error)
}, ms []*Message) error {
	if len(ms) == 0 {
		return nil
	}
	byID := make(map[string]*Message, len(ms))
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		byID[m.ID] = m
		ids = append(ids, m.ID)
	}
	rows, err := q.Query(ctx, `
        SELECT message_id, user_id, emoji, created_at FROM message_reactions
        WHERE message_id = ANY($1)
        ORDER BY created_at, user_id`, ids)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var r Reaction
		if err := rows.Scan(&id, &r.UserID, &r.Emoji, &r.CreatedAt); err != nil {
			return fmt.Errorf("scan reaction: %w", err)
		}
		if m := byID[id]; m != nil {
			m.Reactions = append(m.Reactions, r)
		}
	}
	return rows.Err()
}

func (s *PostgresStore) queryMessages(ctx context.Context, sql string, args ...any) ([]*Message, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if err := s.loadReactions(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("message %q", id))
	}
	if err := s.loadReactions(ctx, s.db, []*Message{m}); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *PostgresStore) FindByClientID(ctx context.Context, conversationID, senderID, clientID string) (*Message, error) {
	m, err := scanMessage(s.db.QueryRow(ctx, `
        SELECT `+msgCols+` FROM messages
        WHERE conversation_id = $1 AND sender_id = $2 AND client_id = $3`, conversationID, senderID, clientID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("client id %q", clientID))
	}
	return m, nil
}

func (s *PostgresStore) ReleaseClientID(ctx context.Context, messageID string) error {
	_, err := s.db.Exec(ctx, `UPDATE messages SET client_id = NULL WHERE id = $1`, messageID)
	if err != nil {
		return fmt.Errorf("release client id: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkDelivered(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	out, err := s.queryMessages(ctx, `
        UPDATE messages SET delivered_at = $2
        WHERE recipient_id = $1
          AND delivered_at IS NULL
          AND ($3 = '' OR conversation_id = $3)
          AND ($4::text[] IS NULL OR id = ANY($4))
        RETURNING `+msgCols, recipientID, at.UTC(), conversationID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	sortMessagesBySeq(out)
	return out, nil
}

func (s *PostgresStore) MarkSeen(ctx context.Context, recipientID, conversationID string, ids []string, at time.Time) ([]*Message, error) {
	out, err := s.queryMessages(ctx, `
        UPDATE messages SET seen_at = $3, delivered_at = COALESCE(delivered_at, $3)
        WHERE recipient_id = $1
          AND conversation_id = $2
          AND seen_at IS NULL
          AND ($4::text[] IS NULL OR id = ANY($4))
        RETURNING `+msgCols, recipientID, conversationID, at.UTC(), ids)
	if err != nil {
		return nil, fmt.Errorf("mark seen: %w", err)
	}
	sortMessagesBySeq(out)
	return out, nil
}

func (s *PostgresStore) ToggleReaction(ctx context.Context, messageID, userID, emoji string, at time.Time) (*Message, bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// lock the message row so concurrent toggles on it serialise
	m, err := scanMessage(tx.QueryRow(ctx, `SELECT `+msgCols+` FROM messages WHERE id = $1 FOR UPDATE`, messageID))
	if err != nil {
		return nil, false, notFound(err, fmt.Sprintf("message %q", messageID))
	}

	tag, err := tx.Exec(ctx, `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji)
	if err != nil {
		return nil, false, fmt.Errorf("remove reaction: %w", err)
	}
	added := tag.RowsAffected() == 0
	if added {
		_, err = tx.Exec(ctx, `
            INSERT INTO message_reactions (message_id, user_id, emoji, created_at) VALUES ($1, $2, $3, $4)
            ON CONFLICT DO NOTHING`, messageID, userID, emoji, at.UTC())
		if err != nil {
			return nil, false, fmt.Errorf("add reaction: %w", err)
		}
	}
	if err := s.loadReactions(ctx, tx, []*Message{m}); err != nil {
		return nil, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return m, added, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, beforeSeq int64, limit int64) ([]*Message, error) {
	var lim any
	if limit > 0 {
		lim = limit
	}
	out, err := s.queryMessages(ctx, `
        SELECT `+msgCols+` FROM messages
        WHERE conversation_id = $1 AND ($2 = 0 OR seq < $2)
        ORDER BY seq DESC
        LIMIT $3`, conversationID, beforeSeq, lim)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	sortMessagesBySeq(out)
	return out, nil
}

// --- KeyStore ---

func (s *PostgresStore) UpsertPublicKey(ctx context.Context, key *PublicKey) error {
	updated := key.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO public_keys (user_id, device_id, jwk, fingerprint, updated_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (user_id, device_id)
        DO UPDATE SET jwk = EXCLUDED.jwk, fingerprint = EXCLUDED.fingerprint, updated_at = EXCLUDED.updated_at`,
		key.UserID, key.DeviceID, key.JWK, key.Fingerprint, updated.UTC())
	if err != nil {
		return fmt.Errorf("upsert public key: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPublicKey(ctx context.Context, userID, deviceID string) (*PublicKey, error) {
	k := &PublicKey{}
	err := s.db.QueryRow(ctx, `
        SELECT user_id, device_id, jwk, fingerprint, updated_at FROM public_keys
        WHERE user_id = $1 AND ($2 = '' OR device_id = $2)
        ORDER BY updated_at DESC LIMIT 1`, userID, deviceID).
		Scan(&k.UserID, &k.DeviceID, &k.JWK, &k.Fingerprint, &k.UpdatedAt)
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("key for %s", userID))
	}
	return k, nil
}
