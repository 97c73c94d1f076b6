package db

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"chat-realtime/internal/logger"
)

// Connect opens the database and applies migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

// Servers, channels, memberships and friendships are owned by the
// management service; the tables are created here only so a fresh database
// can boot. This service never writes to them.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS servers (
            id BIGSERIAL PRIMARY KEY,
            name TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS channels (
            id BIGSERIAL PRIMARY KEY,
            server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
            name TEXT NOT NULL
        );`,
	`CREATE TABLE IF NOT EXISTS server_members (
            server_id BIGINT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
            user_id BIGINT NOT NULL,
            PRIMARY KEY(server_id, user_id)
        );`,
	`CREATE INDEX IF NOT EXISTS server_members_user_idx ON server_members(user_id);`,
	`CREATE TABLE IF NOT EXISTS friendships (
            user_id BIGINT NOT NULL,
            friend_id BIGINT NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            PRIMARY KEY(user_id, friend_id)
        );`,
	`CREATE TABLE IF NOT EXISTS conversations (
            id BIGSERIAL PRIMARY KEY,
            user1_id BIGINT NOT NULL,
            user2_id BIGINT NOT NULL,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK (user1_id < user2_id),
            UNIQUE(user1_id, user2_id)
        );`,
	`CREATE TABLE IF NOT EXISTS messages (
            id BIGINT PRIMARY KEY,
            author_id BIGINT NOT NULL,
            channel_id BIGINT REFERENCES channels(id) ON DELETE CASCADE,
            conversation_id BIGINT REFERENCES conversations(id) ON DELETE CASCADE,
            kind TEXT NOT NULL,
            ciphertext BYTEA NOT NULL,
            attachments JSONB,
            created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            CHECK ((channel_id IS NULL) <> (conversation_id IS NULL))
        );`,
	`CREATE INDEX IF NOT EXISTS messages_channel_idx ON messages(channel_id, id) WHERE channel_id IS NOT NULL;`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages(conversation_id, id) WHERE conversation_id IS NOT NULL;`,
	`CREATE TABLE IF NOT EXISTS read_markers (
            user_id BIGINT NOT NULL,
            scope_kind TEXT NOT NULL,
            scope_id BIGINT NOT NULL,
            message_id BIGINT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY(user_id, scope_kind, scope_id)
        );`,
}

func runMigrations(db *sqlx.DB) error {
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	logger.L().Info("database migrations applied", zap.Int("count", len(migrations)))
	return nil
}
