package storage

import (
	"context"
	"fmt"
)

// schemaStatements create the tables and indexes the repository relies on.
// Each statement is idempotent so startup can run them unconditionally.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            TEXT PRIMARY KEY,
		display_name  TEXT NOT NULL,
		email         TEXT NOT NULL UNIQUE,
		roles         TEXT[] NOT NULL DEFAULT '{}',
		password_hash TEXT NOT NULL DEFAULT '',
		self_signup   BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS channels (
		id         TEXT PRIMARY KEY,
		owner_id   TEXT NOT NULL REFERENCES users (id),
		title      TEXT NOT NULL,
		category   TEXT NOT NULL DEFAULT '',
		tags       TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS wallets (
		user_id    TEXT PRIMARY KEY REFERENCES users (id) ON DELETE CASCADE,
		balance    BIGINT NOT NULL CHECK (balance >= 0),
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id            TEXT PRIMARY KEY,
		user_id       TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
		entry_type    TEXT NOT NULL,
		amount        BIGINT NOT NULL,
		balance_after BIGINT NOT NULL,
		reference_id  TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_entries_user_created
		ON ledger_entries (user_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_messages (
		id         TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL REFERENCES users (id),
		content    TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS chat_messages_channel_created
		ON chat_messages (channel_id, created_at DESC, id DESC)`,
	`CREATE TABLE IF NOT EXISTS chat_bans (
		channel_id TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		actor_id   TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		issued_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chat_mutes (
		channel_id TEXT NOT NULL REFERENCES channels (id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		actor_id   TEXT NOT NULL DEFAULT '',
		reason     TEXT NOT NULL DEFAULT '',
		issued_at  TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	)`,
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
