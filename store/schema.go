package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema statements, applied in order. Idempotent, so the daemon runs
// them unconditionally on startup.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS membership (
		room_id   TEXT NOT NULL,
		user_id   TEXT NOT NULL,
		joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		is_admin  BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_membership_user ON membership (user_id)`,
	`CREATE TABLE IF NOT EXISTS presence (
		user_id         TEXT PRIMARY KEY,
		is_online       BOOLEAN NOT NULL DEFAULT FALSE,
		last_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		current_room_id TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS typing (
		room_id    TEXT NOT NULL,
		user_id    TEXT NOT NULL,
		is_typing  BOOLEAN NOT NULL DEFAULT FALSE,
		last_typed TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (room_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id           TEXT PRIMARY KEY,
		room_id      TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		body         TEXT NOT NULL,
		client_token TEXT UNIQUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages (room_id, created_at)`,
}

// EnsureSchema creates the presence tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
