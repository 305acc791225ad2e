package store

import (
	"database/sql"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS oauth_tokens (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	expires_at DATETIME,
	refreshed_at DATETIME,
	updated_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS oauth_revocations (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	revoked_at DATETIME NOT NULL,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS sync_cursors (
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	delta_token TEXT NOT NULL DEFAULT '',
	window_start DATETIME,
	window_end DATETIME,
	synced_at DATETIME,
	PRIMARY KEY (user_id, provider)
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	local_event TEXT NOT NULL,
	remote_event TEXT NOT NULL,
	resolution TEXT NOT NULL,
	detected_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sync_conflicts_pair ON sync_conflicts(user_id, provider);
`

// InitSchema creates all tables if they don't exist.
func InitSchema(db *sql.DB) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}
