package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"calsync/internal/models"
)

// SQLiteStore implements Store on a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer avoids "database is locked" under concurrent syncs.
	db.SetMaxOpenConns(1)

	if err := InitSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetToken(ctx context.Context, pair models.Pair) (*models.OAuthToken, error) {
	var tok models.OAuthToken
	var expiresAt, refreshedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, token_type, expires_at, refreshed_at
		FROM oauth_tokens
		WHERE user_id = ? AND provider = ?
	`, pair.UserID, string(pair.Provider)).Scan(
		&tok.AccessToken,
		&tok.RefreshToken,
		&tok.TokenType,
		&expiresAt,
		&refreshedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token for %s: %w", pair, err)
	}

	if expiresAt.Valid {
		tok.ExpiresAt = expiresAt.Time
	}
	if refreshedAt.Valid {
		tok.RefreshedAt = refreshedAt.Time
	}
	return &tok, nil
}

func (s *SQLiteStore) SaveToken(ctx context.Context, pair models.Pair, tok *models.OAuthToken) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("refusing to save empty token for %s", pair)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_tokens (user_id, provider, access_token, refresh_token, token_type, expires_at, refreshed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = CASE
				WHEN excluded.refresh_token = '' THEN oauth_tokens.refresh_token
				ELSE excluded.refresh_token
			END,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			refreshed_at = excluded.refreshed_at,
			updated_at = excluded.updated_at
	`, pair.UserID, string(pair.Provider), tok.AccessToken, tok.RefreshToken, tok.TokenType,
		nullTime(tok.ExpiresAt), nullTime(tok.RefreshedAt), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save token for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, pair models.Pair) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE user_id = ? AND provider = ?`,
		pair.UserID, string(pair.Provider))
	if err != nil {
		return fmt.Errorf("failed to delete token for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRevoked(ctx context.Context, pair models.Pair) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oauth_revocations (user_id, provider, revoked_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET revoked_at = excluded.revoked_at
	`, pair.UserID, string(pair.Provider), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark %s revoked: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) ClearRevoked(ctx context.Context, pair models.Pair) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_revocations WHERE user_id = ? AND provider = ?`,
		pair.UserID, string(pair.Provider))
	if err != nil {
		return fmt.Errorf("failed to clear revocation for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) IsRevoked(ctx context.Context, pair models.Pair) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM oauth_revocations WHERE user_id = ? AND provider = ?
	`, pair.UserID, string(pair.Provider)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check revocation for %s: %w", pair, err)
	}
	return count > 0, nil
}

func (s *SQLiteStore) GetCursor(ctx context.Context, pair models.Pair) (*models.SyncCursor, error) {
	var cursor models.SyncCursor
	var windowStart, windowEnd, syncedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT delta_token, window_start, window_end, synced_at
		FROM sync_cursors
		WHERE user_id = ? AND provider = ?
	`, pair.UserID, string(pair.Provider)).Scan(&cursor.DeltaToken, &windowStart, &windowEnd, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync cursor for %s: %w", pair, err)
	}

	if windowStart.Valid {
		cursor.WindowStart = windowStart.Time
	}
	if windowEnd.Valid {
		cursor.WindowEnd = windowEnd.Time
	}
	if syncedAt.Valid {
		cursor.SyncedAt = syncedAt.Time
	}
	return &cursor, nil
}

func (s *SQLiteStore) SaveCursor(ctx context.Context, pair models.Pair, cursor models.SyncCursor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (user_id, provider, delta_token, window_start, window_end, synced_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			delta_token = excluded.delta_token,
			window_start = excluded.window_start,
			window_end = excluded.window_end,
			synced_at = excluded.synced_at
	`, pair.UserID, string(pair.Provider), cursor.DeltaToken,
		nullTime(cursor.WindowStart), nullTime(cursor.WindowEnd), nullTime(cursor.SyncedAt))
	if err != nil {
		return fmt.Errorf("failed to save sync cursor for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteCursor(ctx context.Context, pair models.Pair) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_cursors WHERE user_id = ? AND provider = ?`,
		pair.UserID, string(pair.Provider))
	if err != nil {
		return fmt.Errorf("failed to delete sync cursor for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceConflicts(ctx context.Context, pair models.Pair, records []models.ConflictRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE user_id = ? AND provider = ?`,
		pair.UserID, string(pair.Provider)); err != nil {
		return fmt.Errorf("failed to clear conflicts for %s: %w", pair, err)
	}

	for _, rec := range records {
		if err := insertConflict(ctx, tx, pair, rec); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflicts for %s: %w", pair, err)
	}
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, pair models.Pair) ([]models.ConflictRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, local_event, remote_event, resolution, detected_at
		FROM sync_conflicts
		WHERE user_id = ? AND provider = ?
		ORDER BY detected_at, id
	`, pair.UserID, string(pair.Provider))
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts for %s: %w", pair, err)
	}
	defer func() { _ = rows.Close() }()

	var records []models.ConflictRecord
	for rows.Next() {
		rec, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) GetConflict(ctx context.Context, pair models.Pair, id string) (*models.ConflictRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, local_event, remote_event, resolution, detected_at
		FROM sync_conflicts
		WHERE user_id = ? AND provider = ? AND id = ?
	`, pair.UserID, string(pair.Provider), id)

	rec, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) UpdateConflict(ctx context.Context, pair models.Pair, rec models.ConflictRecord) error {
	local, remote, err := marshalPair(rec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET local_event = ?, remote_event = ?, resolution = ?
		WHERE user_id = ? AND provider = ? AND id = ?
	`, local, remote, string(rec.Resolution), pair.UserID, string(pair.Provider), rec.ID)
	if err != nil {
		return fmt.Errorf("failed to update conflict %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConflict(row rowScanner) (*models.ConflictRecord, error) {
	var rec models.ConflictRecord
	var local, remote, resolution string

	if err := row.Scan(&rec.ID, &local, &remote, &resolution, &rec.DetectedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conflict: %w", err)
	}
	if err := json.Unmarshal([]byte(local), &rec.Local); err != nil {
		return nil, fmt.Errorf("failed to decode local event of conflict %s: %w", rec.ID, err)
	}
	if err := json.Unmarshal([]byte(remote), &rec.Remote); err != nil {
		return nil, fmt.Errorf("failed to decode remote event of conflict %s: %w", rec.ID, err)
	}
	rec.Resolution = models.Resolution(resolution)
	return &rec, nil
}

func insertConflict(ctx context.Context, tx *sql.Tx, pair models.Pair, rec models.ConflictRecord) error {
	local, remote, err := marshalPair(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (id, user_id, provider, local_event, remote_event, resolution, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, pair.UserID, string(pair.Provider), local, remote, string(rec.Resolution), rec.DetectedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert conflict %s: %w", rec.ID, err)
	}
	return nil
}

func marshalPair(rec models.ConflictRecord) (string, string, error) {
	local, err := json.Marshal(rec.Local)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode local event: %w", err)
	}
	remote, err := json.Marshal(rec.Remote)
	if err != nil {
		return "", "", fmt.Errorf("failed to encode remote event: %w", err)
	}
	return string(local), string(remote), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
