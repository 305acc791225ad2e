// Package store persists per-(user, provider) credentials, sync cursors and
// pending conflicts.
package store

import (
	"context"

	"calsync/internal/models"
)

// TokenStore is the durable record of OAuth credentials per Pair.
//
// SaveToken must never replace a stored refresh token with an empty one.
type TokenStore interface {
	GetToken(ctx context.Context, pair models.Pair) (*models.OAuthToken, error) // models.ErrNotFound when absent
	SaveToken(ctx context.Context, pair models.Pair, tok *models.OAuthToken) error
	DeleteToken(ctx context.Context, pair models.Pair) error

	MarkRevoked(ctx context.Context, pair models.Pair) error
	ClearRevoked(ctx context.Context, pair models.Pair) error
	IsRevoked(ctx context.Context, pair models.Pair) (bool, error)
}

// CursorStore holds the last committed SyncCursor per Pair.
type CursorStore interface {
	GetCursor(ctx context.Context, pair models.Pair) (*models.SyncCursor, error) // nil, nil when absent
	SaveCursor(ctx context.Context, pair models.Pair, cursor models.SyncCursor) error
	DeleteCursor(ctx context.Context, pair models.Pair) error
}

// ConflictStore holds the conflicts surfaced by the last committed pass.
type ConflictStore interface {
	ReplaceConflicts(ctx context.Context, pair models.Pair, records []models.ConflictRecord) error
	ListConflicts(ctx context.Context, pair models.Pair) ([]models.ConflictRecord, error)
	GetConflict(ctx context.Context, pair models.Pair, id string) (*models.ConflictRecord, error) // models.ErrNotFound when absent
	UpdateConflict(ctx context.Context, pair models.Pair, record models.ConflictRecord) error
}

// Store bundles every persistence concern.
type Store interface {
	TokenStore
	CursorStore
	ConflictStore
	Close() error
}
