package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/models"
)

func setupStores(t *testing.T) map[string]Store {
	t.Helper()

	sqlite, err := OpenSQLite(filepath.Join(t.TempDir(), "calsync.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	return map[string]Store{
		"sqlite": sqlite,
		"memory": NewMemoryStore(),
	}
}

var testPair = models.Pair{UserID: "user-1", Provider: models.ProviderGoogle}

func TestTokenLifecycle(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.GetToken(ctx, testPair)
			require.ErrorIs(t, err, models.ErrNotFound)

			expiry := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
			require.NoError(t, s.SaveToken(ctx, testPair, &models.OAuthToken{
				AccessToken:  "access-1",
				RefreshToken: "refresh-1",
				TokenType:    "Bearer",
				ExpiresAt:    expiry,
			}))

			got, err := s.GetToken(ctx, testPair)
			require.NoError(t, err)
			assert.Equal(t, "access-1", got.AccessToken)
			assert.Equal(t, "refresh-1", got.RefreshToken)
			assert.True(t, expiry.Equal(got.ExpiresAt))

			// A refresh response without a refresh token keeps the old one.
			require.NoError(t, s.SaveToken(ctx, testPair, &models.OAuthToken{
				AccessToken: "access-2",
				ExpiresAt:   expiry.Add(time.Hour),
			}))
			got, err = s.GetToken(ctx, testPair)
			require.NoError(t, err)
			assert.Equal(t, "access-2", got.AccessToken)
			assert.Equal(t, "refresh-1", got.RefreshToken)

			// A rotated refresh token replaces the old one.
			require.NoError(t, s.SaveToken(ctx, testPair, &models.OAuthToken{
				AccessToken:  "access-3",
				RefreshToken: "refresh-2",
			}))
			got, err = s.GetToken(ctx, testPair)
			require.NoError(t, err)
			assert.Equal(t, "refresh-2", got.RefreshToken)

			other := models.Pair{UserID: "user-1", Provider: models.ProviderOutlook}
			_, err = s.GetToken(ctx, other)
			assert.ErrorIs(t, err, models.ErrNotFound)

			require.NoError(t, s.DeleteToken(ctx, testPair))
			_, err = s.GetToken(ctx, testPair)
			assert.ErrorIs(t, err, models.ErrNotFound)
		})
	}
}

func TestSaveTokenRejectsEmpty(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.SaveToken(context.Background(), testPair, &models.OAuthToken{}))
			assert.Error(t, s.SaveToken(context.Background(), testPair, nil))
		})
	}
}

func TestRevocationMarker(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			revoked, err := s.IsRevoked(ctx, testPair)
			require.NoError(t, err)
			assert.False(t, revoked)

			require.NoError(t, s.MarkRevoked(ctx, testPair))
			require.NoError(t, s.MarkRevoked(ctx, testPair))
			revoked, err = s.IsRevoked(ctx, testPair)
			require.NoError(t, err)
			assert.True(t, revoked)

			require.NoError(t, s.ClearRevoked(ctx, testPair))
			revoked, err = s.IsRevoked(ctx, testPair)
			require.NoError(t, err)
			assert.False(t, revoked)
		})
	}
}

func TestCursorPersistence(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			cursor, err := s.GetCursor(ctx, testPair)
			require.NoError(t, err)
			assert.Nil(t, cursor)

			want := models.SyncCursor{
				DeltaToken:  "https://graph.example/delta?token=abc",
				WindowStart: time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC),
				WindowEnd:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
				SyncedAt:    time.Date(2025, 11, 1, 8, 30, 0, 0, time.UTC),
			}
			require.NoError(t, s.SaveCursor(ctx, testPair, want))

			cursor, err = s.GetCursor(ctx, testPair)
			require.NoError(t, err)
			require.NotNil(t, cursor)
			assert.Equal(t, want.DeltaToken, cursor.DeltaToken)
			assert.True(t, want.WindowStart.Equal(cursor.WindowStart))
			assert.True(t, want.WindowEnd.Equal(cursor.WindowEnd))
			assert.True(t, want.SyncedAt.Equal(cursor.SyncedAt))

			require.NoError(t, s.DeleteCursor(ctx, testPair))
			cursor, err = s.GetCursor(ctx, testPair)
			require.NoError(t, err)
			assert.Nil(t, cursor)
		})
	}
}

func TestConflictSet(t *testing.T) {
	for name, s := range setupStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Date(2025, 11, 1, 8, 0, 0, 0, time.UTC)
			start := time.Date(2025, 11, 3, 9, 0, 0, 0, time.UTC)

			local := models.CalendarEvent{ID: "evt-1", Title: "Crew A", StartTime: start, EndTime: start.Add(time.Hour)}
			remote := local
			remote.Title = "Crew A (moved)"

			other := local
			other.ID = "evt-2"
			other.StartTime = start.Add(24 * time.Hour)
			other.EndTime = other.StartTime.Add(time.Hour)

			first := models.NewConflictRecord(local, remote, now)
			second := models.NewConflictRecord(other, other, now.Add(time.Second))
			require.NotEqual(t, first.ID, second.ID)
			require.NoError(t, s.ReplaceConflicts(ctx, testPair, []models.ConflictRecord{second, first}))

			list, err := s.ListConflicts(ctx, testPair)
			require.NoError(t, err)
			require.Len(t, list, 2)
			assert.Equal(t, first.ID, list[0].ID)
			assert.Equal(t, "Crew A (moved)", list[0].Remote.Title)
			assert.Equal(t, models.ResolutionPending, list[0].Resolution)

			first.Resolution = models.ResolutionMerged
			require.NoError(t, s.UpdateConflict(ctx, testPair, first))
			got, err := s.GetConflict(ctx, testPair, first.ID)
			require.NoError(t, err)
			assert.Equal(t, models.ResolutionMerged, got.Resolution)

			_, err = s.GetConflict(ctx, testPair, "missing")
			assert.ErrorIs(t, err, models.ErrNotFound)
			assert.ErrorIs(t, s.UpdateConflict(ctx, testPair, models.ConflictRecord{ID: "missing"}), models.ErrNotFound)

			require.NoError(t, s.ReplaceConflicts(ctx, testPair, nil))
			list, err = s.ListConflicts(ctx, testPair)
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}
