package provider

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/models"
)

type fakeCreds struct {
	tok         *models.OAuthToken
	refreshes   int
	refreshErr  error
	invalidated int
}

func (f *fakeCreds) Token(context.Context) (*models.OAuthToken, error) {
	return f.tok, nil
}

func (f *fakeCreds) Refresh(_ context.Context, _ *models.OAuthToken) (*models.OAuthToken, error) {
	f.refreshes++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	f.tok = &models.OAuthToken{AccessToken: "fresh", RefreshToken: "r"}
	return f.tok, nil
}

func (f *fakeCreds) Invalidate(context.Context) error {
	f.invalidated++
	f.tok = nil
	return nil
}

func newTestRetrier(waits *[]time.Duration) *Retrier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRetrier(logger, DefaultRetryPolicy()).WithSleep(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	})
}

func statusErr(code int, header http.Header) error {
	return models.NewStatusError(models.ProviderGoogle, "list", code, header, "")
}

func TestRetrierRefreshesOnceOn401(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "stale", RefreshToken: "r"}}

	var seen []string
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(_ context.Context, tok *models.OAuthToken) error {
			seen = append(seen, tok.AccessToken)
			if tok.AccessToken == "stale" {
				return statusErr(http.StatusUnauthorized, nil)
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, seen)
	assert.Equal(t, 1, creds.refreshes)
	assert.Empty(t, waits)
}

func TestRetrierSecond401RequiresReauth(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "stale", RefreshToken: "r"}}

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return statusErr(http.StatusUnauthorized, nil)
		})

	assert.ErrorIs(t, err, models.ErrReauthRequired)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, creds.refreshes)
	assert.Equal(t, 1, creds.invalidated, "credentials rejected after a refresh are dropped")
}

func TestRetrierRefreshFailureStops(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "stale"}, refreshErr: models.ErrReauthRequired}

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderOutlook, Op: "create", Write: true},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return statusErr(http.StatusUnauthorized, nil)
		})

	assert.ErrorIs(t, err, models.ErrReauthRequired)
	assert.Equal(t, 1, calls)
	assert.Zero(t, creds.invalidated)
}

func TestRetrierRateLimitBackoff(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return statusErr(http.StatusTooManyRequests, nil)
		})

	assert.ErrorIs(t, err, models.ErrRateLimited)
	assert.Equal(t, 6, calls)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, waits)
}

func TestRetrierHonorsRetryAfter(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	header := http.Header{}
	header.Set("Retry-After", "7")

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderOutlook, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			if calls == 1 {
				return statusErr(http.StatusTooManyRequests, header)
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, []time.Duration{7 * time.Second}, waits)
}

func TestRetrierServerErrors(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "update", Write: true},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return statusErr(http.StatusBadGateway, nil)
		})

	assert.ErrorIs(t, err, models.ErrTransport)
	assert.Equal(t, 4, calls)
	assert.Len(t, waits, 3)
}

func TestRetrierTransportErrorsRecover(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	calls := 0
	err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			if calls < 3 {
				return models.NewTransportError(models.ProviderGoogle, "list", errors.New("connection reset"))
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierDoesNotRetryClientErrors(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusGone} {
		calls := 0
		err := r.Do(context.Background(), creds, Call{Provider: models.ProviderGoogle, Op: "create"},
			func(context.Context, *models.OAuthToken) error {
				calls++
				return statusErr(code, nil)
			})

		require.Error(t, err)
		assert.Equal(t, 1, calls, "status %d", code)

		var perr *models.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, code, perr.StatusCode)
	}
	assert.Empty(t, waits)
}

func TestRetrierCancelledBeforeCall(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Do(ctx, creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return nil
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestRetrierCancelStopsRetries(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	r := NewRetrier(logger, DefaultRetryPolicy()).WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return nil
	})
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	calls := 0
	err := r.Do(ctx, creds, Call{Provider: models.ProviderGoogle, Op: "list"},
		func(context.Context, *models.OAuthToken) error {
			calls++
			return statusErr(http.StatusServiceUnavailable, nil)
		})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetrierWritesSurviveCancellation(t *testing.T) {
	var waits []time.Duration
	r := newTestRetrier(&waits)
	creds := &fakeCreds{tok: &models.OAuthToken{AccessToken: "a"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := r.Do(ctx, creds, Call{Provider: models.ProviderGoogle, Op: "create", Write: true},
		func(callCtx context.Context, _ *models.OAuthToken) error {
			cancel()
			assert.NoError(t, callCtx.Err())
			return nil
		})
	require.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(models.ProviderGoogle)
	assert.ErrorIs(t, err, models.ErrUnsupportedProvider)
	assert.Empty(t, r.Names())
}

func TestSortByStart(t *testing.T) {
	base := time.Date(2025, 11, 18, 9, 0, 0, 0, time.UTC)
	events := []models.CalendarEvent{
		{ID: "c", StartTime: base.Add(time.Hour), EndTime: base.Add(2 * time.Hour)},
		{ID: "b", StartTime: base, EndTime: base.Add(2 * time.Hour)},
		{ID: "a", StartTime: base, EndTime: base.Add(time.Hour)},
	}
	SortByStart(events)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, "c", events[2].ID)
}
