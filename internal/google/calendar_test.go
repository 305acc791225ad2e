package google

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/calendar/v3"

	"calsync/internal/mapper"
	"calsync/internal/models"
)

var testToken = &models.OAuthToken{AccessToken: "access-1", RefreshToken: "refresh-1"}

func newTestAdapter(t *testing.T, mux *http.ServeMux) *Adapter {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, mapper.New(time.UTC),
		WithEndpoint(srv.URL+"/calendar/v3/"),
		WithHTTPClient(srv.Client()),
	)
}

func testWindow() models.Window {
	return models.Window{
		Start: time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC),
	}
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestListEventsPaginates(t *testing.T) {
	mux := http.NewServeMux()
	var pages int
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		pages++
		assert.Equal(t, "Bearer access-1", r.Header.Get("Authorization"))
		q := r.URL.Query()
		assert.Equal(t, "true", q.Get("singleEvents"))
		assert.Equal(t, "startTime", q.Get("orderBy"))
		assert.Equal(t, "2025-11-01T00:00:00Z", q.Get("timeMin"))
		assert.Equal(t, "2025-12-01T00:00:00Z", q.Get("timeMax"))

		if q.Get("pageToken") == "" {
			writeJSON(t, w, http.StatusOK, calendar.Events{
				Items: []*calendar.Event{{
					Id:      "g-2",
					Summary: "Mow",
					Start:   &calendar.EventDateTime{DateTime: "2025-11-19T09:00:00Z"},
					End:     &calendar.EventDateTime{DateTime: "2025-11-19T10:00:00Z"},
				}},
				NextPageToken: "page-2",
			})
			return
		}
		assert.Equal(t, "page-2", q.Get("pageToken"))
		writeJSON(t, w, http.StatusOK, calendar.Events{
			Items: []*calendar.Event{
				{
					Id:      "g-1",
					Summary: "Team Offsite",
					Start:   &calendar.EventDateTime{Date: "2025-11-18"},
					End:     &calendar.EventDateTime{Date: "2025-11-19"},
				},
				{Id: "g-3", Status: "cancelled"},
			},
		})
	})

	a := newTestAdapter(t, mux)
	events, err := a.ListEvents(context.Background(), testToken, testWindow())
	require.NoError(t, err)

	assert.Equal(t, 2, pages)
	require.Len(t, events, 2)
	assert.Equal(t, "g-1", events[0].ID)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, "Team Offsite", events[0].Title)
	assert.Equal(t, "g-2", events[1].ID)
}

func TestCreateAllDayEvent(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		var got calendar.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Team Offsite", got.Summary)
		require.NotNil(t, got.Start)
		assert.Equal(t, "2025-11-18", got.Start.Date)
		assert.Empty(t, got.Start.DateTime)
		assert.Equal(t, "2025-11-19", got.End.Date)

		got.Id = "new-1"
		got.Etag = `"1"`
		writeJSON(t, w, http.StatusOK, got)
	})

	a := newTestAdapter(t, mux)
	created, err := a.CreateEvent(context.Background(), testToken, models.CalendarEvent{
		Title:     "Team Offsite",
		StartTime: time.Date(2025, 11, 18, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC),
		AllDay:    true,
	}, mapper.ExportOptions{})
	require.NoError(t, err)

	assert.Equal(t, "new-1", created.ID)
	assert.True(t, created.AllDay)
	assert.Equal(t, `"1"`, created.ProviderEtag)
}

func TestUpdateAndDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /calendar/v3/calendars/primary/events/ev-1", func(w http.ResponseWriter, r *http.Request) {
		var got calendar.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "2025-11-20T09:00:00Z", got.Start.DateTime)
		got.Id = "ev-1"
		writeJSON(t, w, http.StatusOK, got)
	})
	mux.HandleFunc("DELETE /calendar/v3/calendars/primary/events/ev-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /calendar/v3/calendars/primary/events/gone", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusGone, map[string]any{"error": map[string]any{"code": 410, "message": "Resource has been deleted"}})
	})

	a := newTestAdapter(t, mux)
	start := time.Date(2025, 11, 20, 9, 0, 0, 0, time.UTC)
	updated, err := a.UpdateEvent(context.Background(), testToken, models.CalendarEvent{
		ID: "ev-1", Title: "Mow", StartTime: start, EndTime: start.Add(time.Hour), TimeZone: "UTC",
	}, mapper.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "ev-1", updated.ID)

	require.NoError(t, a.DeleteEvent(context.Background(), testToken, "ev-1"))
	require.NoError(t, a.DeleteEvent(context.Background(), testToken, "gone"))

	_, err = a.UpdateEvent(context.Background(), testToken, models.CalendarEvent{Title: "x"}, mapper.ExportOptions{})
	assert.ErrorIs(t, err, models.ErrProviderRejected)
}

func TestErrorClassification(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("syncToken") {
		case "expired":
			writeJSON(t, w, http.StatusGone, map[string]any{"error": map[string]any{"code": 410, "message": "Sync token is no longer valid"}})
		default:
			w.Header().Set("Retry-After", "3")
			writeJSON(t, w, http.StatusTooManyRequests, map[string]any{"error": map[string]any{"code": 429, "message": "Rate Limit Exceeded"}})
		}
	})
	mux.HandleFunc("POST /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]any{"error": map[string]any{"code": 401, "message": "Invalid Credentials"}})
	})

	a := newTestAdapter(t, mux)

	_, err := a.ListEvents(context.Background(), testToken, testWindow())
	assert.ErrorIs(t, err, models.ErrRateLimited)
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3*time.Second, perr.RetryAfter)
	assert.Contains(t, perr.Body, "Rate Limit Exceeded")

	_, _, err = a.DeltaEvents(context.Background(), testToken, "expired", testWindow())
	assert.ErrorIs(t, err, models.ErrCursorExpired)

	_, err = a.CreateEvent(context.Background(), testToken, models.CalendarEvent{Title: "x"}, mapper.ExportOptions{})
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestDeltaEvents(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /calendar/v3/calendars/primary/events", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("syncToken") == "" {
			assert.NotEmpty(t, q.Get("timeMin"))
			writeJSON(t, w, http.StatusOK, calendar.Events{
				Items: []*calendar.Event{{
					Id:    "g-1",
					Start: &calendar.EventDateTime{DateTime: "2025-11-19T09:00:00Z"},
					End:   &calendar.EventDateTime{DateTime: "2025-11-19T10:00:00Z"},
				}},
				NextSyncToken: "sync-1",
			})
			return
		}
		assert.Equal(t, "sync-1", q.Get("syncToken"))
		assert.Empty(t, q.Get("timeMin"))
		writeJSON(t, w, http.StatusOK, calendar.Events{
			Items:         []*calendar.Event{{Id: "g-1", Status: "cancelled"}},
			NextSyncToken: "sync-2",
		})
	})

	a := newTestAdapter(t, mux)
	events, cursor, err := a.DeltaEvents(context.Background(), testToken, "", testWindow())
	require.NoError(t, err)
	assert.Equal(t, "sync-1", cursor)
	require.Len(t, events, 1)
	assert.False(t, events[0].Deleted)

	events, cursor, err = a.DeltaEvents(context.Background(), testToken, cursor, testWindow())
	require.NoError(t, err)
	assert.Equal(t, "sync-2", cursor)
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted)
}

func TestOAuthSpec(t *testing.T) {
	a := New(slog.New(slog.NewTextHandler(io.Discard, nil)), mapper.New(nil))
	spec := a.OAuth()
	assert.Contains(t, spec.Scopes, calendar.CalendarScope)
	assert.Contains(t, spec.Scopes, calendar.CalendarEventsScope)
	assert.Equal(t, "https://accounts.google.com/o/oauth2/auth", spec.Endpoint.AuthURL)
	assert.Len(t, spec.AuthParams, 2)
	assert.Equal(t, models.ProviderGoogle, a.Name())
}
