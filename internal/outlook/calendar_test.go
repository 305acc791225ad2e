package outlook

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"calsync/internal/mapper"
	"calsync/internal/models"
)

var testToken = &models.OAuthToken{AccessToken: "graph-token"}

func newTestAdapter(t *testing.T, mux *http.ServeMux) (*Adapter, string) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(logger, mapper.New(time.UTC), WithBaseURL(srv.URL), WithHTTPClient(srv.Client())), srv.URL
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

func TestListEventsFollowsNextLink(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("GET /me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer graph-token", r.Header.Get("Authorization"))
		assert.ElementsMatch(t, []string{`outlook.timezone="UTC"`, `outlook.body-content-type="text"`}, r.Header.Values("Prefer"))

		if r.URL.Query().Get("$skip") == "" {
			assert.Equal(t, "2025-11-01T00:00:00Z", r.URL.Query().Get("startDateTime"))
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value": []map[string]any{{
					"id":      "o-2",
					"subject": "Mow",
					"start":   map[string]string{"dateTime": "2025-11-19T09:00:00.0000000", "timeZone": "UTC"},
					"end":     map[string]string{"dateTime": "2025-11-19T10:00:00.0000000", "timeZone": "UTC"},
				}},
				"@odata.nextLink": base + "/me/calendarView?$skip=1",
			})
			return
		}
		writeJSON(t, w, http.StatusOK, map[string]any{
			"value": []map[string]any{
				{
					"id":       "o-1",
					"subject":  "Team Offsite",
					"isAllDay": true,
					"start":    map[string]string{"dateTime": "2025-11-18T00:00:00.0000000", "timeZone": "UTC"},
					"end":      map[string]string{"dateTime": "2025-11-19T00:00:00.0000000", "timeZone": "UTC"},
				},
				{"id": "o-3", "subject": "Cancelled", "isCancelled": true},
			},
		})
	})

	a, url := newTestAdapter(t, mux)
	base = url

	events, err := a.ListEvents(context.Background(), testToken, testWindow())
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "o-1", events[0].ID)
	assert.True(t, events[0].AllDay)
	assert.Equal(t, "o-2", events[1].ID)
	assert.Equal(t, time.Date(2025, 11, 19, 9, 0, 0, 0, time.UTC), events[1].StartTime)
}

func TestListEventsRejectsForeignLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{
			"value":           []any{},
			"@odata.nextLink": "https://evil.example.com/steal",
		})
	})

	a, _ := newTestAdapter(t, mux)
	_, err := a.ListEvents(context.Background(), testToken, testWindow())
	assert.ErrorIs(t, err, models.ErrProviderRejected)
}

func TestCreateUpdateDelete(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /me/events", func(w http.ResponseWriter, r *http.Request) {
		var got mapper.OutlookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		assert.Equal(t, "Team Offsite", got.Subject)
		assert.True(t, got.IsAllDay)
		assert.Equal(t, "2025-11-18T00:00:00", got.Start.DateTime)
		assert.Equal(t, "2025-11-19T00:00:00", got.End.DateTime)

		got.ID = "o-new"
		writeJSON(t, w, http.StatusCreated, got)
	})
	mux.HandleFunc("PATCH /me/events/o-new", func(w http.ResponseWriter, r *http.Request) {
		var got mapper.OutlookEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		got.ID = "o-new"
		writeJSON(t, w, http.StatusOK, got)
	})
	mux.HandleFunc("DELETE /me/events/o-new", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /me/events/missing", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]any{"error": map[string]string{"code": "ErrorItemNotFound"}})
	})

	a, _ := newTestAdapter(t, mux)
	ctx := context.Background()

	ev := models.CalendarEvent{
		Title:     "Team Offsite",
		StartTime: time.Date(2025, 11, 18, 0, 0, 0, 0, time.UTC),
		EndTime:   time.Date(2025, 11, 19, 0, 0, 0, 0, time.UTC),
		AllDay:    true,
	}
	created, err := a.CreateEvent(ctx, testToken, ev, mapper.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "o-new", created.ID)
	assert.True(t, created.AllDay)

	created.Title = "Team Offsite (moved)"
	updated, err := a.UpdateEvent(ctx, testToken, created, mapper.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Team Offsite (moved)", updated.Title)

	require.NoError(t, a.DeleteEvent(ctx, testToken, "o-new"))
	require.NoError(t, a.DeleteEvent(ctx, testToken, "missing"))
}

// TestDescriptionRoundTripsAsText runs against a calendar that, like Graph,
// renders bodies as HTML unless the request prefers text.
func TestDescriptionRoundTripsAsText(t *testing.T) {
	var stored mapper.OutlookEvent
	wantsText := func(r *http.Request) bool {
		for _, v := range r.Header.Values("Prefer") {
			if strings.Contains(v, `outlook.body-content-type="text"`) {
				return true
			}
		}
		return false
	}
	render := func(r *http.Request) mapper.OutlookEvent {
		out := stored
		if !wantsText(r) && out.Body != nil {
			out.Body = &mapper.OutlookBody{
				ContentType: "html",
				Content:     "<html><body><p>" + out.Body.Content + "</p></body></html>",
			}
		}
		return out
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /me/events", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&stored))
		stored.ID = "o-gate"
		writeJSON(t, w, http.StatusCreated, render(r))
	})
	mux.HandleFunc("GET /me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusOK, map[string]any{"value": []mapper.OutlookEvent{render(r)}})
	})

	a, _ := newTestAdapter(t, mux)
	ctx := context.Background()

	ev := models.CalendarEvent{
		Title:       "Mow - Smith",
		Description: "Gate code 4411",
		StartTime:   time.Date(2025, 11, 19, 9, 0, 0, 0, time.UTC),
		EndTime:     time.Date(2025, 11, 19, 10, 0, 0, 0, time.UTC),
	}
	created, err := a.CreateEvent(ctx, testToken, ev, mapper.ExportOptions{})
	require.NoError(t, err)
	assert.Equal(t, "Gate code 4411", created.Description)

	listed, err := a.ListEvents(ctx, testToken, testWindow())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "Gate code 4411", listed[0].Description)
	assert.True(t, mapper.SameContent(ev, listed[0]), "an unchanged event must not look edited on the next pass")
}

func TestStatusErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /me/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		writeJSON(t, w, http.StatusTooManyRequests, map[string]any{"error": map[string]string{"code": "TooManyRequests"}})
	})
	mux.HandleFunc("PATCH /me/events/bad", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusBadRequest, map[string]any{"error": map[string]string{"code": "ErrorInvalidRequest"}})
	})
	mux.HandleFunc("GET /me/calendarView", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusUnauthorized, map[string]any{"error": map[string]string{"code": "InvalidAuthenticationToken"}})
	})

	a, _ := newTestAdapter(t, mux)
	ctx := context.Background()

	_, err := a.CreateEvent(ctx, testToken, models.CalendarEvent{Title: "x"}, mapper.ExportOptions{})
	assert.ErrorIs(t, err, models.ErrRateLimited)
	var perr *models.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 5*time.Second, perr.RetryAfter)

	_, err = a.UpdateEvent(ctx, testToken, models.CalendarEvent{ID: "bad", Title: "x"}, mapper.ExportOptions{})
	assert.ErrorIs(t, err, models.ErrProviderRejected)
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, perr.Body, "ErrorInvalidRequest")

	_, err = a.ListEvents(ctx, testToken, testWindow())
	assert.ErrorIs(t, err, models.ErrUnauthorized)
}

func TestDeltaEvents(t *testing.T) {
	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("GET /me/calendarView/delta", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("$deltatoken") == "expired":
			writeJSON(t, w, http.StatusGone, map[string]any{"error": map[string]string{"code": "SyncStateNotFound"}})
		case q.Get("$deltatoken") == "d1":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value":            []map[string]any{{"id": "o-1", "@removed": map[string]string{"reason": "deleted"}}},
				"@odata.deltaLink": base + "/me/calendarView/delta?$deltatoken=d2",
			})
		case q.Get("$skiptoken") == "s1":
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value": []map[string]any{{
					"id":    "o-2",
					"start": map[string]string{"dateTime": "2025-11-20T09:00:00", "timeZone": "UTC"},
					"end":   map[string]string{"dateTime": "2025-11-20T10:00:00", "timeZone": "UTC"},
				}},
				"@odata.deltaLink": base + "/me/calendarView/delta?$deltatoken=d1",
			})
		default:
			assert.NotEmpty(t, q.Get("startDateTime"))
			writeJSON(t, w, http.StatusOK, map[string]any{
				"value": []map[string]any{{
					"id":    "o-1",
					"start": map[string]string{"dateTime": "2025-11-19T09:00:00", "timeZone": "UTC"},
					"end":   map[string]string{"dateTime": "2025-11-19T10:00:00", "timeZone": "UTC"},
				}},
				"@odata.nextLink": base + "/me/calendarView/delta?$skiptoken=s1",
			})
		}
	})

	a, url := newTestAdapter(t, mux)
	base = url
	ctx := context.Background()

	events, cursor, err := a.DeltaEvents(ctx, testToken, "", testWindow())
	require.NoError(t, err)
	assert.Equal(t, base+"/me/calendarView/delta?$deltatoken=d1", cursor)
	require.Len(t, events, 2)

	events, cursor, err = a.DeltaEvents(ctx, testToken, cursor, testWindow())
	require.NoError(t, err)
	assert.Contains(t, cursor, "d2")
	require.Len(t, events, 1)
	assert.True(t, events[0].Deleted)

	_, _, err = a.DeltaEvents(ctx, testToken, base+"/me/calendarView/delta?$deltatoken=expired", testWindow())
	assert.ErrorIs(t, err, models.ErrCursorExpired)

	_, _, err = a.DeltaEvents(ctx, testToken, "https://elsewhere.example.com/delta", testWindow())
	assert.ErrorIs(t, err, models.ErrCursorExpired)
}

func TestOAuthSpec(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	spec := New(logger, mapper.New(nil), WithTenant("contoso")).OAuth()
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/authorize", spec.Endpoint.AuthURL)
	assert.Contains(t, spec.Scopes, "offline_access")
	assert.Contains(t, spec.Scopes, "Calendars.ReadWrite")

	spec = New(logger, mapper.New(nil)).OAuth()
	assert.Equal(t, "https://login.microsoftonline.com/common/oauth2/v2.0/token", spec.Endpoint.TokenURL)
}
