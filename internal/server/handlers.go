package server

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"calsync/internal/conflict"
	"calsync/internal/ics"
	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/syncer"
)

const defaultUserID = "default"

// pair resolves the provider from the route and the user from the X-User-ID
// header, the userId query parameter or bodyUser, in that order.
func (s *Server) pair(r *http.Request, bodyUser string) (models.Pair, error) {
	p, err := models.ParseProvider(mux.Vars(r)["provider"])
	if err != nil {
		return models.Pair{}, err
	}

	user := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if user == "" {
		user = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if user == "" {
		user = strings.TrimSpace(bodyUser)
	}
	if user == "" {
		user = defaultUserID
	}
	return models.Pair{UserID: user, Provider: p}, nil
}

// window builds the request window. Missing bounds fall back to the default
// window; a date-only endDate includes that whole day.
func (s *Server) window(startDate, endDate string) (*models.Window, error) {
	if startDate == "" && endDate == "" {
		return nil, nil
	}

	w := s.syncer.DefaultWindow()
	if startDate != "" {
		t, _, err := models.ParseEventTime(startDate)
		if err != nil {
			return nil, fmt.Errorf("invalid startDate: %w", err)
		}
		w.Start = t
	}
	if endDate != "" {
		t, dateOnly, err := models.ParseEventTime(endDate)
		if err != nil {
			return nil, fmt.Errorf("invalid endDate: %w", err)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1)
		}
		w.End = t
	}
	if !w.Start.Before(w.End) {
		return nil, fmt.Errorf("startDate must be before endDate")
	}
	return &w, nil
}

func exportOptions(timeZone string) (mapper.ExportOptions, error) {
	if timeZone == "" {
		return mapper.ExportOptions{}, nil
	}
	loc, err := time.LoadLocation(timeZone)
	if err != nil {
		return mapper.ExportOptions{}, fmt.Errorf("invalid timeZone %q", timeZone)
	}
	return mapper.ExportOptions{TimeZone: loc}, nil
}

func wantsICS(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/calendar")
}

// GET /calendar/{provider}/auth-url
func (s *Server) handleAuthURL(w http.ResponseWriter, r *http.Request) {
	pair, err := s.pair(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	url, err := s.auth.AuthorizationURL(pair)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"authUrl": url})
}

// GET|POST /calendar/{provider}/callback
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
		Code   string `json:"code"`
		State  string `json:"state"`
	}
	if r.Method == http.MethodPost {
		if err := decodeBody(r, &req); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
	}
	q := r.URL.Query()
	if req.Code == "" {
		req.Code = q.Get("code")
	}
	if req.State == "" {
		req.State = q.Get("state")
	}
	if req.Code == "" {
		writeBadRequest(w, "code is required")
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	pair, tok, err := s.auth.Callback(r.Context(), pair.Provider, req.Code, req.State, pair.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"userId":       pair.UserID,
		"accessToken":  tok.AccessToken,
		"refreshToken": tok.RefreshToken,
	})
}

// POST /calendar/{provider}/import
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		AccessToken string `json:"accessToken"`
		StartDate   string `json:"startDate"`
		EndDate     string `json:"endDate"`
		UseDelta    bool   `json:"useDelta"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AccessToken == "" {
		writeBadRequest(w, "accessToken is required")
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	window, err := s.window(req.StartDate, req.EndDate)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if err := s.auth.Seed(r.Context(), pair, req.AccessToken); err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.syncer.Import(r.Context(), pair, syncer.ImportOptions{Window: window, UseDelta: req.UseDelta})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events = orEmpty(events)

	if wantsICS(r) {
		var buf bytes.Buffer
		if err := ics.Encode(&buf, events, s.now()); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", ics.ContentType)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(buf.Bytes())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// POST /calendar/{provider}/export
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string                `json:"userId"`
		AccessToken string                `json:"accessToken"`
		Event       *models.CalendarEvent `json:"event"`
		TimeZone    string                `json:"timeZone"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AccessToken == "" || req.Event == nil {
		writeBadRequest(w, "accessToken and event are required")
		return
	}
	if err := req.Event.Validate(); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	opts, err := exportOptions(req.TimeZone)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Seed(r.Context(), pair, req.AccessToken); err != nil {
		s.writeError(w, r, err)
		return
	}

	stored, err := s.syncer.Export(r.Context(), pair, *req.Event, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"eventId": stored.ID,
		"event":   stored,
	})
}

type syncResponse struct {
	Synced    bool `json:"synced"`
	Imported  int  `json:"imported"`
	Exported  int  `json:"exported"`
	Updated   int  `json:"updated"`
	Pulled    int  `json:"pulled"`
	Conflicts int  `json:"conflicts"`

	ImportedEvents  []models.CalendarEvent  `json:"importedEvents"`
	ExportedEvents  []models.CalendarEvent  `json:"exportedEvents"`
	UpdatedEvents   []models.CalendarEvent  `json:"updatedEvents"`
	PulledEvents    []models.CalendarEvent  `json:"pulledEvents"`
	OrphanedIDs     []string                `json:"orphanedEventIds"`
	ConflictRecords []models.ConflictRecord `json:"conflictRecords"`

	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

func newSyncResponse(summary *syncer.Summary) syncResponse {
	if summary == nil {
		summary = &syncer.Summary{}
	}
	return syncResponse{
		Imported:        len(summary.Imported),
		Exported:        len(summary.Exported),
		Updated:         len(summary.Updated),
		Pulled:          len(summary.Pulled),
		Conflicts:       len(summary.Pending()),
		ImportedEvents:  orEmpty(summary.Imported),
		ExportedEvents:  orEmpty(summary.Exported),
		UpdatedEvents:   orEmpty(summary.Updated),
		PulledEvents:    orEmpty(summary.Pulled),
		OrphanedIDs:     orEmpty(summary.Orphaned),
		ConflictRecords: orEmpty(summary.Conflicts),
	}
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// POST /calendar/{provider}/sync
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string                  `json:"userId"`
		AccessToken string                  `json:"accessToken"`
		LocalEvents *[]models.CalendarEvent `json:"localEvents"`
		Policy      string                  `json:"policy"`
		StartDate   string                  `json:"startDate"`
		EndDate     string                  `json:"endDate"`
		TimeZone    string                  `json:"timeZone"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AccessToken == "" || req.LocalEvents == nil {
		writeBadRequest(w, "accessToken and localEvents are required")
		return
	}

	var opts syncer.SyncOptions
	if req.Policy != "" {
		policy, err := conflict.ParsePolicy(req.Policy)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		opts.Policy = policy
	}
	var err error
	if opts.Export, err = exportOptions(req.TimeZone); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if opts.Window, err = s.window(req.StartDate, req.EndDate); err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Seed(r.Context(), pair, req.AccessToken); err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.syncer.Sync(r.Context(), pair, *req.LocalEvents, opts)
	resp := newSyncResponse(summary)
	if err != nil {
		// Partial results still go back so the caller can record exported ids.
		status, msg := statusFor(err)
		s.logger.Error("Sync failed", "requestId", requestIDFrom(r), "userId", pair.UserID, "provider", pair.Provider, "error", err)
		resp.Error, resp.Details = msg, err.Error()
		writeJSON(w, status, resp)
		return
	}
	resp.Synced = true
	writeJSON(w, http.StatusOK, resp)
}

// POST /calendar/{provider}/delete
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		AccessToken string `json:"accessToken"`
		EventID     string `json:"eventId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.AccessToken == "" || req.EventID == "" {
		writeBadRequest(w, "accessToken and eventId are required")
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Seed(r.Context(), pair, req.AccessToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.syncer.Delete(r.Context(), pair, req.EventID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "eventId": req.EventID})
}

// POST /calendar/{provider}/disconnect
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.syncer.Disconnect(r.Context(), pair); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// GET /calendar/{provider}/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	pair, err := s.pair(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.auth.Status(r.Context(), pair)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":   pair.UserID,
		"provider": pair.Provider,
		"state":    state,
	})
}

// GET /calendar/{provider}/conflicts
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	pair, err := s.pair(r, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	records, err := s.syncer.Conflicts(r.Context(), pair)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": orEmpty(records)})
}

// POST /calendar/{provider}/conflicts/{id}/resolve
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID      string `json:"userId"`
		AccessToken string `json:"accessToken"`
		Policy      string `json:"policy"`
		TimeZone    string `json:"timeZone"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	if req.Policy == "" {
		writeBadRequest(w, "policy is required")
		return
	}
	policy, err := conflict.ParsePolicy(req.Policy)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}
	opts, err := exportOptions(req.TimeZone)
	if err != nil {
		writeBadRequest(w, err.Error())
		return
	}

	pair, err := s.pair(r, req.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.auth.Seed(r.Context(), pair, req.AccessToken); err != nil {
		s.writeError(w, r, err)
		return
	}

	out, err := s.syncer.ResolveConflict(r.Context(), pair, mux.Vars(r)["id"], policy, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"action":   out.Action.String(),
		"conflict": out.Record,
		"pushed":   out.Pushed,
		"pulled":   out.Pulled,
	})
}
