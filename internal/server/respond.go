package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"

	"calsync/internal/models"
)

const maxBodyBytes = 4 << 20

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, details string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: "bad request", Details: details})
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrUnsupportedProvider):
		return http.StatusBadRequest, "unsupported provider"
	case errors.Is(err, models.ErrAuthExchange):
		return http.StatusBadRequest, "authorization failed"
	case errors.Is(err, models.ErrReauthRequired):
		return http.StatusUnauthorized, "reauthorization required"
	case errors.Is(err, models.ErrNotConnected):
		return http.StatusUnauthorized, "provider not connected"
	case errors.Is(err, models.ErrSyncInProgress):
		return http.StatusConflict, "sync already in progress"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, models.ErrConfig):
		return http.StatusInternalServerError, "provider not configured"
	case errors.Is(err, context.Canceled):
		return http.StatusInternalServerError, "request cancelled"
	default:
		return http.StatusInternalServerError, "calendar provider request failed"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", "requestId", requestIDFrom(r), "status", status, "error", err)
	} else {
		s.logger.Warn("Request rejected", "requestId", requestIDFrom(r), "status", status, "error", err)
	}
	writeJSON(w, status, errorResponse{Error: msg, Details: err.Error()})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}
