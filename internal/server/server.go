// Package server exposes the calendar sync core over HTTP.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"calsync/internal/models"
	"calsync/internal/syncer"
)

// Authorizer is the OAuth side of the HTTP surface.
type Authorizer interface {
	AuthorizationURL(pair models.Pair) (string, error)
	Callback(ctx context.Context, p models.Provider, code, state, fallbackUser string) (models.Pair, *models.OAuthToken, error)
	Seed(ctx context.Context, pair models.Pair, accessToken string) error
	Status(ctx context.Context, pair models.Pair) (models.TokenState, error)
}

// Options configure the HTTP layer.
type Options struct {
	// AllowOrigin is sent as Access-Control-Allow-Origin.
	AllowOrigin string
}

type Server struct {
	logger *slog.Logger
	auth   Authorizer
	syncer *syncer.Syncer
	opts   Options
	now    func() time.Time
}

func New(logger *slog.Logger, auth Authorizer, s *syncer.Syncer, opts Options) *Server {
	if opts.AllowOrigin == "" {
		opts.AllowOrigin = "*"
	}
	return &Server{
		logger: logger,
		auth:   auth,
		syncer: s,
		opts:   opts,
		now:    time.Now,
	}
}

// Handler returns the full middleware chain around the router. CORS sits
// outside the router so preflight requests never reach route matching.
func (s *Server) Handler() http.Handler {
	return s.cors(s.router())
}

func (s *Server) router() *mux.Router {
	root := mux.NewRouter()
	root.Use(s.requestID, s.recoverer, s.logRequests)

	root.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	root.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	cal := root.PathPrefix("/calendar/{provider}").Subrouter()
	cal.HandleFunc("/auth-url", s.handleAuthURL).Methods(http.MethodGet)
	cal.HandleFunc("/callback", s.handleCallback).Methods(http.MethodGet, http.MethodPost)
	cal.HandleFunc("/import", s.handleImport).Methods(http.MethodPost)
	cal.HandleFunc("/export", s.handleExport).Methods(http.MethodPost)
	cal.HandleFunc("/sync", s.handleSync).Methods(http.MethodPost)
	cal.HandleFunc("/delete", s.handleDelete).Methods(http.MethodPost)
	cal.HandleFunc("/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	cal.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	cal.HandleFunc("/conflicts", s.handleConflicts).Methods(http.MethodGet)
	cal.HandleFunc("/conflicts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)

	return root
}

// NewHTTPServer wraps handler with the listen address and timeouts.
func NewHTTPServer(ctx context.Context, addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Minute, // sync passes wait on provider backoff
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}
