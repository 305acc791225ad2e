// Package oauth runs the authorization-code flow against each provider and
// owns the token lifecycle: exchange, lazy refresh, revocation and
// disconnect.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/store"
)

const defaultRefreshMargin = 60 * time.Second

var tokenRefreshes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "calsync",
		Name:      "token_refreshes_total",
		Help:      "OAuth token refresh attempts by outcome.",
	},
	[]string{"provider", "outcome"},
)

// ClientCredentials are the application credentials registered with a
// provider.
type ClientCredentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Manager is the OAuth flow manager. Tokens live only in the injected store;
// the manager keeps no per-user state apart from in-flight refreshes.
type Manager struct {
	logger     *slog.Logger
	store      store.TokenStore
	registry   *provider.Registry
	clients    map[models.Provider]ClientCredentials
	states     *StateCodec
	margin     time.Duration
	httpClient *http.Client
	now        func() time.Time

	refreshes singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshMargin sets how close to expiry a token is refreshed.
func WithRefreshMargin(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.margin = d
		}
	}
}

// WithHTTPClient sets the client used for token endpoint calls.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(logger *slog.Logger, st store.TokenStore, registry *provider.Registry, clients map[models.Provider]ClientCredentials, states *StateCodec, opts ...Option) *Manager {
	m := &Manager{
		logger:   logger,
		store:    st,
		registry: registry,
		clients:  clients,
		states:   states,
		margin:   defaultRefreshMargin,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// config assembles the oauth2.Config for p from the adapter's OAuth
// description and the configured client credentials.
func (m *Manager) config(p models.Provider) (*oauth2.Config, provider.OAuthSpec, error) {
	adapter, err := m.registry.Get(p)
	if err != nil {
		return nil, provider.OAuthSpec{}, err
	}
	spec := adapter.OAuth()

	c := m.clients[p]
	if c.ClientID == "" || c.ClientSecret == "" || c.RedirectURL == "" {
		return nil, spec, fmt.Errorf("%w: client id, secret and redirect uri must be set for %s", models.ErrConfig, p)
	}

	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       spec.Scopes,
		Endpoint:     spec.Endpoint,
	}, spec, nil
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	if m.httpClient == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

// AuthorizationURL builds the provider consent URL for pair. The state
// parameter is signed and names both the user and the provider.
func (m *Manager) AuthorizationURL(pair models.Pair) (string, error) {
	cfg, spec, err := m.config(pair.Provider)
	if err != nil {
		return "", err
	}
	if m.states == nil {
		return "", fmt.Errorf("%w: state signing is not configured", models.ErrConfig)
	}

	state, err := m.states.Encode(pair)
	if err != nil {
		return "", err
	}
	return cfg.AuthCodeURL(state, spec.AuthParams...), nil
}

// Callback completes an authorization started by AuthorizationURL. When state
// is present it decides the user and must name provider p; otherwise
// fallbackUser is used.
func (m *Manager) Callback(ctx context.Context, p models.Provider, code, state, fallbackUser string) (models.Pair, *models.OAuthToken, error) {
	pair := models.Pair{UserID: fallbackUser, Provider: p}
	if state != "" {
		if m.states == nil {
			return pair, nil, fmt.Errorf("%w: state signing is not configured", models.ErrConfig)
		}
		decoded, err := m.states.Decode(state)
		if err != nil {
			return pair, nil, err
		}
		if decoded.Provider != p {
			return pair, nil, fmt.Errorf("%w: state was issued for %s", models.ErrAuthExchange, decoded.Provider)
		}
		pair = decoded
	}

	tok, err := m.Exchange(ctx, pair, code)
	return pair, tok, err
}

// Exchange trades an authorization code for tokens and stores them for pair.
// A successful exchange lifts any revocation recorded for the pair.
func (m *Manager) Exchange(ctx context.Context, pair models.Pair, code string) (*models.OAuthToken, error) {
	cfg, _, err := m.config(pair.Provider)
	if err != nil {
		return nil, err
	}

	t, err := cfg.Exchange(m.clientContext(context.WithoutCancel(ctx)), code)
	if err != nil {
		m.logger.Warn("Authorization code exchange failed", "userId", pair.UserID, "provider", pair.Provider, "error", err)
		return nil, classifyExchangeError(pair.Provider, err)
	}

	if err := m.store.ClearRevoked(ctx, pair); err != nil {
		return nil, err
	}
	if err := m.store.SaveToken(ctx, pair, fromOAuth2(t)); err != nil {
		return nil, err
	}
	m.logger.Info("Provider connected", "userId", pair.UserID, "provider", pair.Provider)
	return m.store.GetToken(ctx, pair)
}

// Token returns a usable token for pair, refreshing it first when it expires
// within the refresh margin.
func (m *Manager) Token(ctx context.Context, pair models.Pair) (*models.OAuthToken, error) {
	if err := m.checkRevoked(ctx, pair); err != nil {
		return nil, err
	}

	tok, err := m.store.GetToken(ctx, pair)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotConnected, pair)
	}
	if err != nil {
		return nil, err
	}

	if !tok.ExpiresWithin(m.now(), m.margin) {
		return tok, nil
	}
	return m.refresh(ctx, pair, tok, false)
}

// Refresh forces a refresh after the provider rejected stale. If another
// caller already replaced stale with a valid token, that token is returned
// without a second refresh.
func (m *Manager) Refresh(ctx context.Context, pair models.Pair, stale *models.OAuthToken) (*models.OAuthToken, error) {
	return m.refresh(ctx, pair, stale, true)
}

// refresh runs at most one refresh per pair at a time. Concurrent callers
// share the result.
func (m *Manager) refresh(ctx context.Context, pair models.Pair, stale *models.OAuthToken, force bool) (*models.OAuthToken, error) {
	v, err, _ := m.refreshes.Do(pair.String(), func() (any, error) {
		if err := m.checkRevoked(ctx, pair); err != nil {
			return nil, err
		}

		current, err := m.store.GetToken(ctx, pair)
		if errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", models.ErrNotConnected, pair)
		}
		if err != nil {
			return nil, err
		}

		fresh := !current.ExpiresWithin(m.now(), m.margin)
		if fresh && (!force || stale == nil || current.AccessToken != stale.AccessToken) {
			return current, nil
		}
		return m.doRefresh(ctx, pair, current)
	})
	if err != nil {
		return nil, err
	}
	return v.(*models.OAuthToken), nil
}

func (m *Manager) doRefresh(ctx context.Context, pair models.Pair, current *models.OAuthToken) (*models.OAuthToken, error) {
	if current.RefreshToken == "" {
		tokenRefreshes.WithLabelValues(string(pair.Provider), "no_refresh_token").Inc()
		if err := m.store.DeleteToken(ctx, pair); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s has no refresh token", models.ErrReauthRequired, pair)
	}

	cfg, _, err := m.config(pair.Provider)
	if err != nil {
		return nil, err
	}

	m.logger.Debug("Refreshing token", "userId", pair.UserID, "provider", pair.Provider)

	// The refresh may rotate the refresh token, so it is never abandoned
	// halfway.
	src := cfg.TokenSource(m.clientContext(context.WithoutCancel(ctx)), &oauth2.Token{RefreshToken: current.RefreshToken})
	t, err := src.Token()
	if err != nil {
		return nil, m.refreshFailed(ctx, pair, err)
	}

	next := fromOAuth2(t)
	next.RefreshedAt = m.now().UTC()
	if err := m.store.SaveToken(ctx, pair, next); err != nil {
		return nil, err
	}
	tokenRefreshes.WithLabelValues(string(pair.Provider), "ok").Inc()
	m.logger.Info("Token refreshed", "userId", pair.UserID, "provider", pair.Provider, "expiresAt", next.ExpiresAt)
	return m.store.GetToken(ctx, pair)
}

// refreshFailed classifies a refresh error. A rejected refresh token revokes
// the pair; anything that looks transient leaves the stored token alone.
func (m *Manager) refreshFailed(ctx context.Context, pair models.Pair, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) || re.Response == nil {
		tokenRefreshes.WithLabelValues(string(pair.Provider), "transport_error").Inc()
		return models.NewTransportError(pair.Provider, "refresh", err)
	}

	switch {
	case re.Response.StatusCode >= 500:
		tokenRefreshes.WithLabelValues(string(pair.Provider), "transport_error").Inc()
		return models.NewTransportError(pair.Provider, "refresh", err)
	case re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client":
		tokenRefreshes.WithLabelValues(string(pair.Provider), "config_error").Inc()
		return fmt.Errorf("%w: %s rejected client credentials: %v", models.ErrConfig, pair.Provider, err)
	}

	tokenRefreshes.WithLabelValues(string(pair.Provider), "revoked").Inc()
	m.logger.Warn("Refresh token rejected, reauthorization required",
		"userId", pair.UserID, "provider", pair.Provider, "errorCode", re.ErrorCode)

	reauth := fmt.Errorf("%w: %v", models.ErrReauthRequired, err)
	if rerr := m.revoke(ctx, pair); rerr != nil {
		return errors.Join(reauth, rerr)
	}
	return reauth
}

// Invalidate drops the stored token and marks the pair revoked, so later
// calls fail with ErrReauthRequired without reaching the provider.
func (m *Manager) Invalidate(ctx context.Context, pair models.Pair) error {
	tokenRefreshes.WithLabelValues(string(pair.Provider), "rejected_after_refresh").Inc()
	m.logger.Warn("Provider rejected refreshed token, revoking",
		"userId", pair.UserID, "provider", pair.Provider)
	return m.revoke(ctx, pair)
}

func (m *Manager) revoke(ctx context.Context, pair models.Pair) error {
	if err := m.store.DeleteToken(ctx, pair); err != nil {
		return err
	}
	return m.store.MarkRevoked(ctx, pair)
}

func (m *Manager) checkRevoked(ctx context.Context, pair models.Pair) error {
	revoked, err := m.store.IsRevoked(ctx, pair)
	if err != nil {
		return err
	}
	if revoked {
		return fmt.Errorf("%w: %s was revoked", models.ErrReauthRequired, pair)
	}
	return nil
}

// Status reports the lifecycle state of pair's credentials.
func (m *Manager) Status(ctx context.Context, pair models.Pair) (models.TokenState, error) {
	revoked, err := m.store.IsRevoked(ctx, pair)
	if err != nil {
		return "", err
	}
	if revoked {
		return models.TokenRevoked, nil
	}

	tok, err := m.store.GetToken(ctx, pair)
	if errors.Is(err, models.ErrNotFound) {
		return models.TokenUnauthenticated, nil
	}
	if err != nil {
		return "", err
	}

	switch {
	case tok.ExpiresWithin(m.now(), m.margin):
		return models.TokenExpiring, nil
	case !tok.RefreshedAt.IsZero():
		return models.TokenRefreshed, nil
	default:
		return models.TokenAuthorized, nil
	}
}

// Disconnect forgets every credential held for pair.
func (m *Manager) Disconnect(ctx context.Context, pair models.Pair) error {
	if err := m.store.DeleteToken(ctx, pair); err != nil {
		return err
	}
	if err := m.store.ClearRevoked(ctx, pair); err != nil {
		return err
	}
	m.logger.Info("Provider disconnected", "userId", pair.UserID, "provider", pair.Provider)
	return nil
}

// Seed stores a caller-supplied access token for pair when nothing is stored
// yet. A seeded token has no refresh token and no known expiry.
func (m *Manager) Seed(ctx context.Context, pair models.Pair, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	revoked, err := m.store.IsRevoked(ctx, pair)
	if err != nil || revoked {
		return err
	}

	_, err = m.store.GetToken(ctx, pair)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	m.logger.Debug("Seeding caller-supplied access token", "userId", pair.UserID, "provider", pair.Provider)
	return m.store.SaveToken(ctx, pair, &models.OAuthToken{AccessToken: accessToken, TokenType: "Bearer"})
}

// Credentials binds the manager to one pair for use by provider.Retrier.
func (m *Manager) Credentials(pair models.Pair) provider.Credentials {
	return pairCredentials{m: m, pair: pair}
}

type pairCredentials struct {
	m    *Manager
	pair models.Pair
}

func (c pairCredentials) Token(ctx context.Context) (*models.OAuthToken, error) {
	return c.m.Token(ctx, c.pair)
}

func (c pairCredentials) Refresh(ctx context.Context, stale *models.OAuthToken) (*models.OAuthToken, error) {
	return c.m.Refresh(ctx, c.pair, stale)
}

func (c pairCredentials) Invalidate(ctx context.Context) error {
	return c.m.Invalidate(ctx, c.pair)
}

func classifyExchangeError(p models.Provider, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil && re.Response.StatusCode < 500 {
		if re.ErrorCode == "invalid_client" || re.ErrorCode == "unauthorized_client" {
			return fmt.Errorf("%w: %s rejected client credentials: %v", models.ErrConfig, p, err)
		}
		return fmt.Errorf("%w: %v", models.ErrAuthExchange, err)
	}
	return models.NewTransportError(p, "exchange", err)
}

func fromOAuth2(t *oauth2.Token) *models.OAuthToken {
	tokenType := t.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return &models.OAuthToken{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    tokenType,
		ExpiresAt:    t.Expiry.UTC(),
	}
}
