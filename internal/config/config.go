// Package config loads service configuration from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"calsync/internal/conflict"
	"calsync/internal/models"
	"calsync/internal/oauth"
)

// Config holds every setting of the service. Variables carry no prefix.
type Config struct {
	HTTPAddr     string `envconfig:"HTTP_ADDR" default:":8080"`
	DatabasePath string `envconfig:"DATABASE_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`

	PrimaryTimeZone  string        `envconfig:"PRIMARY_TIMEZONE" default:"UTC"`
	OAuthStateSecret string        `envconfig:"OAUTH_STATE_SECRET"`
	ConflictPolicy   string        `envconfig:"CONFLICT_POLICY" default:"manual"`
	SyncPastDays     int           `envconfig:"SYNC_PAST_DAYS" default:"30"`
	SyncFutureDays   int           `envconfig:"SYNC_FUTURE_DAYS" default:"90"`
	RefreshMargin    time.Duration `envconfig:"TOKEN_REFRESH_MARGIN" default:"60s"`
	CORSAllowOrigin  string        `envconfig:"CORS_ALLOW_ORIGIN" default:"*"`

	GoogleClientID     string `envconfig:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURI  string `envconfig:"GOOGLE_REDIRECT_URI"`
	GoogleCalendarID   string `envconfig:"GOOGLE_CALENDAR_ID" default:"primary"`
	// GoogleAPIEndpoint overrides the Calendar API base URL.
	GoogleAPIEndpoint string `envconfig:"GOOGLE_API_ENDPOINT"`

	OutlookClientID     string `envconfig:"OUTLOOK_CLIENT_ID"`
	OutlookClientSecret string `envconfig:"OUTLOOK_CLIENT_SECRET"`
	OutlookRedirectURI  string `envconfig:"OUTLOOK_REDIRECT_URI"`
	OutlookTenantID     string `envconfig:"OUTLOOK_TENANT_ID" default:"common"`
	// OutlookGraphURL overrides the Microsoft Graph base URL.
	OutlookGraphURL string `envconfig:"OUTLOOK_GRAPH_URL"`

	location *time.Location
	policy   conflict.Policy
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	// A missing .env file is fine.
	_ = godotenv.Load()
	return New()
}

// New builds a Config from the process environment.
func New() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) resolve() error {
	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(xdg.DataHome, "calsync", "calsync.db")
	}

	loc, err := time.LoadLocation(c.PrimaryTimeZone)
	if err != nil {
		return fmt.Errorf("invalid PRIMARY_TIMEZONE %q: %w", c.PrimaryTimeZone, err)
	}
	c.location = loc

	policy, err := conflict.ParsePolicy(c.ConflictPolicy)
	if err != nil {
		return fmt.Errorf("invalid CONFLICT_POLICY: %w", err)
	}
	c.policy = policy

	if c.SyncPastDays <= 0 || c.SyncFutureDays <= 0 {
		return fmt.Errorf("SYNC_PAST_DAYS and SYNC_FUTURE_DAYS must be positive")
	}
	return nil
}

// Location is the organization time zone used for exports.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// Policy is the default conflict policy.
func (c *Config) Policy() conflict.Policy {
	if c.policy == "" {
		return conflict.PolicyManual
	}
	return c.policy
}

// Clients returns the OAuth client credentials per provider. Providers with
// missing values are still listed; the OAuth manager reports them as
// configuration errors when used.
func (c *Config) Clients() map[models.Provider]oauth.ClientCredentials {
	return map[models.Provider]oauth.ClientCredentials{
		models.ProviderGoogle: {
			ClientID:     c.GoogleClientID,
			ClientSecret: c.GoogleClientSecret,
			RedirectURL:  c.GoogleRedirectURI,
		},
		models.ProviderOutlook: {
			ClientID:     c.OutlookClientID,
			ClientSecret: c.OutlookClientSecret,
			RedirectURL:  c.OutlookRedirectURI,
		},
	}
}
