package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	defaultCalendarID = "primary"
	pageSize          = 250
)

// Adapter talks to the Google Calendar v3 API on behalf of one token at a
// time. It holds no credentials of its own.
type Adapter struct {
	logger     *slog.Logger
	mapper     *mapper.Mapper
	calendarID string
	endpoint   string
	httpClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint points the adapter at a different API base URL, for example an
// httptest server. The URL must end in "/calendar/v3/".
func WithEndpoint(endpoint string) Option {
	return func(a *Adapter) { a.endpoint = endpoint }
}

// WithHTTPClient sets the client whose transport carries API requests.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithCalendarID selects a calendar other than the user's primary one.
func WithCalendarID(id string) Option {
	return func(a *Adapter) {
		if id != "" {
			a.calendarID = id
		}
	}
}

// New creates a Google Calendar adapter.
func New(logger *slog.Logger, m *mapper.Mapper, opts ...Option) *Adapter {
	a := &Adapter{
		logger:     logger,
		mapper:     m,
		calendarID: defaultCalendarID,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() models.Provider {
	return models.ProviderGoogle
}

// OAuth returns the Google authorization parameters. prompt=consent with
// offline access makes Google issue a refresh token on every consent.
func (a *Adapter) OAuth() provider.OAuthSpec {
	return provider.OAuthSpec{
		Endpoint: google.Endpoint,
		Scopes:   []string{calendar.CalendarScope, calendar.CalendarEventsScope},
		AuthParams: []oauth2.AuthCodeOption{
			oauth2.AccessTypeOffline,
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
	}
}

// service builds a Calendar service bound to tok. Refresh is handled by the
// caller, so the token source is static.
func (a *Adapter) service(ctx context.Context, tok *models.OAuthToken) (*calendar.Service, error) {
	src := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: tok.AccessToken,
		TokenType:   "Bearer",
	})
	client := &http.Client{
		Transport: &oauth2.Transport{Source: src, Base: a.httpClient.Transport},
		Timeout:   a.httpClient.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return svc, nil
}

// ListEvents returns every non-cancelled event overlapping window, with
// recurring events expanded into instances, ordered by start time.
func (a *Adapter) ListEvents(ctx context.Context, tok *models.OAuthToken, window models.Window) ([]models.CalendarEvent, error) {
	a.logger.Debug("Fetching events", "provider", models.ProviderGoogle, "calendarID", a.calendarID, "window", window.String())

	svc, err := a.service(ctx, tok)
	if err != nil {
		return nil, err
	}

	call := svc.Events.List(a.calendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(window.Start.Format(time.RFC3339)).
		TimeMax(window.End.Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(pageSize)

	var events []models.CalendarEvent
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item == nil || item.Status == "cancelled" {
				continue
			}
			events = append(events, mapper.FromGoogle(item))
		}
		return nil
	})
	if err != nil {
		return nil, wrapError("list", err)
	}

	provider.SortByStart(events)
	a.logger.Info("Fetched events from Google Calendar", "count", len(events), "calendarID", a.calendarID)
	return events, nil
}

// DeltaEvents returns events changed since cursor, a Google sync token. An
// empty cursor performs the initial listing over window. Cancelled events
// come back with Deleted set. An expired token yields ErrCursorExpired.
func (a *Adapter) DeltaEvents(ctx context.Context, tok *models.OAuthToken, cursor string, window models.Window) ([]models.CalendarEvent, string, error) {
	svc, err := a.service(ctx, tok)
	if err != nil {
		return nil, "", err
	}

	call := svc.Events.List(a.calendarID).
		SingleEvents(true).
		MaxResults(pageSize)
	if cursor == "" {
		call = call.
			TimeMin(window.Start.Format(time.RFC3339)).
			TimeMax(window.End.Format(time.RFC3339))
	} else {
		call = call.SyncToken(cursor).ShowDeleted(true)
	}

	var (
		events    []models.CalendarEvent
		nextToken string
	)
	err = call.Pages(ctx, func(page *calendar.Events) error {
		for _, item := range page.Items {
			if item == nil {
				continue
			}
			ev := mapper.FromGoogle(item)
			if cursor == "" && ev.Deleted {
				continue
			}
			events = append(events, ev)
		}
		if page.NextSyncToken != "" {
			nextToken = page.NextSyncToken
		}
		return nil
	})
	if err != nil {
		return nil, "", wrapError("delta", err)
	}

	provider.SortByStart(events)
	a.logger.Info("Fetched changed events from Google Calendar",
		"count", len(events), "calendarID", a.calendarID, "incremental", cursor != "")
	return events, nextToken, nil
}

// CreateEvent inserts ev and returns the stored copy with its new id.
func (a *Adapter) CreateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	svc, err := a.service(ctx, tok)
	if err != nil {
		return models.CalendarEvent{}, err
	}

	created, err := svc.Events.Insert(a.calendarID, a.mapper.ToGoogle(ev, opts)).Context(ctx).Do()
	if err != nil {
		return models.CalendarEvent{}, wrapError("create", err)
	}
	a.logger.Debug("Created Google event", "eventID", created.Id)
	return mapper.FromGoogle(created), nil
}

// UpdateEvent replaces the event identified by ev.ID.
func (a *Adapter) UpdateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	if ev.ID == "" {
		return models.CalendarEvent{}, fmt.Errorf("%w: update requires an event id", models.ErrProviderRejected)
	}

	svc, err := a.service(ctx, tok)
	if err != nil {
		return models.CalendarEvent{}, err
	}

	updated, err := svc.Events.Update(a.calendarID, ev.ID, a.mapper.ToGoogle(ev, opts)).Context(ctx).Do()
	if err != nil {
		return models.CalendarEvent{}, wrapError("update", err)
	}
	a.logger.Debug("Updated Google event", "eventID", updated.Id)
	return mapper.FromGoogle(updated), nil
}

// DeleteEvent removes an event. Deleting an event that is already gone
// succeeds.
func (a *Adapter) DeleteEvent(ctx context.Context, tok *models.OAuthToken, eventID string) error {
	svc, err := a.service(ctx, tok)
	if err != nil {
		return err
	}

	err = svc.Events.Delete(a.calendarID, eventID).Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			a.logger.Debug("Google event already deleted", "eventID", eventID)
			return nil
		}
		return wrapError("delete", err)
	}
	return nil
}

// wrapError converts client library errors into ProviderError so the retry
// policy can classify them.
func wrapError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		body := gerr.Body
		if body == "" {
			body = gerr.Message
		}
		return models.NewStatusError(models.ProviderGoogle, op, gerr.Code, gerr.Header, body)
	}
	return models.NewTransportError(models.ProviderGoogle, op, err)
}
