// Package outlook implements the calendar provider adapter for Microsoft
// Outlook through the Graph API.
package outlook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"

	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/provider"
)

const (
	graphBaseURL  = "https://graph.microsoft.com/v1.0"
	defaultTenant = "common"
	pageSize      = 250
	maxErrorBody  = 64 << 10
)

// Adapter talks to Microsoft Graph calendar endpoints for the signed-in user.
type Adapter struct {
	logger     *slog.Logger
	mapper     *mapper.Mapper
	baseURL    string
	tenant     string
	httpClient *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL replaces the Graph base URL, for example with an httptest
// server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimRight(u, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// WithTenant sets the Azure AD tenant used for authorization.
func WithTenant(tenant string) Option {
	return func(a *Adapter) {
		if tenant != "" {
			a.tenant = tenant
		}
	}
}

// New creates an Outlook adapter.
func New(logger *slog.Logger, m *mapper.Mapper, opts ...Option) *Adapter {
	a := &Adapter{
		logger:     logger,
		mapper:     m,
		baseURL:    graphBaseURL,
		tenant:     defaultTenant,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() models.Provider {
	return models.ProviderOutlook
}

// OAuth returns the Azure AD v2 authorization parameters for the configured
// tenant. offline_access is what makes Azure issue a refresh token.
func (a *Adapter) OAuth() provider.OAuthSpec {
	return provider.OAuthSpec{
		Endpoint: microsoft.AzureADEndpoint(a.tenant),
		Scopes:   []string{"Calendars.ReadWrite", "User.Read", "offline_access"},
		AuthParams: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("response_mode", "query"),
		},
	}
}

type eventPage struct {
	Value     []mapper.OutlookEvent `json:"value"`
	NextLink  string                `json:"@odata.nextLink"`
	DeltaLink string                `json:"@odata.deltaLink"`
}

// ListEvents returns the calendar view for window, following nextLink pages.
func (a *Adapter) ListEvents(ctx context.Context, tok *models.OAuthToken, window models.Window) ([]models.CalendarEvent, error) {
	a.logger.Debug("Fetching events", "provider", models.ProviderOutlook, "window", window.String())

	q := url.Values{}
	q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
	q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
	q.Set("$orderby", "start/dateTime")
	q.Set("$top", fmt.Sprint(pageSize))
	next := a.baseURL + "/me/calendarView?" + q.Encode()

	var events []models.CalendarEvent
	for next != "" {
		var page eventPage
		if err := a.do(ctx, tok, "list", http.MethodGet, next, nil, &page, http.StatusOK); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			ev := mapper.FromOutlook(item)
			if ev.Deleted {
				continue
			}
			events = append(events, ev)
		}

		if page.NextLink != "" {
			if err := a.checkLink(page.NextLink); err != nil {
				return nil, err
			}
		}
		next = page.NextLink
	}

	provider.SortByStart(events)
	a.logger.Info("Fetched events from Outlook", "count", len(events))
	return events, nil
}

// DeltaEvents walks a calendarView delta sequence. cursor is the deltaLink
// returned by the previous call; an empty cursor starts over window. Entries
// marked @removed come back with Deleted set. An expired cursor yields
// ErrCursorExpired.
func (a *Adapter) DeltaEvents(ctx context.Context, tok *models.OAuthToken, cursor string, window models.Window) ([]models.CalendarEvent, string, error) {
	next := cursor
	if next == "" {
		q := url.Values{}
		q.Set("startDateTime", window.Start.UTC().Format(time.RFC3339))
		q.Set("endDateTime", window.End.UTC().Format(time.RFC3339))
		next = a.baseURL + "/me/calendarView/delta?" + q.Encode()
	} else if err := a.checkLink(cursor); err != nil {
		return nil, "", fmt.Errorf("%w: %v", models.ErrCursorExpired, err)
	}

	var (
		events    []models.CalendarEvent
		deltaLink string
	)
	for next != "" {
		var page eventPage
		if err := a.do(ctx, tok, "delta", http.MethodGet, next, nil, &page, http.StatusOK); err != nil {
			return nil, "", err
		}
		for _, item := range page.Value {
			events = append(events, mapper.FromOutlook(item))
		}

		switch {
		case page.NextLink != "":
			if err := a.checkLink(page.NextLink); err != nil {
				return nil, "", err
			}
			next = page.NextLink
		default:
			deltaLink = page.DeltaLink
			next = ""
		}
	}

	provider.SortByStart(events)
	a.logger.Info("Fetched changed events from Outlook", "count", len(events), "incremental", cursor != "")
	return events, deltaLink, nil
}

// CreateEvent posts ev to the user's default calendar.
func (a *Adapter) CreateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	var created mapper.OutlookEvent
	err := a.do(ctx, tok, "create", http.MethodPost, a.baseURL+"/me/events",
		a.mapper.ToOutlook(ev, opts), &created, http.StatusCreated, http.StatusOK)
	if err != nil {
		return models.CalendarEvent{}, err
	}
	a.logger.Debug("Created Outlook event", "eventID", created.ID)
	return mapper.FromOutlook(created), nil
}

// UpdateEvent patches the event identified by ev.ID.
func (a *Adapter) UpdateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	if ev.ID == "" {
		return models.CalendarEvent{}, fmt.Errorf("%w: update requires an event id", models.ErrProviderRejected)
	}

	var updated mapper.OutlookEvent
	err := a.do(ctx, tok, "update", http.MethodPatch, a.baseURL+"/me/events/"+url.PathEscape(ev.ID),
		a.mapper.ToOutlook(ev, opts), &updated, http.StatusOK)
	if err != nil {
		return models.CalendarEvent{}, err
	}
	a.logger.Debug("Updated Outlook event", "eventID", updated.ID)
	return mapper.FromOutlook(updated), nil
}

// DeleteEvent removes an event. A 404 counts as already deleted.
func (a *Adapter) DeleteEvent(ctx context.Context, tok *models.OAuthToken, eventID string) error {
	err := a.do(ctx, tok, "delete", http.MethodDelete, a.baseURL+"/me/events/"+url.PathEscape(eventID),
		nil, nil, http.StatusNoContent, http.StatusOK)

	var perr *models.ProviderError
	if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
		a.logger.Debug("Outlook event already deleted", "eventID", eventID)
		return nil
	}
	return err
}

// checkLink refuses to send the bearer token to hosts other than Graph.
func (a *Adapter) checkLink(link string) error {
	if !strings.HasPrefix(link, a.baseURL+"/") {
		return fmt.Errorf("%w: unexpected paging link %q", models.ErrProviderRejected, link)
	}
	return nil
}

// do sends one Graph request and decodes the JSON response into out when out
// is non-nil. Any status not listed in want becomes a ProviderError.
func (a *Adapter) do(ctx context.Context, tok *models.OAuthToken, op, method, endpoint string, in, out any, want ...int) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode %s request: %w", op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	// Graph returns bodies as HTML unless asked; descriptions are compared
	// as plain text.
	req.Header.Add("Prefer", `outlook.timezone="UTC"`)
	req.Header.Add("Prefer", `outlook.body-content-type="text"`)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return models.NewTransportError(models.ProviderOutlook, op, err)
	}
	defer resp.Body.Close()

	if !statusIn(resp.StatusCode, want) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return models.NewStatusError(models.ProviderOutlook, op, resp.StatusCode, resp.Header, string(raw))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return models.NewTransportError(models.ProviderOutlook, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func statusIn(code int, want []int) bool {
	for _, w := range want {
		if code == w {
			return true
		}
	}
	return false
}
