package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire layout for date-only (all-day) values.
const DateLayout = "2006-01-02"

// Provider identifies where an event came from or which external calendar
// service an operation targets.
type Provider string

const (
	ProviderLocal   Provider = "local"
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
)

// ParseProvider validates a provider name taken from a route or flag.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(strings.ToLower(strings.TrimSpace(s))); p {
	case ProviderGoogle, ProviderOutlook:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
	}
}

// CalendarEvent is the canonical event exchanged with providers.
// This is an internal representation, independent of any specific calendar provider.
type CalendarEvent struct {
	ID             string    // Provider-assigned id; empty until exported
	Title          string    // Summary or title of the event
	Description    string    // Detailed description of the event
	Location       string    // Location of the event
	StartTime      time.Time // Start of the event
	EndTime        time.Time // End of the event, never before StartTime
	AllDay         bool      // Start/End carry date-only precision
	TimeZone       string    // Explicit IANA zone, empty when the source had none
	Attendees      []string  // Normalized, lower-cased attendee emails
	SourceProvider Provider  // Provenance of this copy
	ProviderEtag   string    // Opaque revision marker from the provider
	LastModified   time.Time // Last modification time reported by the owning side
	Deleted        bool      // Set on delta results for removed remote events
}

// Validate checks the time window invariant.
func (e CalendarEvent) Validate() error {
	if e.StartTime.IsZero() || e.EndTime.IsZero() {
		return fmt.Errorf("event %q: start and end time are required", e.Title)
	}
	if e.EndTime.Before(e.StartTime) {
		return fmt.Errorf("event %q: end time %s is before start time %s", e.Title, e.EndTime, e.StartTime)
	}
	return nil
}

type calendarEventJSON struct {
	ID             string   `json:"id,omitempty"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Location       string   `json:"location,omitempty"`
	StartTime      string   `json:"startTime"`
	EndTime        string   `json:"endTime"`
	AllDay         bool     `json:"allDay,omitempty"`
	TimeZone       string   `json:"timeZone,omitempty"`
	Attendees      []string `json:"attendees,omitempty"`
	SourceProvider Provider `json:"sourceProvider,omitempty"`
	ProviderEtag   string   `json:"providerEtag,omitempty"`
	LastModified   string   `json:"lastModified,omitempty"`
	Deleted        bool     `json:"deleted,omitempty"`
}

// MarshalJSON renders all-day events with date-only start and end values.
func (e CalendarEvent) MarshalJSON() ([]byte, error) {
	out := calendarEventJSON{
		ID:             e.ID,
		Title:          e.Title,
		Description:    e.Description,
		Location:       e.Location,
		StartTime:      FormatEventTime(e.StartTime, e.AllDay),
		EndTime:        FormatEventTime(e.EndTime, e.AllDay),
		AllDay:         e.AllDay,
		TimeZone:       e.TimeZone,
		Attendees:      e.Attendees,
		SourceProvider: e.SourceProvider,
		ProviderEtag:   e.ProviderEtag,
		Deleted:        e.Deleted,
	}
	if !e.LastModified.IsZero() {
		out.LastModified = e.LastModified.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts RFC 3339 or date-only start/end values. A date-only
// start marks the event all-day.
func (e *CalendarEvent) UnmarshalJSON(data []byte) error {
	var in calendarEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	start, startDateOnly, err := ParseEventTime(in.StartTime)
	if err != nil {
		return fmt.Errorf("invalid startTime: %w", err)
	}
	end, _, err := ParseEventTime(in.EndTime)
	if err != nil {
		return fmt.Errorf("invalid endTime: %w", err)
	}

	*e = CalendarEvent{
		ID:             in.ID,
		Title:          in.Title,
		Description:    in.Description,
		Location:       in.Location,
		StartTime:      start,
		EndTime:        end,
		AllDay:         in.AllDay || startDateOnly,
		TimeZone:       in.TimeZone,
		Attendees:      in.Attendees,
		SourceProvider: in.SourceProvider,
		ProviderEtag:   in.ProviderEtag,
		Deleted:        in.Deleted,
	}
	if in.LastModified != "" {
		lm, err := time.Parse(time.RFC3339Nano, in.LastModified)
		if err != nil {
			return fmt.Errorf("invalid lastModified: %w", err)
		}
		e.LastModified = lm
	}
	return nil
}

// FormatEventTime renders t as a date when dateOnly is set, RFC 3339 otherwise.
func FormatEventTime(t time.Time, dateOnly bool) string {
	if t.IsZero() {
		return ""
	}
	if dateOnly {
		return t.Format(DateLayout)
	}
	return t.Format(time.RFC3339)
}

// ParseEventTime parses an RFC 3339 timestamp or a YYYY-MM-DD date. Dates are
// returned as midnight UTC with dateOnly set.
func ParseEventTime(s string) (t time.Time, dateOnly bool, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if len(s) == len(DateLayout) {
		t, err = time.Parse(DateLayout, s)
		return t, err == nil, err
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	return t, false, err
}

// Job is the job-scheduling module's record. This core only borrows it for
// mapping; it never persists jobs.
type Job struct {
	ID              string
	CrewID          string
	Title           string
	Notes           string
	Address         string
	Start           time.Time
	End             time.Time
	TimeZone        string // Empty when the job carries no explicit zone
	Status          string
	CalendarEventID string // Provider event id once the job has been exported
	UpdatedAt       time.Time
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the event overlaps the window.
func (w Window) Contains(e CalendarEvent) bool {
	return e.StartTime.Before(w.End) && !e.EndTime.Before(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("[%s, %s)", w.Start.Format(time.RFC3339), w.End.Format(time.RFC3339))
}
