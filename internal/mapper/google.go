package mapper

import (
	"time"

	"google.golang.org/api/calendar/v3"

	"calsync/internal/models"
)

// FromGoogle converts a Google Calendar event to a CalendarEvent. Cancelled
// events come back with Deleted set.
func FromGoogle(item *calendar.Event) models.CalendarEvent {
	ev := models.CalendarEvent{
		ID:             item.Id,
		Title:          titleOrPlaceholder(item.Summary),
		Description:    item.Description,
		Location:       item.Location,
		SourceProvider: models.ProviderGoogle,
		ProviderEtag:   item.Etag,
		Deleted:        item.Status == "cancelled",
	}

	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339Nano, item.Updated); err == nil {
			ev.LastModified = t
		}
	}

	if item.Start != nil {
		ev.StartTime, ev.AllDay, ev.TimeZone = fromGoogleDateTime(item.Start)
	}
	if item.End != nil {
		ev.EndTime, _, _ = fromGoogleDateTime(item.End)
	}
	if ev.EndTime.IsZero() || ev.EndTime.Before(ev.StartTime) {
		ev.EndTime = ev.StartTime
	}

	emails := make([]string, 0, len(item.Attendees))
	for _, a := range item.Attendees {
		if a != nil {
			emails = append(emails, a.Email)
		}
	}
	ev.Attendees = NormalizeAttendees(emails)

	return ev
}

func fromGoogleDateTime(dt *calendar.EventDateTime) (time.Time, bool, string) {
	if dt.Date != "" {
		t, err := time.Parse(models.DateLayout, dt.Date)
		if err != nil {
			return time.Time{}, true, ""
		}
		return t, true, ""
	}

	t, err := time.Parse(time.RFC3339, dt.DateTime)
	if err != nil {
		return time.Time{}, false, ""
	}
	if dt.TimeZone != "" {
		if loc, err := time.LoadLocation(dt.TimeZone); err == nil {
			return t.In(loc), false, dt.TimeZone
		}
	}
	return t, false, ""
}

// ToGoogle converts a CalendarEvent to the Google wire shape. All-day events
// are written with date-only start and end.
func (m *Mapper) ToGoogle(ev models.CalendarEvent, opts ExportOptions) *calendar.Event {
	out := &calendar.Event{
		Summary:     titleOrPlaceholder(ev.Title),
		Description: ev.Description,
		Location:    ev.Location,
	}

	if ev.AllDay {
		start, end := allDayBounds(ev)
		out.Start = &calendar.EventDateTime{Date: start.Format(models.DateLayout)}
		out.End = &calendar.EventDateTime{Date: end.Format(models.DateLayout)}
	} else {
		loc := m.exportZone(ev, opts)
		out.Start = &calendar.EventDateTime{
			DateTime: ev.StartTime.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		}
		out.End = &calendar.EventDateTime{
			DateTime: ev.EndTime.In(loc).Format(time.RFC3339),
			TimeZone: loc.String(),
		}
	}

	for _, email := range NormalizeAttendees(ev.Attendees) {
		out.Attendees = append(out.Attendees, &calendar.EventAttendee{Email: email})
	}
	return out
}
