package mapper

import (
	"strings"
	"time"

	"calsync/internal/models"
)

const outlookTimeLayout = "2006-01-02T15:04:05"

// OutlookEvent is the Microsoft Graph event resource, restricted to the
// fields this service reads or writes.
type OutlookEvent struct {
	ID                   string            `json:"id,omitempty"`
	ETag                 string            `json:"@odata.etag,omitempty"`
	Subject              string            `json:"subject"`
	Body                 *OutlookBody      `json:"body,omitempty"`
	Start                *OutlookDateTime  `json:"start,omitempty"`
	End                  *OutlookDateTime  `json:"end,omitempty"`
	Location             *OutlookLocation  `json:"location,omitempty"`
	IsAllDay             bool              `json:"isAllDay"`
	IsCancelled          bool              `json:"isCancelled,omitempty"`
	Attendees            []OutlookAttendee `json:"attendees,omitempty"`
	LastModifiedDateTime string            `json:"lastModifiedDateTime,omitempty"`
	Removed              *OutlookRemoved   `json:"@removed,omitempty"`
}

type OutlookBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type OutlookDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type OutlookLocation struct {
	DisplayName string `json:"displayName"`
}

type OutlookAttendee struct {
	Type         string              `json:"type,omitempty"`
	EmailAddress OutlookEmailAddress `json:"emailAddress"`
}

type OutlookEmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// OutlookRemoved marks an entry of a delta response as deleted.
type OutlookRemoved struct {
	Reason string `json:"reason"`
}

// FromOutlook converts a Graph event to a CalendarEvent.
func FromOutlook(item OutlookEvent) models.CalendarEvent {
	ev := models.CalendarEvent{
		ID:             item.ID,
		Title:          titleOrPlaceholder(item.Subject),
		SourceProvider: models.ProviderOutlook,
		ProviderEtag:   item.ETag,
		AllDay:         item.IsAllDay,
		Deleted:        item.Removed != nil || item.IsCancelled,
	}
	if item.Body != nil {
		ev.Description = item.Body.Content
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}
	if item.LastModifiedDateTime != "" {
		if t, err := time.Parse(time.RFC3339Nano, item.LastModifiedDateTime); err == nil {
			ev.LastModified = t
		}
	}

	if item.Start != nil {
		ev.StartTime, ev.TimeZone = fromOutlookDateTime(item.Start, item.IsAllDay)
	}
	if item.End != nil {
		ev.EndTime, _ = fromOutlookDateTime(item.End, item.IsAllDay)
	}
	if item.IsAllDay {
		ev.TimeZone = ""
	}
	if ev.EndTime.IsZero() || ev.EndTime.Before(ev.StartTime) {
		ev.EndTime = ev.StartTime
	}

	emails := make([]string, 0, len(item.Attendees))
	for _, a := range item.Attendees {
		emails = append(emails, a.EmailAddress.Address)
	}
	ev.Attendees = NormalizeAttendees(emails)

	return ev
}

func fromOutlookDateTime(dt *OutlookDateTime, allDay bool) (time.Time, string) {
	raw := dt.DateTime
	// Graph returns seven fractional digits; drop them.
	if i := strings.IndexByte(raw, '.'); i > 0 {
		raw = raw[:i]
	}

	loc := time.UTC
	zone := ""
	if dt.TimeZone != "" && !strings.EqualFold(dt.TimeZone, "UTC") {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
			zone = dt.TimeZone
		}
	}

	t, err := time.ParseInLocation(outlookTimeLayout, raw, loc)
	if err != nil {
		return time.Time{}, ""
	}
	if allDay {
		return dateOnly(t), ""
	}
	return t, zone
}

// ToOutlook converts a CalendarEvent to the Graph wire shape.
func (m *Mapper) ToOutlook(ev models.CalendarEvent, opts ExportOptions) OutlookEvent {
	out := OutlookEvent{
		Subject:  titleOrPlaceholder(ev.Title),
		Body:     &OutlookBody{ContentType: "text", Content: ev.Description},
		IsAllDay: ev.AllDay,
	}
	if ev.Location != "" {
		out.Location = &OutlookLocation{DisplayName: ev.Location}
	}

	loc := m.exportZone(ev, opts)
	if ev.AllDay {
		start, end := allDayBounds(ev)
		out.Start = &OutlookDateTime{DateTime: start.Format(outlookTimeLayout), TimeZone: loc.String()}
		out.End = &OutlookDateTime{DateTime: end.Format(outlookTimeLayout), TimeZone: loc.String()}
	} else {
		out.Start = &OutlookDateTime{DateTime: ev.StartTime.In(loc).Format(outlookTimeLayout), TimeZone: loc.String()}
		out.End = &OutlookDateTime{DateTime: ev.EndTime.In(loc).Format(outlookTimeLayout), TimeZone: loc.String()}
	}

	for _, email := range NormalizeAttendees(ev.Attendees) {
		out.Attendees = append(out.Attendees, OutlookAttendee{
			Type:         "required",
			EmailAddress: OutlookEmailAddress{Address: email},
		})
	}
	return out
}
