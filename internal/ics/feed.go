// Package ics renders CalendarEvents as an iCalendar feed.
package ics

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"

	"calsync/internal/models"
)

const (
	// ContentType is the media type of an iCalendar feed.
	ContentType = "text/calendar; charset=utf-8"
	productID   = "-//calsync//EN"
	uidDomain   = "calsync"
)

// Encode writes events as one VCALENDAR. All-day events use DATE values;
// timed events are written in UTC. Deleted events are marked CANCELLED.
func Encode(w io.Writer, events []models.CalendarEvent, now time.Time) error {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, ev := range events {
		cal.Children = append(cal.Children, toVEvent(ev, now))
	}

	if err := ical.NewEncoder(w).Encode(cal); err != nil {
		return fmt.Errorf("failed to encode iCalendar feed: %w", err)
	}
	return nil
}

// toVEvent converts one CalendarEvent to a VEVENT component.
func toVEvent(ev models.CalendarEvent, now time.Time) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid(ev))
	ve.Props.SetText(ical.PropSummary, ev.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())

	if ev.AllDay {
		start, end := dateBounds(ev)
		ve.Props.SetDate(ical.PropDateTimeStart, start)
		ve.Props.SetDate(ical.PropDateTimeEnd, end)
	} else {
		ve.Props.SetDateTime(ical.PropDateTimeStart, ev.StartTime.UTC())
		ve.Props.SetDateTime(ical.PropDateTimeEnd, ev.EndTime.UTC())
	}

	if ev.Description != "" {
		ve.Props.SetText(ical.PropDescription, ev.Description)
	}
	if ev.Location != "" {
		ve.Props.SetText(ical.PropLocation, ev.Location)
	}
	if !ev.LastModified.IsZero() {
		ve.Props.SetDateTime(ical.PropLastModified, ev.LastModified.UTC())
	}
	if ev.Deleted {
		ve.Props.SetText(ical.PropStatus, "CANCELLED")
	}
	for _, attendee := range ev.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}
	return ve
}

// uid derives a stable UID from the provider and event id. Events not yet
// exported get a random one.
func uid(ev models.CalendarEvent) string {
	if ev.ID == "" {
		return fmt.Sprintf("%s@%s", uuid.NewString(), uidDomain)
	}
	source := strings.ToLower(string(ev.SourceProvider))
	if source == "" {
		source = string(models.ProviderLocal)
	}
	return fmt.Sprintf("%s.%s@%s", ev.ID, source, uidDomain)
}

func dateBounds(ev models.CalendarEvent) (time.Time, time.Time) {
	y, m, d := ev.StartTime.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	y, m, d = ev.EndTime.Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}
