// Package mapper translates between CalendarEvent and the wire shapes of each
// provider. Every function here is pure.
package mapper

import (
	"net/mail"
	"sort"
	"strings"
	"time"

	"calsync/internal/models"
)

// UntitledEvent replaces a missing remote title.
const UntitledEvent = "Untitled Event"

// ExportOptions tune a single export call.
type ExportOptions struct {
	// TimeZone overrides the organization zone for events that carry no
	// explicit zone of their own.
	TimeZone *time.Location
}

// Mapper holds the organization defaults used when exporting.
type Mapper struct {
	orgZone *time.Location
}

// New creates a Mapper. A nil zone means UTC.
func New(orgZone *time.Location) *Mapper {
	if orgZone == nil {
		orgZone = time.UTC
	}
	return &Mapper{orgZone: orgZone}
}

// OrgZone returns the configured organization time zone.
func (m *Mapper) OrgZone() *time.Location {
	return m.orgZone
}

// exportZone picks the zone an event is written in: its own explicit zone,
// then the per-call override, then the organization default.
func (m *Mapper) exportZone(ev models.CalendarEvent, opts ExportOptions) *time.Location {
	if ev.TimeZone != "" {
		if loc, err := time.LoadLocation(ev.TimeZone); err == nil {
			return loc
		}
	}
	if opts.TimeZone != nil {
		return opts.TimeZone
	}
	return m.orgZone
}

// NormalizeAttendees lower-cases, de-duplicates and sorts attendee emails.
// Entries that don't parse as an email address are dropped.
func NormalizeAttendees(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, entry := range raw {
		email := normalizeEmail(entry)
		if email == "" {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

func normalizeEmail(s string) string {
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "mailto:"))
	if s == "" {
		return ""
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return ""
	}
	email := strings.ToLower(addr.Address)
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 || !strings.Contains(email[at+1:], ".") {
		return ""
	}
	return email
}

// NormalizeTitle folds case and whitespace for heuristic matching.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.Join(strings.Fields(title), " "))
}

func titleOrPlaceholder(title string) string {
	if strings.TrimSpace(title) == "" {
		return UntitledEvent
	}
	return title
}

// dateOnly truncates t to its calendar date at midnight UTC.
func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// allDayBounds returns date-only bounds with an exclusive end at least one
// day after the start.
func allDayBounds(ev models.CalendarEvent) (time.Time, time.Time) {
	start := dateOnly(ev.StartTime)
	end := dateOnly(ev.EndTime)
	if !end.After(start) {
		end = start.AddDate(0, 0, 1)
	}
	return start, end
}

// SameContent reports whether two copies carry identical user-visible fields.
// Provider ids, etags and timestamps are ignored.
func SameContent(a, b models.CalendarEvent) bool {
	if a.AllDay != b.AllDay {
		return false
	}
	if a.AllDay {
		as, ae := allDayBounds(a)
		bs, be := allDayBounds(b)
		if !as.Equal(bs) || !ae.Equal(be) {
			return false
		}
	} else if !a.StartTime.Equal(b.StartTime) || !a.EndTime.Equal(b.EndTime) {
		return false
	}

	if titleOrPlaceholder(a.Title) != titleOrPlaceholder(b.Title) ||
		strings.TrimSpace(a.Description) != strings.TrimSpace(b.Description) ||
		strings.TrimSpace(a.Location) != strings.TrimSpace(b.Location) {
		return false
	}

	aa, ba := NormalizeAttendees(a.Attendees), NormalizeAttendees(b.Attendees)
	if len(aa) != len(ba) {
		return false
	}
	for i := range aa {
		if aa[i] != ba[i] {
			return false
		}
	}
	return true
}

// SameWindow reports whether two events occupy the identical time window.
func SameWindow(a, b models.CalendarEvent) bool {
	if a.AllDay || b.AllDay {
		if a.AllDay != b.AllDay {
			return false
		}
		as, ae := allDayBounds(a)
		bs, be := allDayBounds(b)
		return as.Equal(bs) && ae.Equal(be)
	}
	return a.StartTime.Equal(b.StartTime) && a.EndTime.Equal(b.EndTime)
}
