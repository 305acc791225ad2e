package mapper

import (
	"fmt"
	"strings"

	"calsync/internal/models"
)

// JobToEvent builds the calendar copy of a scheduled job. A job without an
// explicit zone leaves TimeZone empty so the export default applies.
func JobToEvent(job models.Job) models.CalendarEvent {
	title := strings.TrimSpace(job.Title)
	if title == "" {
		title = fmt.Sprintf("Job %s", job.ID)
	}
	if job.CrewID != "" {
		title = fmt.Sprintf("%s (crew %s)", title, job.CrewID)
	}

	return models.CalendarEvent{
		ID:             job.CalendarEventID,
		Title:          title,
		Description:    job.Notes,
		Location:       job.Address,
		StartTime:      job.Start,
		EndTime:        job.End,
		TimeZone:       job.TimeZone,
		SourceProvider: models.ProviderLocal,
		LastModified:   job.UpdatedAt,
	}
}

// JobFromEvent applies a calendar copy's schedule back onto a job. Only the
// time window, location and the provider link change; crew and status stay
// owned by the job.
func JobFromEvent(job models.Job, ev models.CalendarEvent) models.Job {
	job.Start = ev.StartTime
	job.End = ev.EndTime
	if ev.TimeZone != "" {
		job.TimeZone = ev.TimeZone
	}
	if ev.Location != "" {
		job.Address = ev.Location
	}
	if ev.ID != "" {
		job.CalendarEventID = ev.ID
	}
	if ev.LastModified.After(job.UpdatedAt) {
		job.UpdatedAt = ev.LastModified
	}
	return job
}
