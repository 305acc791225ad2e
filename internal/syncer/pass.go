package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/conflict"
	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/provider"
)

// SyncOptions tune one bidirectional pass.
type SyncOptions struct {
	Export mapper.ExportOptions
	// Policy overrides the resolver's default policy for this pass.
	Policy conflict.Policy
	Window *models.Window
}

// Summary reports the outcome of a pass.
type Summary struct {
	Window models.Window `json:"-"`

	// Imported are remote events with no local counterpart.
	Imported []models.CalendarEvent `json:"importedEvents"`
	// Exported are local events newly created on the provider.
	Exported []models.CalendarEvent `json:"exportedEvents"`
	// Updated are remote events overwritten with local changes.
	Updated []models.CalendarEvent `json:"updatedEvents"`
	// Pulled are remote changes the caller should apply locally.
	Pulled []models.CalendarEvent `json:"pulledEvents"`
	// Orphaned lists local events linked to a remote id that no longer
	// exists in the window. They are neither recreated nor deleted.
	Orphaned []string `json:"orphanedEventIds"`
	// Conflicts holds every conflict detected in this pass with its
	// resolution.
	Conflicts []models.ConflictRecord `json:"conflictRecords"`
}

// Pending returns the conflicts still awaiting a decision.
func (s *Summary) Pending() []models.ConflictRecord {
	var out []models.ConflictRecord
	for _, c := range s.Conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

type match struct {
	local  models.CalendarEvent
	remote models.CalendarEvent
}

// matchEvents pairs local and remote copies. Linked local events match by
// provider id only; unlinked ones match by identical time window and
// normalized title.
func matchEvents(local, remote []models.CalendarEvent) (matched []match, unmatchedLocal, unmatchedRemote []models.CalendarEvent) {
	byID := make(map[string]int, len(remote))
	for i, r := range remote {
		if r.ID != "" {
			byID[r.ID] = i
		}
	}
	used := make([]bool, len(remote))

	var pending []models.CalendarEvent
	for _, l := range local {
		if l.ID == "" {
			pending = append(pending, l)
			continue
		}
		if i, ok := byID[l.ID]; ok && !used[i] {
			used[i] = true
			matched = append(matched, match{local: l, remote: remote[i]})
			continue
		}
		unmatchedLocal = append(unmatchedLocal, l)
	}

	for _, l := range pending {
		title := mapper.NormalizeTitle(l.Title)
		found := -1
		for i, r := range remote {
			if used[i] {
				continue
			}
			if mapper.SameWindow(l, r) && mapper.NormalizeTitle(r.Title) == title {
				found = i
				break
			}
		}
		if found < 0 {
			unmatchedLocal = append(unmatchedLocal, l)
			continue
		}
		used[found] = true
		matched = append(matched, match{local: l, remote: remote[found]})
	}

	for i, r := range remote {
		if !used[i] {
			unmatchedRemote = append(unmatchedRemote, r)
		}
	}
	return matched, unmatchedLocal, unmatchedRemote
}

// Sync runs one bidirectional pass for pair against localEvents. The pair's
// cursor and pending conflicts are committed only when every step succeeded;
// on partial failure the summary so far is returned together with the error.
func (s *Syncer) Sync(ctx context.Context, pair models.Pair, localEvents []models.CalendarEvent, opts SyncOptions) (*Summary, error) {
	adapter, err := s.registry.Get(pair.Provider)
	if err != nil {
		return nil, err
	}

	ctx, release, err := s.begin(ctx, pair)
	if err != nil {
		syncPasses.WithLabelValues(string(pair.Provider), "busy").Inc()
		return nil, err
	}
	defer release()

	passStart := s.now().UTC()
	window := s.DefaultWindow()
	if opts.Window != nil {
		window = *opts.Window
	}
	s.logger.Info("Starting sync pass", "userId", pair.UserID, "provider", pair.Provider,
		"localCount", len(localEvents), "window", window.String())

	cursor, err := s.store.GetCursor(ctx, pair)
	if err != nil {
		return nil, err
	}
	next := models.SyncCursor{WindowStart: window.Start, WindowEnd: window.End, SyncedAt: passStart}
	var since models.SyncCursor
	if cursor != nil {
		since = *cursor
		next.DeltaToken = cursor.DeltaToken
	}

	var remote []models.CalendarEvent
	err = s.retrier.Do(ctx, s.tokens.Credentials(pair), provider.Call{Provider: pair.Provider, Op: "list"},
		func(ctx context.Context, tok *models.OAuthToken) error {
			var err error
			remote, err = adapter.ListEvents(ctx, tok, window)
			return err
		})
	if err != nil {
		syncPasses.WithLabelValues(string(pair.Provider), "failed").Inc()
		return nil, fmt.Errorf("sync %s: list remote events: %w", pair, err)
	}

	var inWindow []models.CalendarEvent
	for _, l := range localEvents {
		if l.Deleted || !window.Contains(l) {
			continue
		}
		inWindow = append(inWindow, l)
	}

	summary := &Summary{Window: window}
	matched, unmatchedLocal, unmatchedRemote := matchEvents(inWindow, remote)
	push := s.pushFunc(pair, adapter, opts.Export)

	var errs []error
	// fatal reports whether the pass must stop: no further provider call can
	// succeed after a cancellation or revoked credentials.
	fatal := func(err error) bool {
		return ctx.Err() != nil || errors.Is(err, models.ErrReauthRequired) || errors.Is(err, models.ErrNotConnected)
	}

	for _, m := range matched {
		if err := s.reconcile(ctx, m, since.SyncedAt, opts, push, summary); err != nil {
			s.logger.Error("Failed to reconcile event", "userId", pair.UserID, "provider", pair.Provider,
				"eventId", m.remote.ID, "error", err)
			errs = append(errs, err)
			if fatal(err) {
				return s.abort(pair, summary, errs)
			}
		}
	}

	for _, l := range unmatchedLocal {
		if l.ID != "" {
			s.logger.Warn("Linked event missing remotely, leaving it alone", "userId", pair.UserID,
				"provider", pair.Provider, "eventId", l.ID)
			summary.Orphaned = append(summary.Orphaned, l.ID)
			continue
		}
		if err := l.Validate(); err != nil {
			s.logger.Warn("Skipping invalid local event", "title", l.Title, "error", err)
			continue
		}
		created, err := s.export(ctx, pair, adapter, l, opts.Export)
		if err != nil {
			s.logger.Error("Failed to export event", "userId", pair.UserID, "provider", pair.Provider,
				"title", l.Title, "error", err)
			errs = append(errs, err)
			if fatal(err) {
				return s.abort(pair, summary, errs)
			}
			continue
		}
		summary.Exported = append(summary.Exported, created)
	}

	for _, r := range unmatchedRemote {
		if r.Deleted {
			continue
		}
		summary.Imported = append(summary.Imported, r)
	}

	if len(errs) > 0 {
		return s.abort(pair, summary, errs)
	}

	if err := s.carryDetectedAt(ctx, pair, summary.Conflicts); err != nil {
		return summary, err
	}
	if err := s.store.SaveCursor(ctx, pair, next); err != nil {
		return summary, err
	}
	if err := s.store.ReplaceConflicts(ctx, pair, summary.Pending()); err != nil {
		return summary, err
	}

	syncPasses.WithLabelValues(string(pair.Provider), "ok").Inc()
	conflictsDetected.WithLabelValues(string(pair.Provider)).Add(float64(len(summary.Conflicts)))
	s.logger.Info("Sync pass committed", "userId", pair.UserID, "provider", pair.Provider,
		"imported", len(summary.Imported), "exported", len(summary.Exported),
		"updated", len(summary.Updated), "pulled", len(summary.Pulled), "conflicts", len(summary.Conflicts))
	return summary, nil
}

// carryDetectedAt keeps the first detection time of conflicts that were
// already pending before this pass.
func (s *Syncer) carryDetectedAt(ctx context.Context, pair models.Pair, conflicts []models.ConflictRecord) error {
	if len(conflicts) == 0 {
		return nil
	}
	prev, err := s.store.ListConflicts(ctx, pair)
	if err != nil {
		return err
	}
	seen := make(map[string]time.Time, len(prev))
	for _, c := range prev {
		seen[c.ID] = c.DetectedAt
	}
	for i := range conflicts {
		if at, ok := seen[conflicts[i].ID]; ok {
			conflicts[i].DetectedAt = at
		}
	}
	return nil
}

// abort ends a pass without moving the cursor.
func (s *Syncer) abort(pair models.Pair, summary *Summary, errs []error) (*Summary, error) {
	syncPasses.WithLabelValues(string(pair.Provider), "partial").Inc()
	s.logger.Warn("Sync pass incomplete, cursor not advanced", "userId", pair.UserID,
		"provider", pair.Provider, "errors", len(errs))
	return summary, fmt.Errorf("sync %s: %w", pair, errors.Join(errs...))
}

// reconcile handles one matched pair. A side counts as changed when its
// lastModified is after the last committed pass; a remote etag equal to the
// one the caller last saw means the remote side did not change.
func (s *Syncer) reconcile(ctx context.Context, m match, since time.Time, opts SyncOptions, push conflict.PushFunc, summary *Summary) error {
	if mapper.SameContent(m.local, m.remote) {
		return nil
	}

	localChanged := m.local.LastModified.IsZero() || m.local.LastModified.After(since)
	remoteChanged := m.remote.LastModified.IsZero() || m.remote.LastModified.After(since)
	if m.local.ProviderEtag != "" && m.local.ProviderEtag == m.remote.ProviderEtag {
		remoteChanged = false
	}

	switch {
	case localChanged && !remoteChanged:
		ev := m.local
		ev.ID = m.remote.ID
		updated, err := push(ctx, ev)
		if err != nil {
			return err
		}
		summary.Updated = append(summary.Updated, updated)
		return nil

	case remoteChanged && !localChanged:
		summary.Pulled = append(summary.Pulled, m.remote)
		return nil
	}

	// Both sides changed, or neither did and an earlier conflict is still
	// unresolved.
	rec := models.NewConflictRecord(m.local, m.remote, s.now())
	out, err := s.resolver.Resolve(ctx, opts.Policy, rec, push)
	if err != nil {
		summary.Conflicts = append(summary.Conflicts, out.Record)
		return err
	}

	switch out.Action {
	case conflict.ActionNone:
		return nil
	case conflict.ActionPushLocal:
		summary.Updated = append(summary.Updated, *out.Pushed)
	case conflict.ActionPullRemote:
		summary.Pulled = append(summary.Pulled, *out.Pulled)
	}
	summary.Conflicts = append(summary.Conflicts, out.Record)
	return nil
}
