// Package syncer orchestrates import, export and the bidirectional sync pass
// between caller-owned events and a provider calendar.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"calsync/internal/conflict"
	"calsync/internal/mapper"
	"calsync/internal/models"
	"calsync/internal/provider"
	"calsync/internal/store"
)

// TokenManager hands out per-pair credentials and forgets them on disconnect.
type TokenManager interface {
	Credentials(pair models.Pair) provider.Credentials
	Disconnect(ctx context.Context, pair models.Pair) error
}

// Config holds the sync window, measured in whole days around now.
type Config struct {
	PastDays   int
	FutureDays int
}

// Syncer coordinates adapters, credentials, cursors and the conflict
// resolver. At most one cursor-mutating operation runs per pair.
type Syncer struct {
	logger   *slog.Logger
	registry *provider.Registry
	tokens   TokenManager
	store    store.Store
	retrier  *provider.Retrier
	resolver *conflict.Resolver
	cfg      Config
	now      func() time.Time

	mu      sync.Mutex
	running map[models.Pair]*run
}

// run is the operation currently holding a pair. done closes once it has
// released the pair.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSyncer creates a new Syncer.
func NewSyncer(logger *slog.Logger, registry *provider.Registry, tokens TokenManager, st store.Store, retrier *provider.Retrier, resolver *conflict.Resolver, cfg Config) *Syncer {
	if cfg.PastDays <= 0 {
		cfg.PastDays = 30
	}
	if cfg.FutureDays <= 0 {
		cfg.FutureDays = 90
	}
	return &Syncer{
		logger:   logger,
		registry: registry,
		tokens:   tokens,
		store:    st,
		retrier:  retrier,
		resolver: resolver,
		cfg:      cfg,
		now:      time.Now,
		running:  make(map[models.Pair]*run),
	}
}

// SetClock replaces time.Now. Tests only.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// DefaultWindow returns the configured sync window around now, aligned to
// UTC midnight.
func (s *Syncer) DefaultWindow() models.Window {
	y, m, d := s.now().UTC().Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return models.Window{
		Start: today.AddDate(0, 0, -s.cfg.PastDays),
		End:   today.AddDate(0, 0, s.cfg.FutureDays),
	}
}

// begin claims pair for a cursor-mutating operation. The returned context is
// cancelled by stop or by the release func.
func (s *Syncer) begin(ctx context.Context, pair models.Pair) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.running[pair]; busy {
		return nil, nil, fmt.Errorf("%w: %s", models.ErrSyncInProgress, pair)
	}
	ctx, cancel := context.WithCancel(ctx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.running[pair] = r

	release := func() {
		s.mu.Lock()
		delete(s.running, pair)
		s.mu.Unlock()
		cancel()
		close(r.done)
	}
	return ctx, release, nil
}

// stop cancels the operation running for pair and waits until it has
// released the pair, including any commit it was already making. A provider
// write already in flight completes; no further provider calls are issued.
func (s *Syncer) stop(ctx context.Context, pair models.Pair) (bool, error) {
	s.mu.Lock()
	r, ok := s.running[pair]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}

	r.cancel()
	select {
	case <-r.done:
		return true, nil
	case <-ctx.Done():
		return true, ctx.Err()
	}
}

// ImportOptions tune Import.
type ImportOptions struct {
	Window   *models.Window
	UseDelta bool
}

// Import returns the remote events of pair within the window. It never writes
// caller-owned data. With UseDelta and an adapter that supports it, only
// events changed since the stored delta token are returned and the new token
// is persisted.
func (s *Syncer) Import(ctx context.Context, pair models.Pair, opts ImportOptions) ([]models.CalendarEvent, error) {
	adapter, err := s.registry.Get(pair.Provider)
	if err != nil {
		return nil, err
	}

	window := s.DefaultWindow()
	if opts.Window != nil {
		window = *opts.Window
	}

	if delta, ok := adapter.(provider.DeltaLister); ok && opts.UseDelta {
		return s.importDelta(ctx, pair, delta, window)
	}

	var events []models.CalendarEvent
	err = s.retrier.Do(ctx, s.tokens.Credentials(pair), provider.Call{Provider: pair.Provider, Op: "list"},
		func(ctx context.Context, tok *models.OAuthToken) error {
			var err error
			events, err = adapter.ListEvents(ctx, tok, window)
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("import %s: %w", pair, err)
	}

	s.logger.Info("Imported events", "userId", pair.UserID, "provider", pair.Provider, "count", len(events), "window", window.String())
	return events, nil
}

func (s *Syncer) importDelta(ctx context.Context, pair models.Pair, delta provider.DeltaLister, window models.Window) ([]models.CalendarEvent, error) {
	ctx, release, err := s.begin(ctx, pair)
	if err != nil {
		return nil, err
	}
	defer release()

	cursor, err := s.store.GetCursor(ctx, pair)
	if err != nil {
		return nil, err
	}
	if cursor == nil {
		cursor = &models.SyncCursor{}
	}

	fetch := func(token string) ([]models.CalendarEvent, string, error) {
		var (
			events []models.CalendarEvent
			next   string
		)
		err := s.retrier.Do(ctx, s.tokens.Credentials(pair), provider.Call{Provider: pair.Provider, Op: "delta"},
			func(ctx context.Context, tok *models.OAuthToken) error {
				var err error
				events, next, err = delta.DeltaEvents(ctx, tok, token, window)
				return err
			})
		return events, next, err
	}

	events, next, err := fetch(cursor.DeltaToken)
	if errors.Is(err, models.ErrCursorExpired) && cursor.DeltaToken != "" {
		s.logger.Warn("Delta token expired, restarting delta sequence", "userId", pair.UserID, "provider", pair.Provider)
		events, next, err = fetch("")
	}
	if err != nil {
		return nil, fmt.Errorf("delta import %s: %w", pair, err)
	}

	if next != "" {
		cursor.DeltaToken = next
		if err := s.store.SaveCursor(ctx, pair, *cursor); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Imported changed events", "userId", pair.UserID, "provider", pair.Provider, "count", len(events))
	return events, nil
}

// Export creates ev on the provider when it has no id, and updates it
// otherwise. It never deletes.
func (s *Syncer) Export(ctx context.Context, pair models.Pair, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	adapter, err := s.registry.Get(pair.Provider)
	if err != nil {
		return models.CalendarEvent{}, err
	}
	if err := ev.Validate(); err != nil {
		return models.CalendarEvent{}, fmt.Errorf("%w: %v", models.ErrProviderRejected, err)
	}
	return s.export(ctx, pair, adapter, ev, opts)
}

func (s *Syncer) export(ctx context.Context, pair models.Pair, adapter provider.Adapter, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error) {
	op := "update"
	if ev.ID == "" {
		op = "create"
	}

	var stored models.CalendarEvent
	err := s.retrier.Do(ctx, s.tokens.Credentials(pair), provider.Call{Provider: pair.Provider, Op: op, Write: true},
		func(ctx context.Context, tok *models.OAuthToken) error {
			var err error
			if ev.ID == "" {
				stored, err = adapter.CreateEvent(ctx, tok, ev, opts)
			} else {
				stored, err = adapter.UpdateEvent(ctx, tok, ev, opts)
			}
			return err
		})
	if err != nil {
		return models.CalendarEvent{}, fmt.Errorf("%s event %q on %s: %w", op, ev.Title, pair, err)
	}

	s.logger.Debug("Exported event", "userId", pair.UserID, "provider", pair.Provider, "op", op, "eventId", stored.ID)
	return stored, nil
}

// Delete removes one remote event. It is only ever called explicitly.
func (s *Syncer) Delete(ctx context.Context, pair models.Pair, eventID string) error {
	adapter, err := s.registry.Get(pair.Provider)
	if err != nil {
		return err
	}

	err = s.retrier.Do(ctx, s.tokens.Credentials(pair), provider.Call{Provider: pair.Provider, Op: "delete", Write: true},
		func(ctx context.Context, tok *models.OAuthToken) error {
			return adapter.DeleteEvent(ctx, tok, eventID)
		})
	if err != nil {
		return fmt.Errorf("delete event %s on %s: %w", eventID, pair, err)
	}
	s.logger.Info("Deleted event", "userId", pair.UserID, "provider", pair.Provider, "eventId", eventID)
	return nil
}

// Disconnect cancels any running pass for pair, waits for it to finish and
// then forgets the pair's credentials, cursor and pending conflicts. The pair
// stays claimed while it does, so no pass can commit over the cleanup.
func (s *Syncer) Disconnect(ctx context.Context, pair models.Pair) error {
	stopped, err := s.stop(ctx, pair)
	if err != nil {
		return err
	}
	if stopped {
		s.logger.Info("Cancelled running sync for disconnect", "userId", pair.UserID, "provider", pair.Provider)
	}

	ctx, release, err := s.begin(ctx, pair)
	if err != nil {
		return err
	}
	defer release()

	if err := s.tokens.Disconnect(ctx, pair); err != nil {
		return err
	}
	if err := s.store.DeleteCursor(ctx, pair); err != nil {
		return err
	}
	return s.store.ReplaceConflicts(ctx, pair, nil)
}

// Conflicts lists the conflicts surfaced by the last committed pass.
func (s *Syncer) Conflicts(ctx context.Context, pair models.Pair) ([]models.ConflictRecord, error) {
	return s.store.ListConflicts(ctx, pair)
}

// ResolveConflict applies policy to one stored conflict. Resolving a record
// that is already resolved changes nothing.
func (s *Syncer) ResolveConflict(ctx context.Context, pair models.Pair, id string, policy conflict.Policy, opts mapper.ExportOptions) (conflict.Outcome, error) {
	adapter, err := s.registry.Get(pair.Provider)
	if err != nil {
		return conflict.Outcome{}, err
	}

	ctx, release, err := s.begin(ctx, pair)
	if err != nil {
		return conflict.Outcome{}, err
	}
	defer release()

	rec, err := s.store.GetConflict(ctx, pair, id)
	if err != nil {
		return conflict.Outcome{}, err
	}

	out, err := s.resolver.Resolve(ctx, policy, *rec, s.pushFunc(pair, adapter, opts))
	if err != nil {
		return out, err
	}
	if out.Record.Resolution != rec.Resolution {
		if err := s.store.UpdateConflict(ctx, pair, out.Record); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Syncer) pushFunc(pair models.Pair, adapter provider.Adapter, opts mapper.ExportOptions) conflict.PushFunc {
	return func(ctx context.Context, ev models.CalendarEvent) (models.CalendarEvent, error) {
		return s.export(ctx, pair, adapter, ev, opts)
	}
}
