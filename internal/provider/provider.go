// Package provider defines the capability interface every calendar provider
// implements, the registry that selects one by name, and the retry policy
// shared by all provider calls.
package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/oauth2"

	"calsync/internal/mapper"
	"calsync/internal/models"
)

// Adapter translates generic calendar operations into provider HTTP calls.
// Adapters return events already mapped to CalendarEvent; ListEvents returns
// the whole window ordered by start time.
type Adapter interface {
	Name() models.Provider

	ListEvents(ctx context.Context, tok *models.OAuthToken, window models.Window) ([]models.CalendarEvent, error)
	CreateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error)
	UpdateEvent(ctx context.Context, tok *models.OAuthToken, ev models.CalendarEvent, opts mapper.ExportOptions) (models.CalendarEvent, error)
	DeleteEvent(ctx context.Context, tok *models.OAuthToken, eventID string) error

	// OAuth describes how to authorize against this provider.
	OAuth() OAuthSpec
}

// DeltaLister is implemented by adapters that can fetch only the events
// changed since a cursor. An empty cursor starts a new delta sequence over
// window.
type DeltaLister interface {
	DeltaEvents(ctx context.Context, tok *models.OAuthToken, cursor string, window models.Window) ([]models.CalendarEvent, string, error)
}

// OAuthSpec is the provider-side half of an oauth2.Config.
type OAuthSpec struct {
	Endpoint   oauth2.Endpoint
	Scopes     []string
	AuthParams []oauth2.AuthCodeOption
}

// Registry maps provider names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Provider]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered for p.
func (r *Registry) Get(p models.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnsupportedProvider, p)
	}
	return a, nil
}

// Names lists registered providers in sorted order.
func (r *Registry) Names() []models.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]models.Provider, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// SortByStart orders events by start time, then end time, then id.
func SortByStart(events []models.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		if !a.EndTime.Equal(b.EndTime) {
			return a.EndTime.Before(b.EndTime)
		}
		return a.ID < b.ID
	})
}
