package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"calsync/internal/models"
)

// MemoryStore implements Store in process memory. State is scoped to the
// instance; nothing is shared between stores.
type MemoryStore struct {
	mu        sync.RWMutex
	tokens    map[models.Pair]models.OAuthToken
	revoked   map[models.Pair]bool
	cursors   map[models.Pair]models.SyncCursor
	conflicts map[models.Pair]map[string]models.ConflictRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:    make(map[models.Pair]models.OAuthToken),
		revoked:   make(map[models.Pair]bool),
		cursors:   make(map[models.Pair]models.SyncCursor),
		conflicts: make(map[models.Pair]map[string]models.ConflictRecord),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) GetToken(_ context.Context, pair models.Pair) (*models.OAuthToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tok, ok := s.tokens[pair]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &tok, nil
}

func (s *MemoryStore) SaveToken(_ context.Context, pair models.Pair, tok *models.OAuthToken) error {
	if tok == nil || tok.AccessToken == "" {
		return fmt.Errorf("refusing to save empty token for %s", pair)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := *tok
	if prev, ok := s.tokens[pair]; ok && next.RefreshToken == "" {
		next.RefreshToken = prev.RefreshToken
	}
	s.tokens[pair] = next
	return nil
}

func (s *MemoryStore) DeleteToken(_ context.Context, pair models.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, pair)
	return nil
}

func (s *MemoryStore) MarkRevoked(_ context.Context, pair models.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[pair] = true
	return nil
}

func (s *MemoryStore) ClearRevoked(_ context.Context, pair models.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.revoked, pair)
	return nil
}

func (s *MemoryStore) IsRevoked(_ context.Context, pair models.Pair) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[pair], nil
}

func (s *MemoryStore) GetCursor(_ context.Context, pair models.Pair) (*models.SyncCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cursor, ok := s.cursors[pair]
	if !ok {
		return nil, nil
	}
	return &cursor, nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, pair models.Pair, cursor models.SyncCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[pair] = cursor
	return nil
}

func (s *MemoryStore) DeleteCursor(_ context.Context, pair models.Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, pair)
	return nil
}

func (s *MemoryStore) ReplaceConflicts(_ context.Context, pair models.Pair, records []models.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := make(map[string]models.ConflictRecord, len(records))
	for _, rec := range records {
		set[rec.ID] = rec
	}
	s.conflicts[pair] = set
	return nil
}

func (s *MemoryStore) ListConflicts(_ context.Context, pair models.Pair) ([]models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]models.ConflictRecord, 0, len(s.conflicts[pair]))
	for _, rec := range s.conflicts[pair] {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].DetectedAt.Equal(records[j].DetectedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].DetectedAt.Before(records[j].DetectedAt)
	})
	return records, nil
}

func (s *MemoryStore) GetConflict(_ context.Context, pair models.Pair, id string) (*models.ConflictRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.conflicts[pair][id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) UpdateConflict(_ context.Context, pair models.Pair, rec models.ConflictRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conflicts[pair][rec.ID]; !ok {
		return models.ErrNotFound
	}
	s.conflicts[pair][rec.ID] = rec
	return nil
}
