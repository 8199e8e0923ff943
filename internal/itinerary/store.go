package itinerary

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrShareCodeTaken is returned by Create when the share code collides.
var ErrShareCodeTaken = errors.New("share code already in use")

// Store persists itineraries with their items.
type Store interface {
	Create(ctx context.Context, it *Itinerary) error
	Get(ctx context.Context, id string) (*Itinerary, error)
	GetByShareCode(ctx context.Context, code string) (*Itinerary, error)
}

// CandidateFilter selects places for automatic planning.
type CandidateFilter struct {
	ExcludeCategories []string
	Limit             int
}

// PlaceCatalog resolves place records.
type PlaceCatalog interface {
	GetPlaces(ctx context.Context, ids []string) (map[string]Place, error)
	// ListCandidates returns places with coordinates, newest first.
	ListCandidates(ctx context.Context, filter CandidateFilter) ([]Place, error)
}

// MemoryStore is an in-process Store and PlaceCatalog.
type MemoryStore struct {
	mu          sync.RWMutex
	itineraries map[string]*Itinerary
	byShareCode map[string]string
	places      map[string]Place
	placeOrder  []string
}

var (
	_ Store        = (*MemoryStore)(nil)
	_ PlaceCatalog = (*MemoryStore)(nil)
)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		itineraries: make(map[string]*Itinerary),
		byShareCode: make(map[string]string),
		places:      make(map[string]Place),
	}
}

// PutPlace adds or replaces a catalog place.
func (s *MemoryStore) PutPlace(p Place) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.places[p.ID]; !ok {
		s.placeOrder = append(s.placeOrder, p.ID)
	}
	s.places[p.ID] = p
}

func (s *MemoryStore) Create(_ context.Context, it *Itinerary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byShareCode[it.ShareCode]; ok {
		return ErrShareCodeTaken
	}
	cp := *it
	cp.Items = append([]Item(nil), it.Items...)
	s.itineraries[it.ID] = &cp
	s.byShareCode[it.ShareCode] = it.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Itinerary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.itineraries[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *it
	cp.Items = append([]Item(nil), it.Items...)
	return &cp, nil
}

func (s *MemoryStore) GetByShareCode(ctx context.Context, code string) (*Itinerary, error) {
	s.mu.RLock()
	id, ok := s.byShareCode[code]
	s.mu.RUnlock()
	if !ok || code == "" {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) GetPlaces(_ context.Context, ids []string) (map[string]Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Place, len(ids))
	for _, id := range ids {
		if p, ok := s.places[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *MemoryStore) ListCandidates(_ context.Context, filter CandidateFilter) ([]Place, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	excluded := make(map[string]bool, len(filter.ExcludeCategories))
	for _, c := range filter.ExcludeCategories {
		excluded[c] = true
	}

	var out []Place
	for i := len(s.placeOrder) - 1; i >= 0; i-- {
		p := s.places[s.placeOrder[i]]
		if _, ok := p.Point(); !ok || excluded[p.Category] {
			continue
		}
		out = append(out, p)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// IDs returns the stored itinerary IDs in lexical order. Used by tests.
func (s *MemoryStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.itineraries))
	for id := range s.itineraries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
