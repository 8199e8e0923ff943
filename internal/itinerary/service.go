package itinerary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"tripfund/internal/common/events"
	"tripfund/internal/common/middleware"
	"tripfund/internal/routing"
)

const shareCodeAttempts = 3

// Service creates and reads itineraries.
type Service struct {
	store     Store
	places    PlaceCatalog
	costs     *CostModel
	publisher events.Publisher
	logger    *slog.Logger
}

// NewService creates a new itinerary service.
func NewService(store Store, places PlaceCatalog, costs *CostModel, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &Service{store: store, places: places, costs: costs, publisher: publisher, logger: logger}
}

// ItemRequest is one requested stop.
type ItemRequest struct {
	PlaceID       string
	VisitDate     *Date
	TransportMode string
	Sequence      int
}

// CreateRequest is the request to create an itinerary.
type CreateRequest struct {
	OwnerID  string
	Name     string
	IsPublic bool
	Items    []ItemRequest
}

// Create resolves places, prices the itinerary and stores it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Detail, error) {
	ids := make([]string, 0, len(req.Items))
	for _, item := range req.Items {
		ids = append(ids, item.PlaceID)
	}

	places := map[string]Place{}
	if len(ids) > 0 {
		var err error
		places, err = s.places.GetPlaces(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("resolving places: %w", err)
		}
	}

	inputs := make([]ItemInput, 0, len(req.Items))
	for i, item := range req.Items {
		place, ok := places[item.PlaceID]
		if !ok {
			return nil, fmt.Errorf("%w: item %d: unknown place %q", ErrValidation, i, item.PlaceID)
		}
		mode, err := routing.ParseMode(item.TransportMode)
		if err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrValidation, i, err)
		}
		inputs = append(inputs, ItemInput{
			Place:     place,
			VisitDate: item.VisitDate,
			Mode:      mode,
			Sequence:  item.Sequence,
		})
	}

	return s.CreateFromInputs(ctx, req.OwnerID, req.Name, req.IsPublic, inputs)
}

// CreateFromInputs prices already resolved stops and stores the itinerary.
func (s *Service) CreateFromInputs(ctx context.Context, ownerID, name string, isPublic bool, inputs []ItemInput) (*Detail, error) {
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner is required", ErrValidation)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}

	costing, err := s.costs.Compute(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("computing costs: %w", err)
	}

	it := &Itinerary{
		ID:             ulid.Make().String(),
		OwnerID:        ownerID,
		Name:           name,
		IsPublic:       isPublic,
		TotalCost:      costing.TotalCost,
		TotalDurationS: costing.TotalDurationS,
		CreatedAt:      time.Now().UTC(),
		Items:          costing.Items,
	}
	for i := range it.Items {
		it.Items[i].ID = ulid.Make().String()
	}

	for attempt := 1; ; attempt++ {
		it.AssignShareCode()
		err = s.store.Create(ctx, it)
		if !errors.Is(err, ErrShareCodeTaken) || attempt == shareCodeAttempts {
			break
		}
		it.ShareCode = ""
	}
	if err != nil {
		return nil, fmt.Errorf("storing itinerary: %w", err)
	}

	s.logger.Info("itinerary created",
		"itinerary_id", it.ID,
		"owner_id", it.OwnerID,
		"items", len(it.Items),
		"total_cost", it.TotalCost,
		"total_duration_s", it.TotalDurationS,
	)

	s.publish(ctx, it)
	return NewDetail(it), nil
}

// Get returns an itinerary visible to viewerID.
func (s *Service) Get(ctx context.Context, id, viewerID string) (*Detail, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !it.VisibleTo(viewerID) {
		return nil, ErrForbidden
	}
	return NewDetail(it), nil
}

// GetByShareCode returns the itinerary behind a share code. Holding the
// code grants read access.
func (s *Service) GetByShareCode(ctx context.Context, code string) (*Detail, error) {
	it, err := s.store.GetByShareCode(ctx, strings.TrimSpace(code))
	if err != nil {
		return nil, err
	}
	return NewDetail(it), nil
}

// TotalCost returns the computed total of an itinerary. It seeds fund targets.
func (s *Service) TotalCost(ctx context.Context, id string) (int64, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return it.TotalCost, nil
}

// Owner returns the owner of an itinerary.
func (s *Service) Owner(ctx context.Context, id string) (string, error) {
	it, err := s.store.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return it.OwnerID, nil
}

func (s *Service) publish(ctx context.Context, it *Itinerary) {
	evt, err := events.NewEvent(events.EventItineraryCreated, events.AggregateItinerary, it.ID, events.ItineraryCreatedData{
		ItineraryID:    it.ID,
		OwnerID:        it.OwnerID,
		TotalCost:      it.TotalCost,
		TotalDurationS: it.TotalDurationS,
		ItemCount:      len(it.Items),
	})
	if err != nil {
		s.logger.Error("failed to build event", "error", err)
		return
	}
	evt.WithCorrelation(middleware.GetCorrelationID(ctx))
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("failed to publish event", "type", evt.Type, "error", err)
	}
}
