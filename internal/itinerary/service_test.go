package itinerary

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripfund/internal/common/events"
)

type recordingPublisher struct {
	events []*events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e *events.Event) error {
	p.events = append(p.events, e)
	return nil
}

type collidingStore struct {
	*MemoryStore
	failures int
}

func (s *collidingStore) Create(ctx context.Context, it *Itinerary) error {
	if s.failures > 0 {
		s.failures--
		return ErrShareCodeTaken
	}
	return s.MemoryStore.Create(ctx, it)
}

func newTestService(t *testing.T) (*Service, *MemoryStore, *recordingPublisher) {
	t.Helper()
	store := NewMemoryStore()
	store.PutPlace(place("museum", 10.7769, 106.7009, 40000))
	store.PutPlace(place("market", 10.7725, 106.6980, 0))
	store.PutPlace(Place{ID: "floating", Name: "Somewhere"})

	pub := &recordingPublisher{}
	svc := NewService(store, store, NewCostModel(walkEstimator(), 2), pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store, pub
}

func TestServiceCreate(t *testing.T) {
	svc, store, pub := newTestService(t)

	detail, err := svc.Create(context.Background(), CreateRequest{
		OwnerID: "u1",
		Name:    "Saigon day",
		Items: []ItemRequest{
			{PlaceID: "market", VisitDate: day("2025-06-01"), TransportMode: "walk", Sequence: 2},
			{PlaceID: "museum", VisitDate: day("2025-06-01"), TransportMode: "", Sequence: 1},
			{PlaceID: "floating", VisitDate: day("2025-06-01"), TransportMode: "taxi", Sequence: 3},
		},
	})
	require.NoError(t, err)

	assert.Len(t, detail.ShareCode, 12)
	assert.Equal(t, []string{detail.ID}, store.IDs())
	require.Len(t, detail.Items, 3)
	assert.Equal(t, "museum", detail.Items[0].PlaceID)
	assert.NotEmpty(t, detail.Items[0].ID)
	assert.Greater(t, detail.Items[1].LegDistanceM, int64(0))
	assert.Zero(t, detail.Items[2].LegDistanceM)
	assert.Equal(t, int64(40000), detail.TotalCost)
	assert.Equal(t, detail.Items[1].LegDurationS, detail.TotalDurationS)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventItineraryCreated, pub.events[0].Type)

	total, err := svc.TotalCost(context.Background(), detail.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), total)
}

func TestServiceCreateValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateRequest{OwnerID: "u1", Name: "x", Items: []ItemRequest{{PlaceID: "nope"}}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{OwnerID: "u1", Name: "x", Items: []ItemRequest{{PlaceID: "museum", TransportMode: "boat"}}})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{OwnerID: "", Name: "x"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = svc.Create(ctx, CreateRequest{OwnerID: "u1", Name: "   "})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestServiceCreateEmptyItinerary(t *testing.T) {
	svc, _, _ := newTestService(t)
	detail, err := svc.Create(context.Background(), CreateRequest{OwnerID: "u1", Name: "Empty"})
	require.NoError(t, err)
	assert.Zero(t, detail.TotalCost)
	assert.Len(t, detail.ShareCode, 12)
	assert.Empty(t, detail.Items)
}

func TestServiceRetriesShareCodeCollision(t *testing.T) {
	mem := NewMemoryStore()
	store := &collidingStore{MemoryStore: mem, failures: 2}
	svc := NewService(store, mem, NewCostModel(walkEstimator(), 1), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	detail, err := svc.Create(context.Background(), CreateRequest{OwnerID: "u1", Name: "Retry"})
	require.NoError(t, err)
	assert.Len(t, detail.ShareCode, 12)

	store.failures = shareCodeAttempts
	_, err = svc.Create(context.Background(), CreateRequest{OwnerID: "u1", Name: "Retry"})
	assert.ErrorIs(t, err, ErrShareCodeTaken)
}

func TestServiceVisibility(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	private, err := svc.Create(ctx, CreateRequest{OwnerID: "owner", Name: "Private"})
	require.NoError(t, err)
	public, err := svc.Create(ctx, CreateRequest{OwnerID: "owner", Name: "Public", IsPublic: true})
	require.NoError(t, err)

	_, err = svc.Get(ctx, private.ID, "owner")
	assert.NoError(t, err)
	_, err = svc.Get(ctx, private.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Get(ctx, private.ID, "")
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = svc.Get(ctx, public.ID, "")
	assert.NoError(t, err)
	_, err = svc.Get(ctx, "missing", "owner")
	assert.ErrorIs(t, err, ErrNotFound)

	byCode, err := svc.GetByShareCode(ctx, private.ShareCode)
	require.NoError(t, err)
	assert.Equal(t, private.ID, byCode.ID)
	_, err = svc.GetByShareCode(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestShareCodeAssignedOnce(t *testing.T) {
	it := &Itinerary{}
	it.AssignShareCode()
	code := it.ShareCode
	it.AssignShareCode()
	assert.Equal(t, code, it.ShareCode)
	assert.Len(t, code, 12)
}

func TestMemoryCandidates(t *testing.T) {
	store := NewMemoryStore()
	store.PutPlace(Place{ID: "1", Category: "museum", Lat: ptr(1.0), Lng: ptr(1.0)})
	store.PutPlace(Place{ID: "2", Category: "bar", Lat: ptr(1.0), Lng: ptr(1.0)})
	store.PutPlace(Place{ID: "3", Category: "museum"})
	store.PutPlace(Place{ID: "4", Category: "park", Lat: ptr(1.0), Lng: ptr(1.0)})

	got, err := store.ListCandidates(context.Background(), CandidateFilter{ExcludeCategories: []string{"bar"}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "4", got[0].ID)
	assert.Equal(t, "1", got[1].ID)

	got, err = store.ListCandidates(context.Background(), CandidateFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
