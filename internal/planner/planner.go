// Package planner builds itineraries automatically from catalog places.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"

	"tripfund/internal/itinerary"
	"tripfund/internal/routing"
)

const (
	defaultName  = "Lịch trình tự động từ gợi ý"
	defaultLimit = 60
	maxDays      = 60
)

var (
	ErrInvalidRequest = errors.New("invalid plan request")
	ErrNoCandidates   = errors.New("not enough places to build an itinerary")
)

// Creator stores a priced itinerary.
type Creator interface {
	CreateFromInputs(ctx context.Context, ownerID, name string, isPublic bool, inputs []itinerary.ItemInput) (*itinerary.Detail, error)
}

// Request describes an automatic plan.
type Request struct {
	OwnerID           string
	Name              string
	StartDate         itinerary.Date
	EndDate           itinerary.Date
	NPlaces           int
	Start             *routing.Point
	Mode              routing.Mode
	ExcludeCategories []string
	Limit             int
}

// Planner picks places, spreads them over the trip days and orders each day.
type Planner struct {
	places  itinerary.PlaceCatalog
	creator Creator
	logger  *slog.Logger
}

// New creates a planner.
func New(places itinerary.PlaceCatalog, creator Creator, logger *slog.Logger) *Planner {
	return &Planner{places: places, creator: creator, logger: logger}
}

// Plan builds and stores an itinerary.
func (p *Planner) Plan(ctx context.Context, req Request) (*itinerary.Detail, error) {
	if req.EndDate.Before(req.StartDate.Time) {
		return nil, fmt.Errorf("%w: end_date must not be before start_date", ErrInvalidRequest)
	}
	if req.NPlaces <= 0 {
		return nil, fmt.Errorf("%w: n_places must be positive", ErrInvalidRequest)
	}
	days := dateRange(req.StartDate, req.EndDate)
	if len(days) > maxDays {
		return nil, fmt.Errorf("%w: trip longer than %d days", ErrInvalidRequest, maxDays)
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = defaultName
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = routing.ModeWalk
	}

	candidates, err := p.places.ListCandidates(ctx, itinerary.CandidateFilter{
		ExcludeCategories: req.ExcludeCategories,
		Limit:             limit * 3,
	})
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}

	if req.Start != nil {
		start := *req.Start
		sort.SliceStable(candidates, func(i, j int) bool {
			return distanceFrom(start, candidates[i]) < distanceFrom(start, candidates[j])
		})
	}
	if len(candidates) > req.NPlaces {
		candidates = candidates[:req.NPlaces]
	}
	if len(candidates) == 0 {
		return nil, ErrNoCandidates
	}

	var inputs []itinerary.ItemInput
	next, seq := 0, 0
	for i, take := range splitAcross(len(candidates), len(days)) {
		group := candidates[next : next+take]
		next += take
		if req.Start != nil {
			group = NearestNeighbour(*req.Start, group)
		}
		for _, place := range group {
			seq++
			inputs = append(inputs, itinerary.ItemInput{
				Place:     place,
				VisitDate: &days[i],
				Mode:      mode,
				Sequence:  seq,
			})
		}
	}

	p.logger.Info("auto plan built",
		"owner_id", req.OwnerID,
		"days", len(days),
		"places", len(inputs),
		"mode", mode,
	)

	return p.creator.CreateFromInputs(ctx, req.OwnerID, name, false, inputs)
}

// NearestNeighbour orders places greedily, always visiting the closest
// remaining place next, starting from start.
func NearestNeighbour(start routing.Point, places []itinerary.Place) []itinerary.Place {
	remaining := append([]itinerary.Place(nil), places...)
	ordered := make([]itinerary.Place, 0, len(places))
	cur := start

	for len(remaining) > 0 {
		best, bestD := 0, math.Inf(1)
		for i, pl := range remaining {
			if d := distanceFrom(cur, pl); d < bestD {
				best, bestD = i, d
			}
		}
		chosen := remaining[best]
		ordered = append(ordered, chosen)
		if pt, ok := chosen.Point(); ok {
			cur = pt
		}
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return ordered
}

func distanceFrom(from routing.Point, pl itinerary.Place) float64 {
	pt, ok := pl.Point()
	if !ok {
		return math.Inf(1)
	}
	return routing.HaversineM(from, pt)
}

func dateRange(start, end itinerary.Date) []itinerary.Date {
	var days []itinerary.Date
	for d := start.Time; !d.After(end.Time) && len(days) <= maxDays; d = d.AddDate(0, 0, 1) {
		days = append(days, itinerary.NewDate(d))
	}
	return days
}

// splitAcross divides n places over the given number of days, giving the
// remainder to the earliest days.
func splitAcross(n, days int) []int {
	if days <= 0 {
		return nil
	}
	counts := make([]int, days)
	for i := range counts {
		counts[i] = n / days
		if i < n%days {
			counts[i]++
		}
	}
	return counts
}
