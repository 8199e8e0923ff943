package itinerary

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tripfund/internal/routing"
)

// LegEstimator estimates transit between two points.
type LegEstimator interface {
	Estimate(ctx context.Context, from, to routing.Point, mode routing.Mode) routing.Leg
}

// ItemInput is an uncosted itinerary stop.
type ItemInput struct {
	Place     Place
	VisitDate *Date
	Mode      routing.Mode
	Sequence  int
}

// Costing is the cost model output: items in visiting order with their
// legs filled in, plus totals.
type Costing struct {
	Items          []Item
	TotalCost      int64
	TotalDurationS int64
}

// CostModel orders items and prices the legs between same-day neighbours.
type CostModel struct {
	estimator   LegEstimator
	concurrency int
}

// NewCostModel creates a cost model. Leg estimates run with at most
// concurrency requests in flight.
func NewCostModel(estimator LegEstimator, concurrency int) *CostModel {
	if concurrency < 1 {
		concurrency = 1
	}
	return &CostModel{estimator: estimator, concurrency: concurrency}
}

type indexedInput struct {
	ItemInput
	pos int
}

// Order sorts inputs by visit date (undated first), then sequence, then
// original position.
func Order(inputs []ItemInput) []ItemInput {
	indexed := make([]indexedInput, len(inputs))
	for i, in := range inputs {
		indexed[i] = indexedInput{ItemInput: in, pos: i}
	}

	sort.SliceStable(indexed, func(i, j int) bool {
		a, b := indexed[i], indexed[j]
		switch {
		case a.VisitDate == nil && b.VisitDate != nil:
			return true
		case a.VisitDate != nil && b.VisitDate == nil:
			return false
		case a.VisitDate != nil && !a.VisitDate.Equal(b.VisitDate.Time):
			return a.VisitDate.Before(b.VisitDate.Time)
		case a.Sequence != b.Sequence:
			return a.Sequence < b.Sequence
		}
		return a.pos < b.pos
	})

	out := make([]ItemInput, len(indexed))
	for i, in := range indexed {
		out[i] = in.ItemInput
	}
	return out
}

// Compute orders the inputs and prices every item.
func (m *CostModel) Compute(ctx context.Context, inputs []ItemInput) (*Costing, error) {
	ordered := Order(inputs)
	items := make([]Item, len(ordered))

	for i, in := range ordered {
		mode := in.Mode
		if mode == "" {
			mode = routing.ModeWalk
		}
		items[i] = Item{
			PlaceID:       in.Place.ID,
			PlaceName:     in.Place.Name,
			VisitDate:     in.VisitDate,
			TransportMode: mode,
			Sequence:      in.Sequence,
			TicketCost:    in.Place.Ticket(),
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)

	for i := 1; i < len(ordered); i++ {
		prev, cur := ordered[i-1], ordered[i]
		if !SameDay(prev.VisitDate, cur.VisitDate) {
			continue
		}
		from, ok := prev.Place.Point()
		if !ok {
			continue
		}
		to, ok := cur.Place.Point()
		if !ok {
			continue
		}

		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			leg := m.estimator.Estimate(gctx, from, to, items[i].TransportMode)
			items[i].LegDistanceM = leg.DistanceM
			items[i].LegDurationS = leg.DurationS
			items[i].LegCost = leg.Cost
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	costing := &Costing{Items: items}
	for _, it := range items {
		costing.TotalCost += it.TicketCost + it.LegCost
		costing.TotalDurationS += it.LegDurationS
	}
	return costing, nil
}

// CostLine is one row of the ticket cost breakdown.
type CostLine struct {
	PlaceID    string `json:"place_id"`
	PlaceName  string `json:"place_name"`
	VisitDate  *Date  `json:"visit_date"`
	TicketCost int64  `json:"ticket_cost_vnd"`
}

// TransportLine is one same-day leg in the transport breakdown.
type TransportLine struct {
	Date          string       `json:"date"`
	FromPlaceID   string       `json:"from_place_id"`
	FromPlaceName string       `json:"from_place_name"`
	ToPlaceID     string       `json:"to_place_id"`
	ToPlaceName   string       `json:"to_place_name"`
	Mode          routing.Mode `json:"mode"`
	DistanceKM    float64      `json:"distance_km"`
	DurationMin   float64      `json:"duration_min"`
	LegCost       int64        `json:"leg_cost_vnd"`
}

// Summary totals the breakdowns.
type Summary struct {
	TicketTotal       int64   `json:"ticket_total_vnd"`
	TransportTotal    int64   `json:"transport_total_vnd"`
	TravelDurationMin float64 `json:"travel_duration_min"`
}

// Detail is the presentation view of an itinerary.
type Detail struct {
	*Itinerary
	Items              []Item          `json:"items_detail"`
	CostBreakdown      []CostLine      `json:"cost_breakdown"`
	TransportBreakdown []TransportLine `json:"transport_breakdown"`
	Summary            Summary         `json:"summary"`
}

// NewDetail derives the breakdown views from already ordered, costed items.
func NewDetail(it *Itinerary) *Detail {
	d := &Detail{
		Itinerary:          it,
		Items:              it.Items,
		CostBreakdown:      make([]CostLine, 0, len(it.Items)),
		TransportBreakdown: []TransportLine{},
	}
	if d.Items == nil {
		d.Items = []Item{}
	}

	for i, item := range it.Items {
		d.CostBreakdown = append(d.CostBreakdown, CostLine{
			PlaceID:    item.PlaceID,
			PlaceName:  item.PlaceName,
			VisitDate:  item.VisitDate,
			TicketCost: item.TicketCost,
		})
		d.Summary.TicketTotal += item.TicketCost
		d.Summary.TransportTotal += item.LegCost

		if i == 0 || !SameDay(it.Items[i-1].VisitDate, item.VisitDate) || item.LegDistanceM == 0 {
			continue
		}
		prev := it.Items[i-1]
		d.TransportBreakdown = append(d.TransportBreakdown, TransportLine{
			Date:          item.VisitDate.String(),
			FromPlaceID:   prev.PlaceID,
			FromPlaceName: prev.PlaceName,
			ToPlaceID:     item.PlaceID,
			ToPlaceName:   item.PlaceName,
			Mode:          item.TransportMode,
			DistanceKM:    roundTo(decimal.NewFromInt(item.LegDistanceM).Div(decimal.NewFromInt(1000)), 3),
			DurationMin:   roundTo(decimal.NewFromInt(item.LegDurationS).Div(decimal.NewFromInt(60)), 1),
			LegCost:       item.LegCost,
		})
	}

	d.Summary.TravelDurationMin = roundTo(decimal.NewFromInt(it.TotalDurationS).Div(decimal.NewFromInt(60)), 1)
	return d
}

func roundTo(d decimal.Decimal, places int32) float64 {
	return d.Round(places).InexactFloat64()
}
