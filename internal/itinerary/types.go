// Package itinerary assembles trip itineraries and derives their cost.
package itinerary

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"tripfund/internal/routing"
)

var (
	ErrNotFound   = errors.New("itinerary not found")
	ErrForbidden  = errors.New("itinerary is private")
	ErrValidation = errors.New("invalid itinerary")
)

const dateLayout = "2006-01-02"

// Date is a calendar day without a time zone.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(dateLayout)
}

// SameDay reports whether both dates are set and fall on the same day.
func SameDay(a, b *Date) bool {
	return a != nil && b != nil && a.Equal(b.Time)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Place is the catalog record consumed by the cost model.
type Place struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Category    string   `json:"category,omitempty"`
	Lat         *float64 `json:"latitude"`
	Lng         *float64 `json:"longitude"`
	TicketPrice *int64   `json:"ticket_price"`
}

// Point returns the place coordinates if both are known.
func (p Place) Point() (routing.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return routing.Point{}, false
	}
	return routing.Point{Lat: *p.Lat, Lng: *p.Lng}, true
}

// Ticket returns the configured ticket price, 0 when absent.
func (p Place) Ticket() int64 {
	if p.TicketPrice == nil || *p.TicketPrice < 0 {
		return 0
	}
	return *p.TicketPrice
}

// Item is one costed stop of an itinerary. The leg fields describe the
// trip from the previous item on the same day.
type Item struct {
	ID            string       `json:"id"`
	PlaceID       string       `json:"place"`
	PlaceName     string       `json:"place_name"`
	VisitDate     *Date        `json:"visit_date"`
	TransportMode routing.Mode `json:"transport_mode"`
	Sequence      int          `json:"order"`
	TicketCost    int64        `json:"ticket_cost_vnd"`
	LegDistanceM  int64        `json:"leg_distance_m"`
	LegDurationS  int64        `json:"leg_duration_s"`
	LegCost       int64        `json:"leg_cost_vnd"`
}

// Itinerary is a named, ordered set of items owned by one user.
type Itinerary struct {
	ID             string    `json:"id"`
	OwnerID        string    `json:"owner_id"`
	Name           string    `json:"name"`
	IsPublic       bool      `json:"is_public"`
	TotalCost      int64     `json:"total_cost"`
	TotalDurationS int64     `json:"total_duration_s"`
	ShareCode      string    `json:"share_code"`
	CreatedAt      time.Time `json:"created_at"`
	Items          []Item    `json:"-"`
}

// VisibleTo reports whether userID may read the itinerary.
func (it *Itinerary) VisibleTo(userID string) bool {
	return it.IsPublic || (userID != "" && userID == it.OwnerID)
}

// AssignShareCode sets a share code once. Later calls keep the existing code.
func (it *Itinerary) AssignShareCode() {
	if it.ShareCode != "" {
		return
	}
	it.ShareCode = NewShareCode()
}

// NewShareCode returns a 12 character opaque code.
func NewShareCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
