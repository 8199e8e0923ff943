// Package routing estimates the distance, duration and cost of travelling
// between two places.
package routing

import (
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Mode is a transport mode.
type Mode string

const (
	ModeWalk Mode = "walk"
	ModeBike Mode = "bike"
	ModeTaxi Mode = "taxi"
)

// ParseMode normalizes a transport mode. An empty value means walk.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeWalk, nil
	case ModeWalk, ModeBike, ModeTaxi:
		return m, nil
	default:
		return "", fmt.Errorf("unknown transport mode %q", s)
	}
}

// Vehicle returns the distance provider profile used for this mode.
func (m Mode) Vehicle() string {
	switch m {
	case ModeTaxi:
		return "car"
	case ModeBike:
		return "motorcycle"
	default:
		return "foot"
	}
}

// Profile is the fee table and speed for one transport mode.
type Profile struct {
	Base     int64   `json:"base"`
	PerKM    int64   `json:"per_km"`
	SpeedKMH float64 `json:"speed_kmh"`
}

// Cost returns round(base + per_km × km) for the given distance in metres.
func (p Profile) Cost(distanceM int64) int64 {
	km := decimal.NewFromInt(distanceM).Div(decimal.NewFromInt(1000))
	cost := decimal.NewFromInt(p.Base).Add(decimal.NewFromInt(p.PerKM).Mul(km))
	return cost.Round(0).IntPart()
}

// Duration returns round(distance / speed) in seconds.
func (p Profile) Duration(distanceM int64) int64 {
	if distanceM <= 0 {
		return 0
	}
	speed := p.SpeedKMH
	if speed < 0.1 {
		speed = 0.1
	}
	return int64(math.Round(float64(distanceM) / (speed / 3.6)))
}

// Profiles maps each mode to its profile.
type Profiles map[Mode]Profile

// DefaultProfiles returns the standard fee table.
func DefaultProfiles() Profiles {
	return Profiles{
		ModeTaxi: {Base: 10000, PerKM: 14000, SpeedKMH: 25},
		ModeBike: {Base: 3000, PerKM: 7000, SpeedKMH: 22},
		ModeWalk: {Base: 0, PerKM: 0, SpeedKMH: 4.5},
	}
}

// For returns the profile for a mode, falling back to walk.
func (p Profiles) For(m Mode) Profile {
	if prof, ok := p[m]; ok {
		return prof
	}
	return p[ModeWalk]
}
