package routing

import (
	"context"
	"log/slog"
	"math"
	"time"
)

// Leg is the estimated transit between two consecutive places.
type Leg struct {
	DistanceM int64 `json:"distance_m"`
	DurationS int64 `json:"duration_s"`
	Cost      int64 `json:"cost"`
	Fallback  bool  `json:"-"`
}

// DistanceProvider returns road distance and travel time between two points.
type DistanceProvider interface {
	Distance(ctx context.Context, from, to Point, vehicle string) (distanceM, durationS int64, err error)
}

// Cache stores provider results.
type Cache interface {
	Get(ctx context.Context, from, to Point, vehicle string) (distanceM, durationS int64, found bool, err error)
	Set(ctx context.Context, from, to Point, vehicle string, distanceM, durationS int64, ttl time.Duration) error
}

// Estimator produces a Leg for any pair of points. It never fails: when the
// provider is unavailable the great-circle distance and the mode's nominal
// speed are used instead. Cost is always computed from the local fee table.
type Estimator struct {
	provider DistanceProvider
	cache    Cache
	profiles Profiles
	cacheTTL time.Duration
	logger   *slog.Logger
}

// NewEstimator creates a leg estimator. provider and cache may be nil.
func NewEstimator(cfg Config, provider DistanceProvider, cache Cache, logger *slog.Logger) *Estimator {
	return &Estimator{
		provider: provider,
		cache:    cache,
		profiles: cfg.Profiles(),
		cacheTTL: cfg.CacheTTL,
		logger:   logger,
	}
}

// Profiles returns the fee table in use.
func (e *Estimator) Profiles() Profiles {
	return e.profiles
}

// Estimate returns the leg from one point to another.
func (e *Estimator) Estimate(ctx context.Context, from, to Point, mode Mode) Leg {
	profile := e.profiles.For(mode)

	distanceM, durationS, ok := e.lookup(ctx, from, to, mode.Vehicle())
	fallback := !ok
	if fallback {
		distanceM = int64(math.Round(HaversineM(from, to)))
		durationS = profile.Duration(distanceM)
	}

	return Leg{
		DistanceM: distanceM,
		DurationS: durationS,
		Cost:      profile.Cost(distanceM),
		Fallback:  fallback,
	}
}

func (e *Estimator) lookup(ctx context.Context, from, to Point, vehicle string) (int64, int64, bool) {
	if e.provider == nil {
		return 0, 0, false
	}

	if e.cache != nil {
		d, t, found, err := e.cache.Get(ctx, from, to, vehicle)
		if err != nil {
			e.logger.Warn("leg cache read failed", "error", err)
		} else if found {
			return d, t, true
		}
	}

	d, t, err := e.provider.Distance(ctx, from, to, vehicle)
	if err != nil {
		e.logger.Debug("leg estimate fell back to haversine",
			"from", from.String(),
			"to", to.String(),
			"vehicle", vehicle,
			"error", err,
		)
		return 0, 0, false
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, from, to, vehicle, d, t, e.cacheTTL); err != nil {
			e.logger.Warn("leg cache write failed", "error", err)
		}
	}
	return d, t, true
}
