package routing

import "time"

// Config holds leg estimation settings. Built once at startup and passed to
// the estimator and the distance client.
type Config struct {
	GoongAPIKey      string        `envconfig:"GOONG_API_KEY"`
	GoongDistanceURL string        `envconfig:"GOONG_DISTANCE_URL" default:"https://rsapi.goong.io/DistanceMatrix"`
	Timeout          time.Duration `envconfig:"ROUTING_TIMEOUT" default:"6s"`
	CacheTTL         time.Duration `envconfig:"ROUTING_CACHE_TTL" default:"24h"`
	Concurrency      int           `envconfig:"ROUTING_CONCURRENCY" default:"4"`

	TaxiBase     int64   `envconfig:"TRANSPORT_TAXI_BASE" default:"10000"`
	TaxiPerKM    int64   `envconfig:"TRANSPORT_TAXI_PER_KM" default:"14000"`
	TaxiSpeedKMH float64 `envconfig:"TRANSPORT_TAXI_SPEED_KMH" default:"25"`
	BikeBase     int64   `envconfig:"TRANSPORT_BIKE_BASE" default:"3000"`
	BikePerKM    int64   `envconfig:"TRANSPORT_BIKE_PER_KM" default:"7000"`
	BikeSpeedKMH float64 `envconfig:"TRANSPORT_BIKE_SPEED_KMH" default:"22"`
	WalkBase     int64   `envconfig:"TRANSPORT_WALK_BASE" default:"0"`
	WalkPerKM    int64   `envconfig:"TRANSPORT_WALK_PER_KM" default:"0"`
	WalkSpeedKMH float64 `envconfig:"TRANSPORT_WALK_SPEED_KMH" default:"4.5"`
}

// Profiles builds the fee table from the config. Zero speeds fall back to the defaults.
func (c Config) Profiles() Profiles {
	p := Profiles{
		ModeTaxi: {Base: c.TaxiBase, PerKM: c.TaxiPerKM, SpeedKMH: c.TaxiSpeedKMH},
		ModeBike: {Base: c.BikeBase, PerKM: c.BikePerKM, SpeedKMH: c.BikeSpeedKMH},
		ModeWalk: {Base: c.WalkBase, PerKM: c.WalkPerKM, SpeedKMH: c.WalkSpeedKMH},
	}
	for mode, def := range DefaultProfiles() {
		if prof := p[mode]; prof.SpeedKMH <= 0 {
			prof.SpeedKMH = def.SpeedKMH
			p[mode] = prof
		}
	}
	return p
}
