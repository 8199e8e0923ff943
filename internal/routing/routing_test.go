package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func defaultConfig() Config {
	return Config{
		Timeout:      time.Second,
		CacheTTL:     time.Hour,
		TaxiBase:     10000,
		TaxiPerKM:    14000,
		TaxiSpeedKMH: 25,
		BikeBase:     3000,
		BikePerKM:    7000,
		BikeSpeedKMH: 22,
		WalkSpeedKMH: 4.5,
	}
}

type providerFunc func(ctx context.Context, from, to Point, vehicle string) (int64, int64, error)

func (f providerFunc) Distance(ctx context.Context, from, to Point, vehicle string) (int64, int64, error) {
	return f(ctx, from, to, vehicle)
}

type mapCache struct {
	mu   sync.Mutex
	data map[string][2]int64
}

func (c *mapCache) Get(_ context.Context, from, to Point, vehicle string) (int64, int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[vehicle+from.String()+to.String()]
	return v[0], v[1], ok, nil
}

func (c *mapCache) Set(_ context.Context, from, to Point, vehicle string, d, t int64, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[vehicle+from.String()+to.String()] = [2]int64{d, t}
	return nil
}

var (
	_ DistanceProvider = (*GoongClient)(nil)
	_ Cache            = (*RedisCache)(nil)
	_ Cache            = (*mapCache)(nil)
)

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeWalk, false},
		{"TAXI", ModeTaxi, false},
		{" bike ", ModeBike, false},
		{"walk", ModeWalk, false},
		{"plane", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}

	assert.Equal(t, "car", ModeTaxi.Vehicle())
	assert.Equal(t, "motorcycle", ModeBike.Vehicle())
	assert.Equal(t, "foot", ModeWalk.Vehicle())
}

func TestProfileCost(t *testing.T) {
	p := DefaultProfiles()
	assert.Equal(t, int64(38000), p.For(ModeTaxi).Cost(2000))
	assert.Equal(t, int64(13500), p.For(ModeBike).Cost(1500))
	assert.Equal(t, int64(0), p.For(ModeWalk).Cost(12345))
	// half a dong rounds away from zero
	assert.Equal(t, int64(3004), Profile{Base: 3000, PerKM: 7}.Cost(500))
	assert.Equal(t, p.For(ModeWalk), p.For("hovercraft"))
}

func TestProfileDuration(t *testing.T) {
	walk := DefaultProfiles().For(ModeWalk)
	assert.Equal(t, int64(1600), walk.Duration(2000))
	assert.Equal(t, int64(0), walk.Duration(0))

	taxi := DefaultProfiles().For(ModeTaxi)
	assert.Equal(t, int64(math.Round(5000/(25/3.6))), taxi.Duration(5000))
}

func TestConfigProfilesDefaultsZeroSpeed(t *testing.T) {
	cfg := defaultConfig()
	cfg.BikeSpeedKMH = 0
	assert.Equal(t, 22.0, cfg.Profiles().For(ModeBike).SpeedKMH)
}

func TestHaversine(t *testing.T) {
	a := Point{Lat: 10.7769, Lng: 106.7009}
	assert.Equal(t, 0.0, HaversineM(a, a))

	// one degree of latitude along a meridian
	d := HaversineM(Point{Lat: 0, Lng: 0}, Point{Lat: 1, Lng: 0})
	assert.InDelta(t, 111194.9, d, 0.1)
	assert.InDelta(t, d, HaversineM(Point{Lat: 1, Lng: 0}, Point{Lat: 0, Lng: 0}), 1e-9)
}

func TestEstimatorFallsBackOnProviderFailure(t *testing.T) {
	failing := providerFunc(func(context.Context, Point, Point, string) (int64, int64, error) {
		return 0, 0, errors.New("provider down")
	})
	est := NewEstimator(defaultConfig(), failing, nil, discardLogger())

	pairs := [][2]Point{
		{{Lat: 10.7769, Lng: 106.7009}, {Lat: 10.7626, Lng: 106.6602}},
		{{Lat: 21.0285, Lng: 105.8542}, {Lat: 21.0368, Lng: 105.8347}},
		{{Lat: 16.0544, Lng: 108.2022}, {Lat: 16.0544, Lng: 108.2022}},
	}
	for _, mode := range []Mode{ModeWalk, ModeBike, ModeTaxi} {
		for _, pair := range pairs {
			leg := est.Estimate(context.Background(), pair[0], pair[1], mode)
			wantDist := int64(math.Round(HaversineM(pair[0], pair[1])))
			speed := est.Profiles().For(mode).SpeedKMH

			assert.True(t, leg.Fallback)
			assert.Equal(t, wantDist, leg.DistanceM)
			assert.Equal(t, int64(math.Round(float64(wantDist)/(speed/3.6))), leg.DurationS)
			assert.Equal(t, est.Profiles().For(mode).Cost(wantDist), leg.Cost)
		}
	}
}

func TestEstimatorUsesProviderAndCache(t *testing.T) {
	calls := 0
	provider := providerFunc(func(_ context.Context, _, _ Point, vehicle string) (int64, int64, error) {
		calls++
		assert.Equal(t, "car", vehicle)
		return 3200, 540, nil
	})
	cache := &mapCache{data: map[string][2]int64{}}
	est := NewEstimator(defaultConfig(), provider, cache, discardLogger())

	from, to := Point{Lat: 10.1, Lng: 106.1}, Point{Lat: 10.2, Lng: 106.2}
	for i := 0; i < 3; i++ {
		leg := est.Estimate(context.Background(), from, to, ModeTaxi)
		assert.Equal(t, Leg{DistanceM: 3200, DurationS: 540, Cost: 54800}, leg)
	}
	assert.Equal(t, 1, calls)
}

func TestEstimatorFallsBackOnZeroRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "car", r.URL.Query().Get("vehicle"))
		_, _ = w.Write([]byte(`{"rows":[{"elements":[{"status":"OK","distance":{"value":0},"duration":{"value":0}}]}]}`))
	}))
	defer srv.Close()

	cfg := defaultConfig()
	cfg.GoongAPIKey = "key"
	cfg.GoongDistanceURL = srv.URL
	cache := &mapCache{data: map[string][2]int64{}}
	est := NewEstimator(cfg, NewGoongClient(srv.Client(), cfg), cache, discardLogger())

	from, to := Point{Lat: 10.7769, Lng: 106.7009}, Point{Lat: 10.7626, Lng: 106.6853}
	wantDist := int64(math.Round(HaversineM(from, to)))
	require.Greater(t, wantDist, int64(2000))

	leg := est.Estimate(context.Background(), from, to, ModeTaxi)
	assert.True(t, leg.Fallback)
	assert.Equal(t, wantDist, leg.DistanceM)
	assert.Positive(t, leg.DurationS)
	assert.Equal(t, est.Profiles().For(ModeTaxi).Cost(wantDist), leg.Cost)
	assert.Greater(t, leg.Cost, int64(10000))
	assert.Empty(t, cache.data)
}

func TestEstimatorWithoutProvider(t *testing.T) {
	est := NewEstimator(defaultConfig(), nil, nil, discardLogger())
	leg := est.Estimate(context.Background(), Point{Lat: 0, Lng: 0}, Point{Lat: 0.01, Lng: 0}, ModeWalk)
	assert.True(t, leg.Fallback)
	assert.Equal(t, int64(1112), leg.DistanceM)
}

func TestGoongClientDistance(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantDist int64
		wantDur  int64
		wantErr  bool
	}{
		{
			name:     "ok",
			status:   http.StatusOK,
			body:     `{"rows":[{"elements":[{"status":"OK","distance":{"text":"3.2 km","value":3210},"duration":{"text":"9 mins","value":541}}]}]}`,
			wantDist: 3210,
			wantDur:  541,
		},
		{name: "zero values", status: http.StatusOK, body: `{"rows":[{"elements":[{"status":"OK","distance":{"value":0},"duration":{"value":0}}]}]}`, wantErr: true},
		{name: "zero duration", status: http.StatusOK, body: `{"rows":[{"elements":[{"status":"OK","distance":{"value":1500},"duration":{"value":0}}]}]}`, wantErr: true},
		{name: "negative distance", status: http.StatusOK, body: `{"rows":[{"elements":[{"status":"OK","distance":{"value":-1},"duration":{"value":60}}]}]}`, wantErr: true},
		{name: "no route", status: http.StatusOK, body: `{"rows":[{"elements":[{"status":"ZERO_RESULTS"}]}]}`, wantErr: true},
		{name: "empty rows", status: http.StatusOK, body: `{"rows":[]}`, wantErr: true},
		{name: "http error", status: http.StatusForbidden, body: `{"error":"bad key"}`, wantErr: true},
		{name: "bad json", status: http.StatusOK, body: `{`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				assert.Equal(t, "10.000000,106.000000", q.Get("origins"))
				assert.Equal(t, "10.100000,106.100000", q.Get("destinations"))
				assert.Equal(t, "foot", q.Get("vehicle"))
				assert.Equal(t, "key", q.Get("api_key"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			cfg := defaultConfig()
			cfg.GoongAPIKey = "key"
			cfg.GoongDistanceURL = srv.URL
			client := NewGoongClient(srv.Client(), cfg)

			d, dur, err := client.Distance(context.Background(), Point{Lat: 10, Lng: 106}, Point{Lat: 10.1, Lng: 106.1}, "foot")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantDist, d)
			assert.Equal(t, tt.wantDur, dur)
		})
	}
}

func TestGoongClientTimeoutAndMissingKey(t *testing.T) {
	_, _, err := NewGoongClient(nil, defaultConfig()).Distance(context.Background(), Point{}, Point{}, "car")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	cfg := defaultConfig()
	cfg.GoongAPIKey = "key"
	cfg.GoongDistanceURL = srv.URL
	cfg.Timeout = 50 * time.Millisecond

	start := time.Now()
	_, _, err = NewGoongClient(srv.Client(), cfg).Distance(context.Background(), Point{}, Point{Lat: 1}, "car")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}
