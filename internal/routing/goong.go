package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when no distance provider key is configured.
var ErrNoAPIKey = errors.New("routing: distance provider api key not configured")

// GoongClient queries the Goong DistanceMatrix API.
type GoongClient struct {
	httpClient *http.Client
	endpoint   string
	apiKey     string
	timeout    time.Duration
}

// NewGoongClient constructs a distance matrix client.
func NewGoongClient(httpClient *http.Client, cfg Config) *GoongClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 6 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout + 2*time.Second}
	}
	return &GoongClient{
		httpClient: httpClient,
		endpoint:   cfg.GoongDistanceURL,
		apiKey:     cfg.GoongAPIKey,
		timeout:    timeout,
	}
}

type distanceMatrixResponse struct {
	Rows []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance *struct {
				Value float64 `json:"value"`
			} `json:"distance"`
			Duration *struct {
				Value float64 `json:"value"`
			} `json:"duration"`
		} `json:"elements"`
	} `json:"rows"`
}

// Distance returns the road distance (metres) and travel time (seconds)
// between two points for the given vehicle profile.
func (c *GoongClient) Distance(ctx context.Context, from, to Point, vehicle string) (int64, int64, error) {
	if c.apiKey == "" {
		return 0, 0, ErrNoAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("origins", from.String())
	params.Set("destinations", to.String())
	params.Set("vehicle", vehicle)
	params.Set("api_key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return 0, 0, fmt.Errorf("distance matrix: build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("distance matrix: do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return 0, 0, fmt.Errorf("distance matrix: http %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	var payload distanceMatrixResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, 0, fmt.Errorf("distance matrix: decode: %w", err)
	}
	if len(payload.Rows) == 0 || len(payload.Rows[0].Elements) == 0 {
		return 0, 0, errors.New("distance matrix: empty result")
	}

	el := payload.Rows[0].Elements[0]
	if el.Distance == nil || el.Duration == nil {
		return 0, 0, fmt.Errorf("distance matrix: no route (status=%s)", el.Status)
	}
	if el.Distance.Value <= 0 || el.Duration.Value <= 0 {
		return 0, 0, fmt.Errorf("distance matrix: non-positive route (distance=%v, duration=%v)", el.Distance.Value, el.Duration.Value)
	}

	return int64(el.Distance.Value), int64(el.Duration.Value), nil
}
