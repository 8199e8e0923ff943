package routing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache caches provider distance results keyed by endpoints and vehicle.
type RedisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache creates a leg cache on top of a Redis client.
func NewRedisCache(rdb *redis.Client) *RedisCache {
	return &RedisCache{rdb: rdb, prefix: "leg:"}
}

type cachedDistance struct {
	DistanceM int64 `json:"d"`
	DurationS int64 `json:"t"`
}

func (c *RedisCache) key(from, to Point, vehicle string) string {
	return fmt.Sprintf("%s%s:%s:%s", c.prefix, vehicle, from, to)
}

// Get returns a cached distance and duration.
func (c *RedisCache) Get(ctx context.Context, from, to Point, vehicle string) (int64, int64, bool, error) {
	b, err := c.rdb.Get(ctx, c.key(from, to, vehicle)).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}

	var v cachedDistance
	if err := json.Unmarshal(b, &v); err != nil {
		return 0, 0, false, err
	}
	return v.DistanceM, v.DurationS, true, nil
}

// Set stores a provider result.
func (c *RedisCache) Set(ctx context.Context, from, to Point, vehicle string, distanceM, durationS int64, ttl time.Duration) error {
	b, err := json.Marshal(cachedDistance{DistanceM: distanceM, DurationS: durationS})
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, c.key(from, to, vehicle), b, ttl).Err()
}
