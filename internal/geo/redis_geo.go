package geo

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridepool/internal/models"
)

// RedisIndex implements Places using Redis GEO commands on a single key.
type RedisIndex struct {
	client *redis.Client
	key    string
	radius float64
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = "pools:origins"
	}
	return &RedisIndex{client: client, key: key, radius: DefaultRadius}
}

func (r *RedisIndex) Put(ctx context.Context, poolID string, at models.Coord) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: at.Lon, Latitude: at.Lat, Name: poolID}).Err(); err != nil {
		return fmt.Errorf("geoadd %s: %w", poolID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, poolID string) error {
	return r.client.ZRem(ctx, r.key, poolID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, lat, lon float64, limit int) ([]Hit, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: r.radius, Unit: "m", WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil, fmt.Errorf("georadius: %w", err)
	}
	out := make([]Hit, 0, len(res))
	for _, g := range res {
		out = append(out, Hit{PoolID: g.Name, Distance: g.Dist})
	}
	return out, nil
}
