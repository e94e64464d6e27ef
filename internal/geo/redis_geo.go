package geo

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const DefaultKey = "points:geo"

// RedisIndex wraps a Redis GEO sorted set.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	if key == "" {
		key = DefaultKey
	}
	return &RedisIndex{client: client, key: key}
}

// Set stores/updates point coordinates.
func (i *RedisIndex) Set(ctx context.Context, id string, lat, lon float64) error {
	return i.client.GeoAdd(ctx, i.key, &redis.GeoLocation{
		Name:      id,
		Longitude: lon,
		Latitude:  lat,
	}).Err()
}

// Remove removes a point from the geo index.
func (i *RedisIndex) Remove(ctx context.Context, id string) error {
	return i.client.ZRem(ctx, i.key, id).Err()
}

func (i *RedisIndex) Position(ctx context.Context, id string) (float64, float64, bool, error) {
	pos, err := i.client.GeoPos(ctx, i.key, id).Result()
	if err != nil {
		return 0, 0, false, err
	}
	if len(pos) == 0 || pos[0] == nil {
		return 0, 0, false, nil
	}
	return pos[0].Latitude, pos[0].Longitude, true, nil
}

// Within lists points within radius km, nearest first.
func (i *RedisIndex) Within(ctx context.Context, lat, lon, radiusKM float64) ([]Member, error) {
	results, err := i.client.GeoSearchLocation(ctx, i.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  lon,
			Latitude:   lat,
			Radius:     radiusKM,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Member, 0, len(results))
	for _, r := range results {
		out = append(out, Member{ID: r.Name, Latitude: r.Latitude, Longitude: r.Longitude, DistanceKM: r.Dist})
	}
	return out, nil
}
