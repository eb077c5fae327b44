package geo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index on Redis GEO commands. The key is the
// namespace for one resource kind, e.g. "ambulances_geo" or
// "hospitals_geo".
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, id string, lon, lat float64) error {
	if err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: lon, Latitude: lat, Name: id}).Err(); err != nil {
		return err
	}
	// metadata hash lets operators inspect freshness without the durable store
	return r.client.HSet(ctx, metaKey(r.key, id), map[string]interface{}{
		"updated": time.Now().UTC().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, id string) error {
	if err := r.client.ZRem(ctx, r.key, id).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, metaKey(r.key, id)).Err()
}

func (r *RedisIndex) SearchNear(ctx context.Context, lon, lat, radiusKm float64, limit int) ([]Candidate, error) {
	res, err := r.client.GeoRadius(ctx, r.key, lon, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    limit,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(res))
	for _, g := range res {
		out = append(out, Candidate{ID: g.Name, DistanceM: g.Dist * 1000})
	}
	// Redis sorts by distance only; re-sort for the id tie-break.
	SortCandidates(out)
	return out, nil
}

func metaKey(ns, id string) string { return ns + ":meta:" + id }
