package presence

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// RedisRegistry is the production Registry: TTLs are enforced by Redis
// so a crashed process leaves nothing stale behind.
type RedisRegistry struct {
	client      *redis.Client
	locationTTL time.Duration
	routeTTL    time.Duration
}

func NewRedisRegistry(client *redis.Client, locationTTL time.Duration) *RedisRegistry {
	if locationTTL <= 0 {
		locationTTL = DefaultLocationTTL
	}
	return &RedisRegistry{client: client, locationTTL: locationTTL, routeTTL: DefaultRouteTTL}
}

func (r *RedisRegistry) RegisterConnection(ctx context.Context, connID string, id models.Identity) error {
	info := ConnInfo{Identity: id, ConnectedAt: time.Now().UTC()}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, connKey(connID), b, r.routeTTL).Err(); err != nil {
		return err
	}
	return r.client.Set(ctx, "presence:route:"+routeKey(id.Role, id.ID), connID, r.routeTTL).Err()
}

func (r *RedisRegistry) UnregisterConnection(ctx context.Context, connID string) error {
	raw, err := r.client.Get(ctx, connKey(connID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	var info ConnInfo
	if err := json.Unmarshal([]byte(raw), &info); err == nil {
		route := "presence:route:" + routeKey(info.Identity.Role, info.Identity.ID)
		// only drop the route if it still points at this connection
		if cur, err := r.client.Get(ctx, route).Result(); err == nil && cur == connID {
			_ = r.client.Del(ctx, route).Err()
		}
	}
	return r.client.Del(ctx, connKey(connID)).Err()
}

func (r *RedisRegistry) ConnectionFor(ctx context.Context, id models.Identity) (string, bool, error) {
	connID, err := r.client.Get(ctx, "presence:route:"+routeKey(id.Role, id.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return connID, true, nil
}

func (r *RedisRegistry) CacheLocation(ctx context.Context, role models.Role, tripID string, loc models.Coord, accuracy float64) error {
	entry := CachedLocation{Loc: loc, Accuracy: accuracy, At: time.Now().UTC(), Role: role}
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, "presence:loc:"+locKey(role, tripID), b, r.locationTTL).Err()
}

func (r *RedisRegistry) Location(ctx context.Context, role models.Role, tripID string) (*CachedLocation, error) {
	if e, err := r.getLocation(ctx, role, tripID); err != nil || e != nil {
		return e, err
	}
	for _, other := range fallbackRoles {
		if other == role {
			continue
		}
		e, err := r.getLocation(ctx, other, tripID)
		if err != nil {
			return nil, err
		}
		if e != nil {
			e.Fallback = true
			return e, nil
		}
	}
	return nil, nil
}

func (r *RedisRegistry) getLocation(ctx context.Context, role models.Role, tripID string) (*CachedLocation, error) {
	raw, err := r.client.Get(ctx, "presence:loc:"+locKey(role, tripID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e CachedLocation
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func connKey(connID string) string { return "presence:conn:" + connID }
