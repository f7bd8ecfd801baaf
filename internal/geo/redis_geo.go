package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ridehail/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Position lives in
// a single GEO key; heading/speed/online/observed_at live in a per
// driver hash with a TTL slightly past the freshness window so Redis
// reclaims dead entries on its own.
type RedisGeo struct {
	client    *redis.Client
	key       string
	freshness time.Duration
	ctx       context.Context
}

func NewRedisGeo(addr, password, key string, freshness time.Duration) *RedisGeo {
	if freshness <= 0 {
		freshness = DefaultFreshness
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, freshness: freshness, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(p models.DriverPresence) bool {
	// last-writer-wins by observed_at: skip if the stored report is newer
	if v, err := r.client.HGet(r.ctx, metaKey(p.DriverID), "observed_at").Result(); err == nil {
		if cur, err := time.Parse(time.RFC3339Nano, v); err == nil && p.ObservedAt.Before(cur) {
			return false
		}
	}
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lon, Latitude: p.Loc.Lat, Name: p.DriverID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(p.DriverID), map[string]interface{}{
		"heading":     strconv.FormatFloat(p.Heading, 'f', -1, 64),
		"speed":       strconv.FormatFloat(p.Speed, 'f', -1, 64),
		"accuracy":    strconv.FormatFloat(p.Accuracy, 'f', -1, 64),
		"online":      strconv.FormatBool(p.Online),
		"observed_at": p.ObservedAt.Format(time.RFC3339Nano),
	}).Err()
	_ = r.client.Expire(r.ctx, metaKey(p.DriverID), r.freshness+time.Minute).Err()
	return true
}

func (r *RedisGeo) Remove(id string) {
	_ = r.client.ZRem(r.ctx, r.key, id).Err()
	_ = r.client.Del(r.ctx, metaKey(id)).Err()
}

func (r *RedisGeo) Nearby(center models.Coord, radiusKm float64, limit int) []models.DriverPresence {
	res, err := r.client.GeoSearchLocation(r.ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lon,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	cutoff := time.Now().Add(-r.freshness)
	out := make([]models.DriverPresence, 0, len(res))
	for _, g := range res {
		p := models.DriverPresence{DriverID: g.Name}
		p.Loc.Lat = g.Latitude
		p.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result()
		if err != nil || len(m) == 0 {
			// hash expired: entry is past freshness, drop the GEO member too
			_ = r.client.ZRem(r.ctx, r.key, g.Name).Err()
			continue
		}
		if v, ok := m["observed_at"]; ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				if ts.Before(cutoff) {
					continue
				}
				p.ObservedAt = ts
			}
		}
		p.Online = m["online"] == "true"
		if !p.Online {
			continue
		}
		if f, err := strconv.ParseFloat(m["heading"], 64); err == nil {
			p.Heading = f
		}
		if f, err := strconv.ParseFloat(m["speed"], 64); err == nil {
			p.Speed = f
		}
		if f, err := strconv.ParseFloat(m["accuracy"], 64); err == nil {
			p.Accuracy = f
		}
		out = append(out, p)
	}
	return out
}

// Snapshot dumps every stored presence. Used to seed an in-process
// index on cold start; entries whose metadata hash already expired are
// skipped.
func (r *RedisGeo) Snapshot() []models.DriverPresence {
	ids, err := r.client.ZRange(r.ctx, r.key, 0, -1).Result()
	if err != nil || len(ids) == 0 {
		return nil
	}
	pos, err := r.client.GeoPos(r.ctx, r.key, ids...).Result()
	if err != nil {
		return nil
	}
	out := make([]models.DriverPresence, 0, len(ids))
	for i, id := range ids {
		if i >= len(pos) || pos[i] == nil {
			continue
		}
		m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
		if err != nil || len(m) == 0 {
			continue
		}
		p := models.DriverPresence{DriverID: id}
		p.Loc.Lat = pos[i].Latitude
		p.Loc.Lon = pos[i].Longitude
		p.Online = m["online"] == "true"
		if ts, err := time.Parse(time.RFC3339Nano, m["observed_at"]); err == nil {
			p.ObservedAt = ts
		}
		if f, err := strconv.ParseFloat(m["heading"], 64); err == nil {
			p.Heading = f
		}
		if f, err := strconv.ParseFloat(m["speed"], 64); err == nil {
			p.Speed = f
		}
		if f, err := strconv.ParseFloat(m["accuracy"], 64); err == nil {
			p.Accuracy = f
		}
		out = append(out, p)
	}
	return out
}

func metaKey(id string) string { return "driver:presence:" + id }
