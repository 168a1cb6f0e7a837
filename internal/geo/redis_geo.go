package geo

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/dispatch-coordinator/internal/models"
)

// RedisGeo implements Geo using Redis GEO commands. Unit metadata
// (availability, operator, tags) rides alongside in a hash per unit.
type RedisGeo struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key, ctx: context.Background()}
}

func (r *RedisGeo) Upsert(u models.Unit) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: u.Loc.Lon, Latitude: u.Loc.Lat, Name: u.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(u.ID), map[string]interface{}{
		"availability": string(u.Availability),
		"operator_id":  u.OperatorID,
		"tags":         strings.Join(u.Tags, ","),
		"updated":      time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisGeo) Remove(unitID string) {
	_, _ = r.client.ZRem(r.ctx, r.key, unitID).Result()
	_ = r.client.Del(r.ctx, metaKey(unitID)).Err()
}

func (r *RedisGeo) Nearby(lat, lon float64, radiusM float64, limit int) []models.Unit {
	if radiusM <= 0 {
		radiusM = 5000
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radiusM, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Unit, 0, len(res))
	for _, g := range res {
		u := models.Unit{ID: g.Name}
		u.Loc.Lat = g.Latitude
		u.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			u.Availability = models.Availability(m["availability"])
			u.OperatorID = m["operator_id"]
			if v := m["tags"]; v != "" {
				u.Tags = strings.Split(v, ",")
			}
		}
		// the geo set may lag the authoritative store; only AVAILABLE
		// units are offered to requesters
		if u.Availability != models.UnitAvailable {
			continue
		}
		out = append(out, u)
	}
	return out
}

func metaKey(id string) string { return "unit:meta:" + id }
