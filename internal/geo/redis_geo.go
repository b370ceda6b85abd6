package geo

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/field-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisIndex implements Index using Redis GEO commands. Worker metadata
// (rating, shift, specialties) lives in a hash next to the geo set.
type RedisIndex struct {
	client *redis.Client
	key    string
	ctx    context.Context
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisIndex{client: c, key: key, ctx: context.Background()}
}

func (r *RedisIndex) Upsert(w models.Worker) {
	_, _ = r.client.GeoAdd(r.ctx, r.key, &redis.GeoLocation{Longitude: w.Loc.Lon, Latitude: w.Loc.Lat, Name: w.ID}).Result()
	_ = r.client.HSet(r.ctx, metaKey(w.ID), map[string]interface{}{
		"rating":      fmt.Sprintf("%f", w.Rating),
		"on_shift":    strconv.FormatBool(w.OnShift),
		"specialties": strings.Join(w.Specialties, ","),
		"updated":     time.Now().Format(time.RFC3339),
	}).Err()
}

func (r *RedisIndex) Get(id string) (models.Worker, bool) {
	m, err := r.client.HGetAll(r.ctx, metaKey(id)).Result()
	if err != nil || len(m) == 0 {
		return models.Worker{}, false
	}
	w := models.Worker{ID: id}
	applyMeta(&w, m)
	if pos, err := r.client.GeoPos(r.ctx, r.key, id).Result(); err == nil && len(pos) == 1 && pos[0] != nil {
		w.Loc.Lat = pos[0].Latitude
		w.Loc.Lon = pos[0].Longitude
	}
	return w, true
}

func (r *RedisIndex) Nearby(lat, lon, radiusM float64, limit int) []models.Worker {
	radius := radiusM
	if radius <= 0 {
		// GEORADIUS needs a finite radius; half the Earth's
		// circumference covers every member
		radius = 20_037_000
	}
	res, err := r.client.GeoRadius(r.ctx, r.key, lon, lat, &redis.GeoRadiusQuery{Radius: radius, Unit: "m", WithCoord: true, WithDist: true, Count: limit, Sort: "ASC"}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Worker, 0, len(res))
	for _, g := range res {
		w := models.Worker{ID: g.Name}
		w.Loc.Lat = g.Latitude
		w.Loc.Lon = g.Longitude
		if m, err := r.client.HGetAll(r.ctx, metaKey(g.Name)).Result(); err == nil {
			applyMeta(&w, m)
		}
		out = append(out, w)
	}
	return out
}

func applyMeta(w *models.Worker, m map[string]string) {
	if v, ok := m["rating"]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			w.Rating = f
		}
	}
	if v, ok := m["on_shift"]; ok {
		w.OnShift = (v == "true")
	}
	if v, ok := m["specialties"]; ok && v != "" {
		w.Specialties = strings.Split(v, ",")
	}
}

func metaKey(id string) string { return "worker:meta:" + id }
