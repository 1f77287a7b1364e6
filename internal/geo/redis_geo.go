package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror keeps a Redis GEO copy of driver positions fed from the
// location stream. It is a read model for external consumers; matching
// reads the in-process registry.
type RedisMirror struct {
	client *redis.Client
	key    string
}

func NewRedisMirror(client *redis.Client, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key}
}

func (r *RedisMirror) GeoAdd(ctx context.Context, driverID string, loc models.Coordinate) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID}).Err()
}

func (r *RedisMirror) HSet(ctx context.Context, driverID string, recordedAt time.Time) error {
	return r.client.HSet(ctx, metaKey(driverID), map[string]interface{}{
		"updated": recordedAt.UTC().Format(time.RFC3339),
	}).Err()
}

// Within lists mirrored drivers within radiusKm of center, nearest first.
func (r *RedisMirror) Within(ctx context.Context, center models.Coordinate, radiusKm float64, limit int) ([]models.DriverRecord, error) {
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, &redis.GeoRadiusQuery{
		Radius: radiusKm, Unit: "km", WithCoord: true, Count: limit, Sort: "ASC",
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]models.DriverRecord, 0, len(res))
	for _, g := range res {
		loc := models.Coordinate{Lat: g.Latitude, Lon: g.Longitude}
		rec := models.DriverRecord{DriverID: g.Name, LastLocation: &loc}
		if m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result(); err == nil {
			if ts, err := time.Parse(time.RFC3339, m["updated"]); err == nil {
				rec.Updated = ts
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r *RedisMirror) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func metaKey(id string) string { return "driver:meta:" + id }

// FormatCoord renders a coordinate the way cache keys expect.
func FormatCoord(c models.Coordinate) string {
	return strconv.FormatFloat(c.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(c.Lon, 'f', 6, 64)
}
