package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	lastLoc  models.Coordinate
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, driverID string, loc models.Coordinate) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.lastLoc = loc
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, driverID string, recordedAt time.Time) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

var ping = models.LocationPing{DriverID: "d1", Location: models.Coordinate{Lat: 1, Lon: 2}, RecordedAt: time.Now()}

func TestUpdateRedisWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	start := time.Now()
	if err := updateRedisWithRetry(context.Background(), f, ping, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if f.lastLoc != ping.Location {
		t.Fatalf("wrong location written: %+v", f.lastLoc)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateRedisWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	if err := updateRedisWithRetry(context.Background(), f, ping, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateRedisWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeUpdater{failGeo: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := updateRedisWithRetry(ctx, f, ping, 3, time.Hour); err == nil {
		t.Fatal("expected error")
	}
	if f.geoCalls != 1 {
		t.Fatalf("expected a single attempt, got %d", f.geoCalls)
	}
}

func TestDecodePing(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"valid", `{"driver_id":"d1","location":{"lat":28.6,"lon":77.2},"recorded_at":"2024-01-01T00:00:00Z"}`, false},
		{"no timestamp", `{"driver_id":"d1","location":{"lat":28.6,"lon":77.2}}`, false},
		{"missing driver", `{"location":{"lat":28.6,"lon":77.2}}`, true},
		{"out of range", `{"driver_id":"d1","location":{"lat":128.6,"lon":77.2}}`, true},
		{"garbage", `not json`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := decodePing([]byte(tc.payload))
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if err == nil && p.RecordedAt.IsZero() {
				t.Fatal("recorded_at not defaulted")
			}
		})
	}
}

type fakeNearby struct {
	pingErr error
	radius  float64
	out     []models.DriverRecord
}

func (f *fakeNearby) Within(ctx context.Context, center models.Coordinate, radiusKm float64, limit int) ([]models.DriverRecord, error) {
	f.radius = radiusKm
	return f.out, nil
}

func (f *fakeNearby) Ping(ctx context.Context) error { return f.pingErr }

func TestOpsMux(t *testing.T) {
	loc := models.Coordinate{Lat: 1, Lon: 2}
	src := &fakeNearby{out: []models.DriverRecord{{DriverID: "d1", LastLocation: &loc}}}
	mux := newOpsMux(src, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/nearby?lat=1&lon=2&radius_km=3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("nearby: got %d", rec.Code)
	}
	var out []models.DriverRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil || len(out) != 1 || out[0].DriverID != "d1" {
		t.Fatalf("nearby body: %v %s", err, rec.Body)
	}
	if src.radius != 3 {
		t.Fatalf("radius: got %v", src.radius)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/drivers/nearby?lat=x", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad query: got %d", rec.Code)
	}

	src.pingErr = errors.New("down")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready: got %d", rec.Code)
	}
}
