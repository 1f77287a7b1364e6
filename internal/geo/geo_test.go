package geo

import (
	"math"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func TestDistanceZero(t *testing.T) {
	p := models.Coordinate{Lat: 28.6139, Lon: 77.2090}
	if d := DistanceKm(p, p); d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKnownPairs(t *testing.T) {
	cases := []struct {
		name string
		a, b models.Coordinate
		want float64
		tol  float64
	}{
		{"delhi", models.Coordinate{Lat: 28.6139, Lon: 77.2090}, models.Coordinate{Lat: 28.7000, Lon: 77.3000}, 13.058, 0.01},
		{"one degree of longitude on the equator", models.Coordinate{}, models.Coordinate{Lon: 1}, 111.19, 0.01},
		{"antipodal", models.Coordinate{}, models.Coordinate{Lon: 180}, math.Pi * EarthRadiusKm, 0.001},
	}
	for _, tc := range cases {
		got := DistanceKm(tc.a, tc.b)
		if math.Abs(got-tc.want) > tc.tol {
			t.Errorf("%s: got %.4f want %.4f", tc.name, got, tc.want)
		}
	}
}

func TestDistanceSymmetric(t *testing.T) {
	a := models.Coordinate{Lat: 51.5, Lon: -0.12}
	b := models.Coordinate{Lat: 48.85, Lon: 2.35}
	if math.Abs(DistanceKm(a, b)-DistanceKm(b, a)) > 1e-9 {
		t.Fatalf("distance not symmetric")
	}
}
