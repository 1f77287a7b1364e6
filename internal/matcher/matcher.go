package matcher

import (
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

const (
	RatePerKm = 20.0
	BaseFare  = 40.0
)

var ErrNoDriverAvailable = errors.New("no driver available")

// Match is the outcome of SelectDriver.
type Match struct {
	Driver     models.DriverRecord
	DistanceKm float64
	Fare       float64
}

// SelectDriver picks the candidate closest to pickup and quotes a fare.
//
// Ties go to the candidate that appears first in candidates, so callers that
// need reproducible results must pass a stable ordering. Candidates without a
// known location are ignored.
func SelectDriver(pickup models.Coordinate, candidates []models.DriverRecord) (Match, error) {
	best := -1
	bestDist := math.Inf(1)
	for i, c := range candidates {
		if c.LastLocation == nil {
			continue
		}
		if d := geo.DistanceKm(pickup, *c.LastLocation); d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return Match{}, ErrNoDriverAvailable
	}
	return Match{Driver: candidates[best], DistanceKm: bestDist, Fare: QuoteFare(bestDist)}, nil
}

// QuoteFare prices a distance at RatePerKm plus BaseFare, rounded to cents.
func QuoteFare(distanceKm float64) float64 {
	return round2(distanceKm*RatePerKm + BaseFare)
}

// FinalFare is the authoritative amount charged on completion: the
// pickup-to-destination distance priced like a quote.
func FinalFare(pickup, destination models.Coordinate) float64 {
	return QuoteFare(geo.DistanceKm(pickup, destination))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
