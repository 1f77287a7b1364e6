package storage

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrConflict  = errors.New("status precondition failed")
	ErrDuplicate = errors.New("already exists")
)

// Change lists the fields a transition may write besides status. Zero
// values leave the stored field untouched.
type Change struct {
	DriverID string
	Fare     *float64
}

// Store is the persistence contract of the dispatch core. TransitionRide is
// a compare-and-swap on (id, from): it applies only when the stored status
// equals from, otherwise it returns ErrConflict (or ErrNotFound when the
// ride does not exist).
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	TransitionRide(ctx context.Context, id string, from, to models.RideStatus, ch Change) (*models.Ride, error)
	ListRidesByRider(ctx context.Context, riderID string) ([]models.Ride, error)

	DriverApproved(ctx context.Context, driverID string) (bool, error)
	SetDriverApproved(ctx context.Context, driverID string, approved bool) error
	GetDriverInfo(ctx context.Context, driverID string) (*models.DriverInfo, error)
	SaveVehicle(ctx context.Context, v *models.Vehicle) error

	CreateReview(ctx context.Context, rv *models.Review) error

	Ping(ctx context.Context) error
}
