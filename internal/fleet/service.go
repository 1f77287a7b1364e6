// Package fleet covers the driver onboarding records the dispatch core reads:
// vehicle registration and approval.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

type Approvals interface {
	SetApproved(driverID string, approved bool)
}

type Service struct {
	store     storage.Store
	approvals Approvals
	now       func() time.Time
}

func NewService(store storage.Store, approvals Approvals) *Service {
	return &Service{store: store, approvals: approvals, now: time.Now}
}

func (s *Service) RegisterVehicle(ctx context.Context, v models.Vehicle) (*models.Vehicle, error) {
	v.Make = strings.TrimSpace(v.Make)
	v.Model = strings.TrimSpace(v.Model)
	v.LicensePlate = strings.ToUpper(strings.TrimSpace(v.LicensePlate))
	v.VehicleType = strings.TrimSpace(v.VehicleType)
	if v.DriverID == "" || v.Make == "" || v.Model == "" || v.LicensePlate == "" || v.VehicleType == "" || v.Year == 0 {
		return nil, fmt.Errorf("%w: all vehicle fields are required", ride.ErrValidation)
	}
	if v.Year < 1950 || v.Year > s.now().Year()+1 {
		return nil, fmt.Errorf("%w: year %d out of range", ride.ErrValidation, v.Year)
	}
	if err := s.store.SaveVehicle(ctx, &v); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, ride.ErrDuplicate
		}
		return nil, fmt.Errorf("%w: %v", ride.ErrUpstream, err)
	}
	return &v, nil
}

// SetApproval persists the decision first so the registry never advertises
// a driver the store does not consider approved.
func (s *Service) SetApproval(ctx context.Context, driverID string, approved bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver_id is required", ride.ErrValidation)
	}
	if err := s.store.SetDriverApproved(ctx, driverID, approved); err != nil {
		return fmt.Errorf("%w: %v", ride.ErrUpstream, err)
	}
	s.approvals.SetApproved(driverID, approved)
	return nil
}
