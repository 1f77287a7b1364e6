package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

type driverProfile struct {
	fullName string
	rating   float64
	approved bool
}

type reviewKey struct{ rideID, reviewerID string }

// MemoryStore is the process-local Store used when no database is configured
// and in tests. All operations are serialized by one mutex, which makes
// TransitionRide a true compare-and-swap.
type MemoryStore struct {
	mu       sync.RWMutex
	rides    map[string]*models.Ride
	drivers  map[string]*driverProfile
	vehicles map[string]*models.Vehicle
	plates   map[string]string
	reviews  map[reviewKey]models.Review
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:    make(map[string]*models.Ride),
		drivers:  make(map[string]*driverProfile),
		vehicles: make(map[string]*models.Vehicle),
		plates:   make(map[string]string),
		reviews:  make(map[reviewKey]models.Review),
		now:      time.Now,
	}
}

// PutDriver seeds a driver profile.
func (m *MemoryStore) PutDriver(driverID, fullName string, rating float64, approved bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drivers[driverID] = &driverProfile{fullName: fullName, rating: rating, approved: approved}
}

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrDuplicate
	}
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, ch Change) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	r.Status = to
	if ch.DriverID != "" {
		r.DriverID = ch.DriverID
	}
	if ch.Fare != nil {
		r.Fare = *ch.Fare
	}
	r.UpdatedAt = m.now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRidesByRider(ctx context.Context, riderID string) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.RiderID == riderID {
			out = append(out, *r)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DriverApproved(ctx context.Context, driverID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	return ok && p.approved, nil
}

func (m *MemoryStore) SetDriverApproved(ctx context.Context, driverID string, approved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.drivers[driverID]
	if !ok {
		p = &driverProfile{}
		m.drivers[driverID] = p
	}
	p.approved = approved
	return nil
}

func (m *MemoryStore) GetDriverInfo(ctx context.Context, driverID string) (*models.DriverInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return nil, ErrNotFound
	}
	info := &models.DriverInfo{FullName: p.fullName, AverageRating: p.rating}
	if v, ok := m.vehicles[driverID]; ok {
		cp := *v
		info.Vehicle = &cp
	}
	return info, nil
}

func (m *MemoryStore) SaveVehicle(ctx context.Context, v *models.Vehicle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vehicles[v.DriverID]; ok {
		return ErrDuplicate
	}
	if _, ok := m.plates[v.LicensePlate]; ok {
		return ErrDuplicate
	}
	cp := *v
	m.vehicles[v.DriverID] = &cp
	m.plates[v.LicensePlate] = v.DriverID
	return nil
}

func (m *MemoryStore) CreateReview(ctx context.Context, rv *models.Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := reviewKey{rv.RideID, rv.ReviewerID}
	if _, ok := m.reviews[k]; ok {
		return ErrDuplicate
	}
	m.reviews[k] = *rv
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
