// Package ride owns the ride lifecycle: creation, the guarded status
// transitions, and the notifications each transition emits.
package ride

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Publisher delivers an event to a topic.
type Publisher interface {
	Publish(topic string, ev models.Event) int
}

// Drivers is the part of the driver registry the lifecycle needs.
type Drivers interface {
	ListAvailable(near models.Coordinate) []models.DriverRecord
	Get(driverID string) (models.DriverRecord, bool)
	BindRide(driverID, rideID, riderID string)
	ReleaseRide(driverID, rideID string)
}

// AuditSink receives a copy of every ride after a successful transition.
type AuditSink interface {
	PublishRideEvent(ctx context.Context, r models.Ride) error
}

type Service struct {
	store   storage.Store
	bus     Publisher
	drivers Drivers

	ETA    *eta.Estimator
	Audit  AuditSink
	Logger *slog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store storage.Store, bus Publisher, drivers Drivers) *Service {
	return &Service{
		store:   store,
		bus:     bus,
		drivers: drivers,
		Logger:  slog.Default(),
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

type CreateCommand struct {
	RiderID     string
	Pickup      models.Coordinate
	Destination models.Coordinate
	// DriverID pins the ride to a driver and skips matching.
	DriverID string
	// Fare is the client's quote for a pinned driver; ignored when matching.
	Fare float64
}

type AcceptCommand struct {
	RideID   string
	DriverID string
}

type ReviewCommand struct {
	RideID     string
	ReviewerID string
	RevieweeID string
	Rating     int
	Comment    string
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*models.Ride, error) {
	if cmd.RiderID == "" {
		return nil, invalid("rider_id is required")
	}
	if err := validCoordinate("pickup", cmd.Pickup); err != nil {
		return nil, err
	}
	if err := validCoordinate("destination", cmd.Destination); err != nil {
		return nil, err
	}

	driverID, fare := cmd.DriverID, cmd.Fare
	if driverID == "" {
		start := s.now()
		m, err := matcher.SelectDriver(cmd.Pickup, s.drivers.ListAvailable(cmd.Pickup))
		observability.MatchLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			observability.NoDriver.Inc()
			return nil, err
		}
		driverID, fare = m.Driver.DriverID, m.Fare
	} else if fare <= 0 || math.IsNaN(fare) || math.IsInf(fare, 0) {
		fare = matcher.BaseFare
	}

	now := s.now().UTC()
	r := &models.Ride{
		ID:          s.newID(),
		RiderID:     cmd.RiderID,
		DriverID:    driverID,
		Pickup:      cmd.Pickup,
		Destination: cmd.Destination,
		Fare:        fare,
		Status:      models.StatusRequested,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateRide(ctx, r); err != nil {
		return nil, translate(err)
	}
	observability.RidesRequested.Inc()

	offer := models.Event{
		Type:   models.EventNewRideRequest,
		RideID: r.ID,
		Status: r.Status,
		Ride:   r,
		Fare:   &r.Fare,
	}
	// A pinned ride is created without any distance computation, ETA included.
	if s.ETA != nil && cmd.DriverID == "" {
		if d, ok := s.drivers.Get(driverID); ok && d.LastLocation != nil {
			secs := s.ETA.Seconds(ctx, *d.LastLocation, r.Pickup)
			offer.ETASeconds = &secs
		}
	}
	s.bus.Publish(notify.DriverTopic(driverID), offer)
	s.emit(ctx, r, models.Event{})
	s.Logger.Info("ride requested", "ride_id", r.ID, "rider_id", r.RiderID, "driver_id", driverID, "fare", r.Fare)
	return r, nil
}

// Accept binds the ride to the accepting driver. Only one of several
// concurrent accepts can succeed; the rest get ErrConflict.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (*models.Ride, error) {
	if cmd.RideID == "" || cmd.DriverID == "" {
		return nil, invalid("ride_id and driver_id are required")
	}
	r, err := s.transition(ctx, "accept", cmd.RideID, models.StatusRequested, models.StatusAccepted, storage.Change{DriverID: cmd.DriverID})
	if err != nil {
		return nil, err
	}
	s.drivers.BindRide(r.DriverID, r.ID, r.RiderID)

	info, err := s.store.GetDriverInfo(ctx, r.DriverID)
	if err != nil {
		// The transition has already been committed; the rider just gets
		// the update without a profile.
		s.Logger.Warn("driver profile lookup failed", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
	}
	s.emit(ctx, r, models.Event{DriverInfo: info})
	return r, nil
}

func (s *Service) Decline(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id is required")
	}
	r, err := s.transition(ctx, "decline", rideID, models.StatusRequested, models.StatusDeclined, storage.Change{})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, r, models.Event{})
	return r, nil
}

func (s *Service) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id is required")
	}
	r, err := s.transition(ctx, "start", rideID, models.StatusAccepted, models.StatusInProgress, storage.Change{})
	if err != nil {
		return nil, err
	}
	s.emit(ctx, r, models.Event{})
	return r, nil
}

// Complete finishes the trip and overwrites the quoted fare with the final
// one computed from the ride's own pickup and destination.
func (s *Service) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id is required")
	}
	cur, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, translate(err)
	}
	if cur.Status != models.StatusInProgress {
		observability.RideConflicts.WithLabelValues("complete").Inc()
		return nil, ErrConflict
	}
	fare := matcher.FinalFare(cur.Pickup, cur.Destination)
	r, err := s.transition(ctx, "complete", rideID, models.StatusInProgress, models.StatusCompleted, storage.Change{Fare: &fare})
	if err != nil {
		return nil, err
	}
	s.drivers.ReleaseRide(r.DriverID, r.ID)
	s.emit(ctx, r, models.Event{Fare: &r.Fare})
	return r, nil
}

func (s *Service) Get(ctx context.Context, rideID string) (*models.Ride, error) {
	if rideID == "" {
		return nil, invalid("ride_id is required")
	}
	r, err := s.store.GetRide(ctx, rideID)
	return r, translate(err)
}

// History lists a rider's rides, newest first.
func (s *Service) History(ctx context.Context, riderID string) ([]models.Ride, error) {
	if riderID == "" {
		return nil, invalid("rider_id is required")
	}
	rides, err := s.store.ListRidesByRider(ctx, riderID)
	return rides, translate(err)
}

// Review records a participant's rating of a completed ride.
func (s *Service) Review(ctx context.Context, cmd ReviewCommand) (*models.Review, error) {
	if cmd.RideID == "" || cmd.ReviewerID == "" || cmd.RevieweeID == "" {
		return nil, invalid("ride_id, reviewer_id and reviewee_id are required")
	}
	if cmd.Rating < 1 || cmd.Rating > 5 {
		return nil, invalid("rating must be between 1 and 5")
	}
	r, err := s.store.GetRide(ctx, cmd.RideID)
	if err != nil {
		return nil, translate(err)
	}
	if !participant(r, cmd.ReviewerID) || !participant(r, cmd.RevieweeID) || cmd.ReviewerID == cmd.RevieweeID {
		return nil, invalid("reviewer and reviewee must be the ride's rider and driver")
	}
	if r.Status != models.StatusCompleted {
		return nil, ErrConflict
	}
	rv := &models.Review{
		RideID:     cmd.RideID,
		ReviewerID: cmd.ReviewerID,
		RevieweeID: cmd.RevieweeID,
		Rating:     cmd.Rating,
		Comment:    cmd.Comment,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateReview(ctx, rv); err != nil {
		return nil, translate(err)
	}
	return rv, nil
}

func (s *Service) transition(ctx context.Context, name, rideID string, from, to models.RideStatus, ch storage.Change) (*models.Ride, error) {
	r, err := s.store.TransitionRide(ctx, rideID, from, to, ch)
	if err != nil {
		err = translate(err)
		if err == ErrConflict {
			observability.RideConflicts.WithLabelValues(name).Inc()
		}
		s.Logger.Info("ride transition rejected", "ride_id", rideID, "transition", name, "error", err)
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(to)).Inc()
	return r, nil
}

// emit publishes the single rider-facing update for a transition and hands
// the ride to the audit sink. extra carries the transition-specific payload.
func (s *Service) emit(ctx context.Context, r *models.Ride, extra models.Event) {
	ev := extra
	ev.Type = models.EventRideUpdate
	ev.RideID = r.ID
	ev.Status = r.Status
	ev.Ride = r
	s.bus.Publish(notify.RiderTopic(r.RiderID), ev)

	if s.Audit != nil {
		if err := s.Audit.PublishRideEvent(ctx, *r); err != nil {
			s.Logger.Warn("ride audit publish failed", "ride_id", r.ID, "status", r.Status, "error", err)
		}
	}
}

func participant(r *models.Ride, id string) bool {
	return id == r.RiderID || id == r.DriverID
}

func validCoordinate(field string, c models.Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return invalid("%s must be finite", field)
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return invalid("%s out of range", field)
	}
	return nil
}
