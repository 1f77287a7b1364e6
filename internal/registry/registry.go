// Package registry tracks connected drivers, their last known position and
// approval, and relays positions of drivers on an active ride to the rider.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
)

// Relay publishes events to a topic; *notify.Bus satisfies it.
type Relay interface {
	Publish(topic string, ev models.Event) int
}

// Approver resolves the onboarding approval of a driver the registry has not
// seen before.
type Approver interface {
	DriverApproved(ctx context.Context, driverID string) (bool, error)
}

// LocationStream receives every accepted location push.
type LocationStream interface {
	PublishLocation(ctx context.Context, ping models.LocationPing) error
}

type activeRide struct {
	rideID  string
	riderID string
}

type entry struct {
	rec           models.DriverRecord
	approvalKnown bool
	ride          *activeRide
	// open event channels; Connected is conns > 0
	conns int
}

type Registry struct {
	mu      sync.RWMutex
	drivers map[string]*entry

	relay    Relay
	approver Approver
	stream   LocationStream
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Registry)

func WithApprover(a Approver) Option { return func(r *Registry) { r.approver = a } }

func WithLocationStream(s LocationStream) Option { return func(r *Registry) { r.stream = s } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func New(relay Relay, opts ...Option) *Registry {
	r := &Registry{
		drivers: make(map[string]*entry),
		relay:   relay,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// UpsertLocation records the driver's position, creating the record on
// first sight. When the driver is bound to an active ride the position is
// forwarded to that ride's rider topic.
func (r *Registry) UpsertLocation(ctx context.Context, driverID string, loc models.Coordinate) {
	approved, known := r.resolveApproval(ctx, driverID)
	now := r.now()

	r.mu.Lock()
	e := r.getOrCreate(driverID)
	if known && !e.approvalKnown {
		e.rec.Approved = approved
		e.approvalKnown = true
	}
	l := loc
	e.rec.LastLocation = &l
	e.rec.Updated = now
	var ride activeRide
	bound := e.ride != nil
	if bound {
		ride = *e.ride
	}
	r.mu.Unlock()

	observability.LocationUpdates.Inc()
	if bound && r.relay != nil {
		r.relay.Publish(notify.RiderTopic(ride.riderID), models.Event{
			Type:           models.EventDriverLocation,
			RideID:         ride.rideID,
			DriverLocation: &l,
		})
	}
	if r.stream != nil {
		if err := r.stream.PublishLocation(ctx, models.LocationPing{DriverID: driverID, Location: loc, RecordedAt: now}); err != nil {
			r.logger.Warn("location stream publish failed", "driver_id", driverID, "error", err)
		}
	}
}

// resolveApproval asks the approver only while the registry does not yet
// know the driver's approval.
func (r *Registry) resolveApproval(ctx context.Context, driverID string) (bool, bool) {
	r.mu.RLock()
	e, ok := r.drivers[driverID]
	known := ok && e.approvalKnown
	r.mu.RUnlock()
	if known || r.approver == nil {
		return false, false
	}
	approved, err := r.approver.DriverApproved(ctx, driverID)
	if err != nil {
		r.logger.Warn("driver approval lookup failed", "driver_id", driverID, "error", err)
		return false, false
	}
	return approved, true
}

// ListAvailable returns approved drivers that have reported a location,
// ordered by driver id. near is accepted for future ranking and is unused;
// distance ranking belongs to the matcher.
func (r *Registry) ListAvailable(near models.Coordinate) []models.DriverRecord {
	r.mu.RLock()
	out := make([]models.DriverRecord, 0, len(r.drivers))
	for _, e := range r.drivers {
		if !e.rec.Approved || e.rec.LastLocation == nil {
			continue
		}
		out = append(out, e.snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out
}

// SetConnected records one event channel opening (true) or closing (false).
// A driver stays connected until every open channel has closed. The record
// and its last location are kept.
func (r *Registry) SetConnected(driverID string, connected bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreate(driverID)
	if connected {
		e.conns++
	} else if e.conns > 0 {
		e.conns--
	}
	now := e.conns > 0
	if e.rec.Connected == now {
		return
	}
	e.rec.Connected = now
	if now {
		observability.DriversConnected.Inc()
	} else {
		observability.DriversConnected.Dec()
	}
}

func (r *Registry) SetApproved(driverID string, approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.getOrCreate(driverID)
	e.rec.Approved = approved
	e.approvalKnown = true
}

func (r *Registry) Get(driverID string) (models.DriverRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.drivers[driverID]
	if !ok {
		return models.DriverRecord{}, false
	}
	return e.snapshot(), true
}

// BindRide marks driverID as serving rideID so later locations reach riderID.
func (r *Registry) BindRide(driverID, rideID, riderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(driverID).ride = &activeRide{rideID: rideID, riderID: riderID}
}

// ReleaseRide clears the binding if it still points at rideID.
func (r *Registry) ReleaseRide(driverID, rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.drivers[driverID]; ok && e.ride != nil && e.ride.rideID == rideID {
		e.ride = nil
	}
}

// caller holds r.mu
func (r *Registry) getOrCreate(driverID string) *entry {
	e, ok := r.drivers[driverID]
	if !ok {
		e = &entry{rec: models.DriverRecord{DriverID: driverID}}
		r.drivers[driverID] = e
	}
	return e
}

func (e *entry) snapshot() models.DriverRecord {
	rec := e.rec
	if rec.LastLocation != nil {
		l := *rec.LastLocation
		rec.LastLocation = &l
	}
	return rec
}
