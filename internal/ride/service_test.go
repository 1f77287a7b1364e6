package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

type inbox struct {
	mu     sync.Mutex
	events []models.Event
}

func (i *inbox) Send(ev models.Event) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.events = append(i.events, ev)
	return nil
}

func (i *inbox) all() []models.Event {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]models.Event(nil), i.events...)
}

type fakeAudit struct {
	rides []models.Ride
	err   error
}

func (f *fakeAudit) PublishRideEvent(ctx context.Context, r models.Ride) error {
	f.rides = append(f.rides, r)
	return f.err
}

// failingStore fails every ride write with a transport error.
type failingStore struct{ *storage.MemoryStore }

func (failingStore) CreateRide(ctx context.Context, r *models.Ride) error {
	return errors.New("connection reset")
}

func (failingStore) TransitionRide(ctx context.Context, id string, from, to models.RideStatus, ch storage.Change) (*models.Ride, error) {
	return nil, errors.New("connection reset")
}

type harness struct {
	svc   *Service
	store *storage.MemoryStore
	bus   *notify.Bus
	reg   *registry.Registry
	audit *fakeAudit
}

var (
	ctx         = context.Background()
	pickup      = models.Coordinate{Lat: 28.6139, Lon: 77.2090}
	destination = models.Coordinate{Lat: 28.7000, Lon: 77.3000}
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStore()
	bus := notify.NewBus(nil)
	reg := registry.New(bus)
	svc := NewService(store, bus, reg)
	audit := &fakeAudit{}
	svc.Audit = audit
	ids := 0
	svc.newID = func() string { ids++; return fmt.Sprintf("ride-%d", ids) }
	return &harness{svc: svc, store: store, bus: bus, reg: reg, audit: audit}
}

func (h *harness) onlineDriver(id string, loc models.Coordinate) {
	h.reg.SetApproved(id, true)
	h.reg.UpsertLocation(ctx, id, loc)
}

func (h *harness) subscribe(topic string) *inbox {
	in := &inbox{}
	h.bus.Subscribe(topic, in)
	return in
}

func (h *harness) request(t *testing.T) *models.Ride {
	t.Helper()
	r, err := h.svc.Create(ctx, CreateCommand{RiderID: "rider-1", Pickup: pickup, Destination: destination})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return r
}

func TestCreateMatchesNearestAndNotifiesBothParties(t *testing.T) {
	h := newHarness(t)
	h.svc.ETA = &eta.Estimator{SpeedMps: 10}
	h.onlineDriver("far", models.Coordinate{Lat: 29.0, Lon: 77.5})
	h.onlineDriver("near", destination)
	driverIn := h.subscribe(notify.DriverTopic("near"))
	farIn := h.subscribe(notify.DriverTopic("far"))
	riderIn := h.subscribe(notify.RiderTopic("rider-1"))

	r := h.request(t)
	if r.Status != models.StatusRequested || r.DriverID != "near" {
		t.Fatalf("unexpected ride %+v", r)
	}
	if r.Fare != 301.15 {
		t.Fatalf("expected quoted fare 301.15, got %v", r.Fare)
	}

	offers := driverIn.all()
	if len(offers) != 1 || offers[0].Type != models.EventNewRideRequest || offers[0].RideID != r.ID {
		t.Fatalf("expected one new-ride-request for the matched driver, got %+v", offers)
	}
	if offers[0].ETASeconds == nil || *offers[0].ETASeconds <= 0 {
		t.Fatalf("expected pickup eta on the offer")
	}
	if len(farIn.all()) != 0 {
		t.Fatalf("unmatched driver must not be notified")
	}
	updates := riderIn.all()
	if len(updates) != 1 || updates[0].Status != models.StatusRequested {
		t.Fatalf("expected one REQUESTED update for the rider, got %+v", updates)
	}
	if len(h.audit.rides) != 1 {
		t.Fatalf("expected audit of creation")
	}
}

func TestCreateWithPinnedDriverSkipsMatching(t *testing.T) {
	h := newHarness(t)
	// no drivers registered: matching would fail
	r, err := h.svc.Create(ctx, CreateCommand{RiderID: "rider-1", Pickup: pickup, Destination: destination, DriverID: "pinned", Fare: 150})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.DriverID != "pinned" || r.Fare != 150 || r.Status != models.StatusRequested {
		t.Fatalf("unexpected ride %+v", r)
	}

	r, err = h.svc.Create(ctx, CreateCommand{RiderID: "rider-1", Pickup: pickup, Destination: destination, DriverID: "pinned"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if r.Fare != matcher.BaseFare {
		t.Fatalf("expected base fare without a client quote, got %v", r.Fare)
	}
}

type countingRoutes struct{ calls int }

func (c *countingRoutes) EstimateSeconds(ctx context.Context, from, to models.Coordinate) (float64, error) {
	c.calls++
	return 60, nil
}

func TestCreateWithPinnedDriverComputesNoDistance(t *testing.T) {
	h := newHarness(t)
	routes := &countingRoutes{}
	h.svc.ETA = &eta.Estimator{Client: routes, SpeedMps: 10}
	h.onlineDriver("pinned", destination)
	driverIn := h.subscribe(notify.DriverTopic("pinned"))

	if _, err := h.svc.Create(ctx, CreateCommand{RiderID: "rider-1", Pickup: pickup, Destination: destination, DriverID: "pinned", Fare: 150}); err != nil {
		t.Fatalf("create: %v", err)
	}
	evs := driverIn.all()
	if len(evs) != 1 || evs[0].Type != models.EventNewRideRequest {
		t.Fatalf("expected one offer, got %+v", evs)
	}
	if evs[0].ETASeconds != nil || routes.calls != 0 {
		t.Fatalf("pinned ride computed an eta: %v (routing calls %d)", evs[0].ETASeconds, routes.calls)
	}
}

func TestCreateNoDriverAvailable(t *testing.T) {
	h := newHarness(t)
	h.reg.UpsertLocation(ctx, "unapproved", pickup)
	_, err := h.svc.Create(ctx, CreateCommand{RiderID: "rider-1", Pickup: pickup, Destination: destination})
	if !errors.Is(err, ErrNoDriverAvailable) {
		t.Fatalf("expected ErrNoDriverAvailable, got %v", err)
	}
	if rides, _ := h.store.ListRidesByRider(ctx, "rider-1"); len(rides) != 0 {
		t.Fatalf("nothing must be persisted, got %d rides", len(rides))
	}
}

func TestCreateValidation(t *testing.T) {
	h := newHarness(t)
	cases := []CreateCommand{
		{Pickup: pickup, Destination: destination},
		{RiderID: "r", Pickup: models.Coordinate{Lat: 91}, Destination: destination},
		{RiderID: "r", Pickup: pickup, Destination: models.Coordinate{Lon: -181}},
	}
	for i, cmd := range cases {
		if _, err := h.svc.Create(ctx, cmd); !errors.Is(err, ErrValidation) {
			t.Errorf("case %d: expected ErrValidation, got %v", i, err)
		}
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	h.store.PutDriver("d1", "Asha Verma", 4.8, true)
	if err := h.store.SaveVehicle(ctx, &models.Vehicle{DriverID: "d1", Make: "Maruti", Model: "Dzire", Year: 2022, LicensePlate: "DL01AB1234", VehicleType: "sedan"}); err != nil {
		t.Fatalf("vehicle: %v", err)
	}
	riderIn := h.subscribe(notify.RiderTopic("rider-1"))

	r := h.request(t)
	quoted := r.Fare

	r, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if r.Status != models.StatusAccepted || r.DriverID != "d1" || r.Fare != quoted {
		t.Fatalf("unexpected ride after accept %+v", r)
	}

	h.reg.UpsertLocation(ctx, "d1", models.Coordinate{Lat: 28.62, Lon: 77.21})

	if r, err = h.svc.Start(ctx, r.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	if r.Fare != quoted {
		t.Fatalf("start must not touch the fare")
	}
	if r, err = h.svc.Complete(ctx, r.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if r.Status != models.StatusCompleted || r.Fare != matcher.FinalFare(pickup, destination) {
		t.Fatalf("unexpected ride after complete %+v", r)
	}

	// driver position after completion is no longer relayed
	h.reg.UpsertLocation(ctx, "d1", destination)

	got := riderIn.all()
	wantTypes := []models.EventType{models.EventRideUpdate, models.EventRideUpdate, models.EventDriverLocation, models.EventRideUpdate, models.EventRideUpdate}
	if len(got) != len(wantTypes) {
		t.Fatalf("expected %d rider events, got %d: %+v", len(wantTypes), len(got), got)
	}
	for i, ev := range got {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d: expected %s, got %s", i, wantTypes[i], ev.Type)
		}
	}
	accepted := got[1]
	if accepted.Status != models.StatusAccepted || accepted.DriverInfo == nil || accepted.DriverInfo.FullName != "Asha Verma" || accepted.DriverInfo.Vehicle == nil {
		t.Fatalf("accept event missing driver profile: %+v", accepted)
	}
	if got[2].DriverLocation == nil || got[2].RideID != r.ID {
		t.Fatalf("expected relayed location for the ride, got %+v", got[2])
	}
	if got[3].Status != models.StatusInProgress || got[3].Fare != nil {
		t.Fatalf("unexpected start event %+v", got[3])
	}
	done := got[4]
	if done.Status != models.StatusCompleted || done.Fare == nil || *done.Fare != r.Fare {
		t.Fatalf("complete event must carry the final fare: %+v", done)
	}
	if len(h.audit.rides) != 4 {
		t.Fatalf("expected 4 audited transitions, got %d", len(h.audit.rides))
	}
}

func TestAcceptWithoutProfileStillSucceeds(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	riderIn := h.subscribe(notify.RiderTopic("rider-1"))
	r := h.request(t)
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	evs := riderIn.all()
	if last := evs[len(evs)-1]; last.Status != models.StatusAccepted || last.DriverInfo != nil {
		t.Fatalf("expected ACCEPTED without driver info, got %+v", last)
	}
}

func TestStartBeforeAcceptConflicts(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	r := h.request(t)
	if _, err := h.svc.Start(ctx, r.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if _, err := h.svc.Complete(ctx, r.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict completing a requested ride, got %v", err)
	}
	got, _ := h.svc.Get(ctx, r.ID)
	if got.Status != models.StatusRequested {
		t.Fatalf("failed transitions must not change status, got %s", got.Status)
	}
}

func TestCompleteTwice(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	r := h.request(t)
	must(t)(h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"}))
	must(t)(h.svc.Start(ctx, r.ID))
	first := must(t)(h.svc.Complete(ctx, r.ID))
	if _, err := h.svc.Complete(ctx, r.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second complete, got %v", err)
	}
	got, _ := h.svc.Get(ctx, r.ID)
	if got.Fare != first.Fare {
		t.Fatalf("fare changed after second complete")
	}
}

func TestDeclineOnlyFromRequested(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	riderIn := h.subscribe(notify.RiderTopic("rider-1"))

	r := h.request(t)
	declined := must(t)(h.svc.Decline(ctx, r.ID))
	if declined.Status != models.StatusDeclined {
		t.Fatalf("expected DECLINED, got %s", declined.Status)
	}
	if _, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept after decline: expected ErrConflict, got %v", err)
	}

	r2 := h.request(t)
	must(t)(h.svc.Accept(ctx, AcceptCommand{RideID: r2.ID, DriverID: "d1"}))
	if _, err := h.svc.Decline(ctx, r2.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("decline after accept: expected ErrConflict, got %v", err)
	}
	if last := riderIn.all()[1]; last.Status != models.StatusDeclined {
		t.Fatalf("expected DECLINED update, got %+v", last)
	}
}

func TestUnknownRide(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Start(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.svc.Complete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentAcceptSingleWinner(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d0", pickup)
	riderIn := h.subscribe(notify.RiderTopic("rider-1"))
	r := h.request(t)

	const attempts = 8
	var wg sync.WaitGroup
	type result struct {
		ride *models.Ride
		err  error
	}
	results := make(chan result, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(did string) {
			defer wg.Done()
			got, err := h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: did})
			results <- result{got, err}
		}(fmt.Sprintf("d%d", i))
	}
	wg.Wait()
	close(results)

	var winner string
	for res := range results {
		if res.err == nil {
			if winner != "" {
				t.Fatalf("two accepts succeeded: %s and %s", winner, res.ride.DriverID)
			}
			winner = res.ride.DriverID
			continue
		}
		if !errors.Is(res.err, ErrConflict) {
			t.Fatalf("unexpected error: %v", res.err)
		}
	}
	if winner == "" {
		t.Fatalf("expected one accept to succeed")
	}

	must(t)(h.svc.Start(ctx, r.ID))
	final := must(t)(h.svc.Complete(ctx, r.ID))
	if final.DriverID != winner {
		t.Fatalf("driver changed after accept: %s -> %s", winner, final.DriverID)
	}
	accepted := 0
	for _, ev := range riderIn.all() {
		if ev.Status == models.StatusAccepted {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("expected one ACCEPTED notification, got %d", accepted)
	}
}

func TestStoreFailureIsUpstream(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	svc := NewService(failingStore{h.store}, h.bus, h.reg)
	if _, err := svc.Create(ctx, CreateCommand{RiderID: "r", Pickup: pickup, Destination: destination}); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
	if _, err := svc.Start(ctx, "any"); !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestAuditFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	h.audit.err = errors.New("broker down")
	r := h.request(t)
	if _, err := h.svc.Decline(ctx, r.ID); err != nil {
		t.Fatalf("decline: %v", err)
	}
}

func TestReview(t *testing.T) {
	h := newHarness(t)
	h.onlineDriver("d1", pickup)
	r := h.request(t)

	cmd := ReviewCommand{RideID: r.ID, ReviewerID: "rider-1", RevieweeID: "d1", Rating: 5, Comment: "smooth"}
	if _, err := h.svc.Review(ctx, cmd); !errors.Is(err, ErrConflict) {
		t.Fatalf("review before completion: expected ErrConflict, got %v", err)
	}

	must(t)(h.svc.Accept(ctx, AcceptCommand{RideID: r.ID, DriverID: "d1"}))
	must(t)(h.svc.Start(ctx, r.ID))
	must(t)(h.svc.Complete(ctx, r.ID))

	bad := cmd
	bad.Rating = 6
	if _, err := h.svc.Review(ctx, bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for rating, got %v", err)
	}
	stranger := cmd
	stranger.ReviewerID = "someone-else"
	if _, err := h.svc.Review(ctx, stranger); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for non-participant, got %v", err)
	}

	if _, err := h.svc.Review(ctx, cmd); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := h.svc.Review(ctx, cmd); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func must(t *testing.T) func(*models.Ride, error) *models.Ride {
	return func(r *models.Ride, err error) *models.Ride {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		return r
	}
}
