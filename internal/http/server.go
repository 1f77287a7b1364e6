// Package httpapi exposes the dispatch core over HTTP and websockets.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/ride"
)

type Rides interface {
	Create(ctx context.Context, cmd ride.CreateCommand) (*models.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) (*models.Ride, error)
	Decline(ctx context.Context, rideID string) (*models.Ride, error)
	Start(ctx context.Context, rideID string) (*models.Ride, error)
	Complete(ctx context.Context, rideID string) (*models.Ride, error)
	Get(ctx context.Context, rideID string) (*models.Ride, error)
	History(ctx context.Context, riderID string) ([]models.Ride, error)
	Review(ctx context.Context, cmd ride.ReviewCommand) (*models.Review, error)
}

type Drivers interface {
	UpsertLocation(ctx context.Context, driverID string, loc models.Coordinate)
	ListAvailable(near models.Coordinate) []models.DriverRecord
	SetConnected(driverID string, connected bool)
}

type Fleet interface {
	RegisterVehicle(ctx context.Context, v models.Vehicle) (*models.Vehicle, error)
	SetApproval(ctx context.Context, driverID string, approved bool) error
}

type Payments interface {
	CreateIntent(ctx context.Context, amount float64) (string, error)
}

type Subscriptions interface {
	Subscribe(topic string, s notify.Subscriber)
	Unsubscribe(topic string, s notify.Subscriber)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the server. Payments and Ready are optional.
type Deps struct {
	Rides          Rides
	Drivers        Drivers
	Fleet          Fleet
	Bus            Subscriptions
	Payments       Payments
	Ready          Pinger
	Logger         *slog.Logger
	AllowedOrigins []string
}

type Server struct {
	rides    Rides
	drivers  Drivers
	fleet    Fleet
	bus      Subscriptions
	payments Payments
	ready    Pinger
	logger   *slog.Logger
	origins  map[string]struct{}

	mux     *mux.Router
	handler http.Handler
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		rides:    d.Rides,
		drivers:  d.Drivers,
		fleet:    d.Fleet,
		bus:      d.Bus,
		payments: d.Payments,
		ready:    d.Ready,
		logger:   logger,
		origins:  make(map[string]struct{}, len(d.AllowedOrigins)),
		mux:      mux.NewRouter(),
	}
	for _, o := range d.AllowedOrigins {
		s.origins[o] = struct{}{}
	}
	s.registerMiddleware()
	s.routes()
	s.handler = handlers.CORS(
		handlers.AllowedOrigins(d.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Request-ID"}),
	)(s.mux)
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/rides", s.handleRequestRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAcceptRide).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{ride_id}/decline", s.handleDeclineRide).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{ride_id}/start", s.handleStartRide).Methods(http.MethodPatch)
	api.HandleFunc("/rides/{ride_id}/complete", s.handleCompleteRide).Methods(http.MethodPatch)
	api.HandleFunc("/riders/{rider_id}/rides", s.handleRideHistory).Methods(http.MethodGet)

	api.HandleFunc("/drivers/available", s.handleAvailableDrivers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{driver_id}/location", s.handleDriverLocation).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/vehicle", s.handleRegisterVehicle).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{driver_id}/approval", s.handleSetApproval).Methods(http.MethodPut)

	api.HandleFunc("/reviews", s.handleCreateReview).Methods(http.MethodPost)
	api.HandleFunc("/payments/intent", s.handlePaymentIntent).Methods(http.MethodPost)

	s.mux.HandleFunc("/ws/riders/{rider_id}", s.handleRiderWS)
	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.Ping(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", "error", err)
			http.Error(w, "store not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
