package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/ride"
)

const maxBodyBytes = 1 << 20

type rideRequest struct {
	RiderID     string             `json:"rider_id"`
	Pickup      *models.Coordinate `json:"pickup"`
	Destination *models.Coordinate `json:"destination"`
	DriverID    string             `json:"driver_id,omitempty"`
	Fare        float64            `json:"fare,omitempty"`
}

type acceptRequest struct {
	DriverID string `json:"driver_id"`
}

type locationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

type availableDriver struct {
	DriverID string            `json:"driver_id"`
	Location models.Coordinate `json:"location"`
}

type approvalRequest struct {
	Approved *bool `json:"approved"`
}

type reviewRequest struct {
	RideID     string `json:"ride_id"`
	ReviewerID string `json:"reviewer_id"`
	RevieweeID string `json:"reviewee_id"`
	Rating     int    `json:"rating"`
	Comment    string `json:"comment"`
}

type paymentIntentRequest struct {
	Amount float64 `json:"amount"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req rideRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.RiderID == "" || req.Pickup == nil || req.Destination == nil {
		writeError(w, http.StatusBadRequest, "rider_id, pickup and destination are required")
		return
	}
	out, err := s.rides.Create(r.Context(), ride.CreateCommand{
		RiderID:     req.RiderID,
		Pickup:      *req.Pickup,
		Destination: *req.Destination,
		DriverID:    req.DriverID,
		Fare:        req.Fare,
	})
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.Get(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.History(r.Context(), mux.Vars(r)["rider_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	if out == nil {
		out = []models.Ride{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req acceptRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}
	out, err := s.rides.Accept(r.Context(), ride.AcceptCommand{RideID: mux.Vars(r)["ride_id"], DriverID: req.DriverID})
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeclineRide(w http.ResponseWriter, r *http.Request) {
	if _, err := s.rides.Decline(r.Context(), mux.Vars(r)["ride_id"]); err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "ride declined"})
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.Start(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	out, err := s.rides.Complete(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAvailableDrivers accepts an optional lat/lon pair; the registry does
// not rank by it yet, but a malformed value is still rejected.
func (s *Server) handleAvailableDrivers(w http.ResponseWriter, r *http.Request) {
	var near models.Coordinate
	q := r.URL.Query()
	if q.Get("lat") != "" || q.Get("lon") != "" {
		lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
		lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
		if errLat != nil || errLon != nil || !validCoordinate(lat, lon) {
			writeError(w, http.StatusBadRequest, "lat and lon must be valid coordinates")
			return
		}
		near = models.Coordinate{Lat: lat, Lon: lon}
	}
	recs := s.drivers.ListAvailable(near)
	out := make([]availableDriver, 0, len(recs))
	for _, d := range recs {
		if d.LastLocation == nil {
			continue
		}
		out = append(out, availableDriver{DriverID: d.DriverID, Location: *d.LastLocation})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	if !validCoordinate(*req.Lat, *req.Lon) {
		writeError(w, http.StatusBadRequest, "lat and lon must be valid coordinates")
		return
	}
	s.drivers.UpsertLocation(r.Context(), mux.Vars(r)["driver_id"], models.Coordinate{Lat: *req.Lat, Lon: *req.Lon})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var v models.Vehicle
	if !s.decode(w, r, &v) {
		return
	}
	v.DriverID = mux.Vars(r)["driver_id"]
	out, err := s.fleet.RegisterVehicle(r.Context(), v)
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleSetApproval(w http.ResponseWriter, r *http.Request) {
	var req approvalRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Approved == nil {
		writeError(w, http.StatusBadRequest, "approved is required")
		return
	}
	id := mux.Vars(r)["driver_id"]
	if err := s.fleet.SetApproval(r.Context(), id, *req.Approved); err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "approved": *req.Approved})
}

func (s *Server) handleCreateReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !s.decode(w, r, &req) {
		return
	}
	out, err := s.rides.Review(r.Context(), ride.ReviewCommand{
		RideID:     req.RideID,
		ReviewerID: req.ReviewerID,
		RevieweeID: req.RevieweeID,
		Rating:     req.Rating,
		Comment:    req.Comment,
	})
	if err != nil {
		s.writeRideError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handlePaymentIntent(w http.ResponseWriter, r *http.Request) {
	if s.payments == nil {
		writeError(w, http.StatusServiceUnavailable, "payments not configured")
		return
	}
	var req paymentIntentRequest
	if !s.decode(w, r, &req) {
		return
	}
	secret, err := s.payments.CreateIntent(r.Context(), req.Amount)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidAmount) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("payment intent failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "payment gateway failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"client_secret": secret})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid json: %v", err))
		return false
	}
	return true
}

// writeRideError maps the lifecycle error taxonomy onto status codes.
// Upstream details stay in the log.
func (s *Server) writeRideError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ride.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrConflict), errors.Is(err, ride.ErrDuplicate):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrNoDriverAvailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ride.ErrUpstream):
		s.logger.Error("upstream failure", "error", err, "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusBadGateway, "upstream failure")
	default:
		s.logger.Error("unhandled error", "error", err, "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
