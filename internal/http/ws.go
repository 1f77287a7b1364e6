package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
)

// inboundFrame is what a driver channel may send. Only "location" is
// understood; anything else is logged and dropped.
type inboundFrame struct {
	Type     string             `json:"type"`
	Location *models.Coordinate `json:"location"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin admits non-browser clients (no Origin header) and the
// configured browser origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if _, ok := s.origins["*"]; ok {
		return true
	}
	_, ok := s.origins[origin]
	return ok
}

func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	riderID := mux.Vars(r)["rider_id"]
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "rider_id", riderID, "error", err)
		return
	}
	sess := dispatch.NewSession(conn)
	topic := notify.RiderTopic(riderID)
	s.bus.Subscribe(topic, sess)
	defer s.bus.Unsubscribe(topic, sess)

	s.logger.Info("rider connected", "rider_id", riderID)
	if err := sess.Serve(nil); err != nil {
		s.logger.Debug("rider channel closed", "rider_id", riderID, "error", err)
	}
}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	driverID := mux.Vars(r)["driver_id"]
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "driver_id", driverID, "error", err)
		return
	}
	sess := dispatch.NewSession(conn)
	topic := notify.DriverTopic(driverID)
	// Each channel counts once; the driver stays connected until the last closes.
	s.drivers.SetConnected(driverID, true)
	s.bus.Subscribe(topic, sess)
	defer func() {
		s.drivers.SetConnected(driverID, false)
		s.bus.Unsubscribe(topic, sess)
	}()

	s.logger.Info("driver connected", "driver_id", driverID)
	err = sess.Serve(func(msg []byte) {
		var f inboundFrame
		if err := json.Unmarshal(msg, &f); err != nil || f.Type != "location" || f.Location == nil {
			s.logger.Warn("ignoring driver frame", "driver_id", driverID, "error", err)
			return
		}
		if !validCoordinate(f.Location.Lat, f.Location.Lon) {
			s.logger.Warn("ignoring out of range location", "driver_id", driverID)
			return
		}
		s.drivers.UpsertLocation(r.Context(), driverID, *f.Location)
	})
	if err != nil {
		s.logger.Debug("driver channel closed", "driver_id", driverID, "error", err)
	}
}
