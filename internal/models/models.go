package models

import "time"

// Coordinate is a point in decimal degrees.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type RideStatus string

const (
	StatusRequested  RideStatus = "REQUESTED"
	StatusAccepted   RideStatus = "ACCEPTED"
	StatusInProgress RideStatus = "IN_PROGRESS"
	StatusCompleted  RideStatus = "COMPLETED"
	StatusDeclined   RideStatus = "DECLINED"
)

// Terminal reports whether no further transition can leave s.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusDeclined
}

// DriverRecord is the registry's view of a driver.
type DriverRecord struct {
	DriverID     string      `json:"driver_id"`
	LastLocation *Coordinate `json:"location,omitempty"`
	Connected    bool        `json:"connected"`
	Approved     bool        `json:"approved"`
	Updated      time.Time   `json:"updated"`
}

type Ride struct {
	ID          string     `json:"id"`
	RiderID     string     `json:"rider_id"`
	DriverID    string     `json:"driver_id"`
	Pickup      Coordinate `json:"pickup"`
	Destination Coordinate `json:"destination"`
	Fare        float64    `json:"fare"`
	Status      RideStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type Vehicle struct {
	DriverID     string `json:"driver_id"`
	Make         string `json:"make"`
	Model        string `json:"model"`
	Year         int    `json:"year"`
	LicensePlate string `json:"license_plate"`
	VehicleType  string `json:"vehicle_type"`
}

// DriverInfo is the profile payload a rider receives when a driver accepts.
type DriverInfo struct {
	FullName      string   `json:"full_name"`
	AverageRating float64  `json:"average_rating"`
	Vehicle       *Vehicle `json:"vehicle,omitempty"`
}

type Review struct {
	RideID     string    `json:"ride_id"`
	ReviewerID string    `json:"reviewer_id"`
	RevieweeID string    `json:"reviewee_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type EventType string

const (
	EventNewRideRequest EventType = "new-ride-request"
	EventRideUpdate     EventType = "ride-update"
	EventDriverLocation EventType = "driver-location"
)

// Event is pushed to subscribed channels. Optional fields are set only
// when the transition that produced the event carries them.
type Event struct {
	Type           EventType   `json:"type"`
	RideID         string      `json:"ride_id,omitempty"`
	Status         RideStatus  `json:"status,omitempty"`
	Ride           *Ride       `json:"ride,omitempty"`
	DriverInfo     *DriverInfo `json:"driverInfo,omitempty"`
	DriverLocation *Coordinate `json:"driverLocation,omitempty"`
	Fare           *float64    `json:"fare,omitempty"`
	ETASeconds     *float64    `json:"eta_seconds,omitempty"`
}

// LocationPing is the message carried on the driver location stream.
type LocationPing struct {
	DriverID   string     `json:"driver_id"`
	Location   Coordinate `json:"location"`
	RecordedAt time.Time  `json:"recorded_at"`
}
