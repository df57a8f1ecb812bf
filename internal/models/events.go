package models

import "time"

// Outbound event types pushed to websocket clients.
const (
	EventConnected        = "connected"
	EventRegistered       = "registered"
	EventRideRequest      = "ride:request"
	EventRideRequestSent  = "ride:request-sent"
	EventRideAccepted     = "ride:accepted"
	EventRideStatusUpdate = "ride:status-update"
	EventRideCancelled    = "ride:cancelled"
	EventCancelledByRider = "ride:cancelled-by-passenger"
	EventRideNoDrivers    = "ride:no-drivers"
	EventDriverLocation   = "driver:location-update"
	EventError            = "error"
)

// Envelope is the framing for every message in both directions.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// RideOffer is the data of a ride:request event.
type RideOffer struct {
	RideID      string  `json:"rideId"`
	PassengerID string  `json:"passengerId"`
	From        LatLng  `json:"from"`
	To          LatLng  `json:"to"`
	Price       float64 `json:"price"`
	Distance    float64 `json:"distance"`
	Duration    float64 `json:"duration"`
	DistanceKm  float64 `json:"pickupDistanceKm"`
	ExpiresAt   int64   `json:"expiresAt"`
}

// RideView is the ride snapshot sent with ride:accepted and ride:status-update.
type RideView struct {
	RideID      string     `json:"rideId"`
	DriverID    string     `json:"driverId"`
	DriverName  string     `json:"driverName,omitempty"`
	DriverCar   *Car       `json:"driverCar,omitempty"`
	PassengerID string     `json:"passengerId"`
	Status      RideStatus `json:"status"`
	From        LatLng     `json:"from"`
	To          LatLng     `json:"to"`
	Price       float64    `json:"price"`
	Distance    float64    `json:"distance"`
	Duration    float64    `json:"duration"`
	RideToken   string     `json:"rideToken,omitempty"`
}

func ViewOf(r ActiveRide) RideView {
	return RideView{
		RideID:      r.RideID,
		DriverID:    r.DriverID,
		PassengerID: r.PassengerID,
		Status:      r.Status,
		From:        r.From.LatLng(),
		To:          r.To.LatLng(),
		Price:       r.Price,
		Distance:    r.Distance,
		Duration:    r.Duration,
	}
}

type RideRef struct {
	RideID string `json:"rideId"`
}

type DriverLocation struct {
	RideID   string       `json:"rideId"`
	DriverID string       `json:"driverId"`
	Lat      float64      `json:"lat"`
	Lng      float64      `json:"lng"`
	Status   DriverStatus `json:"status"`
}

// RideEvent is a ride lifecycle fact published to the ride-events topic.
type RideEvent struct {
	Type        string     `json:"type"`
	RideID      string     `json:"rideId"`
	DriverID    string     `json:"driverId,omitempty"`
	PassengerID string     `json:"passengerId,omitempty"`
	Status      RideStatus `json:"status,omitempty"`
	At          time.Time  `json:"at"`
}
