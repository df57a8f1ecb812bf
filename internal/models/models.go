package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// LatLng is the wire shape clients use for ride endpoints.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (c Coord) LatLng() LatLng { return LatLng{Lat: c.Lat, Lng: c.Lon} }

type DriverStatus string

const (
	DriverAvailable DriverStatus = "available"
	DriverBusy      DriverStatus = "busy"
	DriverOffline   DriverStatus = "offline"
)

// ParseDriverStatus accepts the statuses clients send, mapping the legacy
// "on_ride" value to busy.
func ParseDriverStatus(s string) (DriverStatus, bool) {
	switch s {
	case "available":
		return DriverAvailable, true
	case "busy", "on_ride":
		return DriverBusy, true
	case "offline":
		return DriverOffline, true
	}
	return "", false
}

// Presence is a driver's last known position and availability.
type Presence struct {
	DriverID  string       `json:"driverId"`
	Lat       float64      `json:"lat"`
	Lon       float64      `json:"lon"`
	Status    DriverStatus `json:"status"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// PresenceUpdate carries a partial presence change; nil fields are left as is.
type PresenceUpdate struct {
	Lat    *float64
	Lon    *float64
	Status *DriverStatus
}

func LocationChange(lat, lon float64) PresenceUpdate {
	return PresenceUpdate{Lat: &lat, Lon: &lon}
}

func StatusChange(s DriverStatus) PresenceUpdate {
	return PresenceUpdate{Status: &s}
}

// LocationUpdate is the message shape on the driver-locations topic.
type LocationUpdate struct {
	DriverID string       `json:"driverId"`
	Lat      float64      `json:"lat"`
	Lon      float64      `json:"lon"`
	Status   DriverStatus `json:"status,omitempty"`
	At       time.Time    `json:"at"`
}

// Change turns an ingested location into a presence change. An unknown
// status leaves the stored one untouched.
func (u LocationUpdate) Change() PresenceUpdate {
	p := LocationChange(u.Lat, u.Lon)
	if status, ok := ParseDriverStatus(string(u.Status)); ok {
		p.Status = &status
	}
	return p
}

// RideRequest is the unit of work circulated during dispatch.
type RideRequest struct {
	PassengerID string  `json:"passengerId"`
	From        Coord   `json:"from"`
	To          Coord   `json:"to"`
	Fare        float64 `json:"fare"`
	DistanceKm  float64 `json:"distanceKm"`
	DurationMin float64 `json:"durationMin"`
}

type RideStatus string

const (
	RideAccepted  RideStatus = "accepted"
	RideInitiated RideStatus = "initiated"
	RideCompleted RideStatus = "completed"
	RideCancelled RideStatus = "cancelled"
)

func (s RideStatus) rank() int {
	switch s {
	case RideAccepted:
		return 1
	case RideInitiated:
		return 2
	case RideCompleted:
		return 3
	}
	return 0
}

// Follows reports whether moving from prev to s goes forward in the ride lifecycle.
func (s RideStatus) Follows(prev RideStatus) bool {
	return s.rank() > prev.rank() && prev.rank() > 0
}

// ActiveRide is a ride accepted by a driver that has not completed or been cancelled.
type ActiveRide struct {
	RideID      string
	DriverID    string
	PassengerID string
	Status      RideStatus
	From        Coord
	To          Coord
	Price       float64
	Distance    float64
	Duration    float64
	PaymentID   string
	AcceptedAt  time.Time
}

// RideRecord is the persisted form of a ride.
type RideRecord struct {
	ID          string
	DriverID    string
	PassengerID string
	Status      RideStatus
	From        Coord
	To          Coord
	Fare        float64
	DistanceKm  float64
	DurationMin float64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Car struct {
	Model string `json:"model"`
	Plate string `json:"plate"`
	Year  int    `json:"year"`
	Color string `json:"color"`
}

// DriverProfile is the public view of a driver account.
type DriverProfile struct {
	DriverID  string    `json:"driverId"`
	Name      string    `json:"name"`
	City      string    `json:"city"`
	Car       Car       `json:"car"`
	Rating    *float64  `json:"rating,omitempty"`
	RideCount int       `json:"rideCount"`
	CreatedAt time.Time `json:"dateStart"`
}

type Evaluation struct {
	RideID      string
	PassengerID string
	DriverID    string
	Rating      float64
	Comment     string
}
