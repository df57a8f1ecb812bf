package storage

import (
	"context"
	"errors"
	"math"

	"github.com/example/ride-dispatch/internal/models"
)

var ErrNotFound = errors.New("storage: not found")

// PresenceStore holds the last known position and availability of drivers.
type PresenceStore interface {
	// AvailableDrivers returns every driver whose status is available, in
	// the order the drivers were first seen.
	AvailableDrivers(ctx context.Context) ([]models.Presence, error)
	// UpdatePresence applies a partial change, creating the record with
	// lat/lon 0 and status offline when the driver has none yet.
	UpdatePresence(ctx context.Context, driverID string, u models.PresenceUpdate) error
	Presence(ctx context.Context, driverID string) (models.Presence, error)
}

// RideStore persists driver accounts, rides and evaluations.
type RideStore interface {
	DriverProfile(ctx context.Context, driverID string) (models.DriverProfile, error)
	// UpsertRide creates the ride if it does not exist yet; an existing ride
	// is left untouched.
	UpsertRide(ctx context.Context, r models.RideRecord) error
	SetRideStatus(ctx context.Context, rideID string, status models.RideStatus) error
	// CreateEvaluation stores a passenger rating. It reports false, without
	// error, when the evaluation is not allowed.
	CreateEvaluation(ctx context.Context, ev models.Evaluation) (bool, error)
}

type Repository interface {
	PresenceStore
	RideStore
}

type combined struct {
	PresenceStore
	RideStore
}

// Combine serves presence from one backend and rides from another.
func Combine(p PresenceStore, r RideStore) Repository {
	return combined{PresenceStore: p, RideStore: r}
}

// DriverSeeder creates driver accounts. It reports false when the driver
// already exists.
type DriverSeeder interface {
	AddDriver(ctx context.Context, p models.DriverProfile) (bool, error)
}

// roundRating snaps a passenger rating to an integer star value.
func roundRating(r float64) (int, bool) {
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, false
	}
	n := int(math.Round(r))
	if n < 1 || n > 5 {
		return 0, false
	}
	return n, true
}

// evaluable reports whether ev may be recorded against ride.
func evaluable(ride models.RideRecord, ev models.Evaluation) bool {
	return ride.Status == models.RideCompleted &&
		ride.DriverID == ev.DriverID &&
		ride.PassengerID == ev.PassengerID
}

// averageRating rounds the mean to one decimal; nil when there are no ratings.
func averageRating(sum float64, n int) *float64 {
	if n == 0 {
		return nil
	}
	avg := math.Round(sum/float64(n)*10) / 10
	return &avg
}
