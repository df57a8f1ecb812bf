package realtime

import (
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// RideBook holds active rides indexed by ride id and by driver id. Both
// indices change together under mu.
type RideBook struct {
	mu       sync.RWMutex
	byRide   map[string]models.ActiveRide
	byDriver map[string]string
}

func NewRideBook() *RideBook {
	return &RideBook{byRide: make(map[string]models.ActiveRide), byDriver: make(map[string]string)}
}

// Put stores a new active ride. A driver holds at most one.
func (b *RideBook) Put(r models.ActiveRide) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.byDriver[r.DriverID]; ok && cur != r.RideID {
		return ErrDriverBusy
	}
	b.byRide[r.RideID] = r
	b.byDriver[r.DriverID] = r.RideID
	return nil
}

func (b *RideBook) Get(rideID string) (models.ActiveRide, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.byRide[rideID]
	return r, ok
}

func (b *RideBook) ByDriver(driverID string) (models.ActiveRide, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	id, ok := b.byDriver[driverID]
	if !ok {
		return models.ActiveRide{}, false
	}
	r, ok := b.byRide[id]
	return r, ok
}

// Advance moves the ride forward on behalf of its driver. A completed ride
// leaves the book. The updated ride is returned.
func (b *RideBook) Advance(rideID, driverID string, to models.RideStatus) (models.ActiveRide, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byRide[rideID]
	if !ok || r.DriverID != driverID || !to.Follows(r.Status) {
		return models.ActiveRide{}, false
	}
	r.Status = to
	if to == models.RideCompleted {
		b.deleteLocked(r)
	} else {
		b.byRide[rideID] = r
	}
	return r, true
}

// CancelByPassenger removes the ride if it belongs to passengerID and the
// driver has not started it yet.
func (b *RideBook) CancelByPassenger(rideID, passengerID string) (models.ActiveRide, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byRide[rideID]
	if !ok || r.PassengerID != passengerID || r.Status != models.RideAccepted {
		return models.ActiveRide{}, false
	}
	b.deleteLocked(r)
	return r, true
}

// SetPayment records the payment hold backing the ride.
func (b *RideBook) SetPayment(rideID, paymentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.byRide[rideID]
	if !ok {
		return false
	}
	r.PaymentID = paymentID
	b.byRide[rideID] = r
	return true
}

func (b *RideBook) deleteLocked(r models.ActiveRide) {
	delete(b.byRide, r.RideID)
	if b.byDriver[r.DriverID] == r.RideID {
		delete(b.byDriver, r.DriverID)
	}
}

func (b *RideBook) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byRide)
}
