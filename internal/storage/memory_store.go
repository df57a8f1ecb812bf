package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore keeps everything in process. It backs local runs and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	order       []string
	presence    map[string]models.Presence
	drivers     map[string]models.DriverProfile
	rides       map[string]models.RideRecord
	evaluations map[string]models.Evaluation
	now         func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		presence:    make(map[string]models.Presence),
		drivers:     make(map[string]models.DriverProfile),
		rides:       make(map[string]models.RideRecord),
		evaluations: make(map[string]models.Evaluation),
		now:         time.Now,
	}
}

func (m *MemoryStore) AddDriver(_ context.Context, p models.DriverProfile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[p.DriverID]; ok {
		return false, nil
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = m.now()
	}
	p.Rating, p.RideCount = nil, 0
	m.drivers[p.DriverID] = p
	return true, nil
}

func (m *MemoryStore) AvailableDrivers(_ context.Context) ([]models.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Presence, 0, len(m.order))
	for _, id := range m.order {
		if p := m.presence[id]; p.Status == models.DriverAvailable {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdatePresence(_ context.Context, driverID string, u models.PresenceUpdate) error {
	if driverID == "" {
		return fmt.Errorf("update presence: empty driver id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.presence[driverID]
	if !ok {
		p = models.Presence{DriverID: driverID, Status: models.DriverOffline}
		m.order = append(m.order, driverID)
	}
	if u.Lat != nil {
		p.Lat = *u.Lat
	}
	if u.Lon != nil {
		p.Lon = *u.Lon
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	p.UpdatedAt = m.now()
	m.presence[driverID] = p
	return nil
}

func (m *MemoryStore) Presence(_ context.Context, driverID string) (models.Presence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.presence[driverID]
	if !ok {
		return models.Presence{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) DriverProfile(_ context.Context, driverID string) (models.DriverProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.drivers[driverID]
	if !ok {
		return models.DriverProfile{}, ErrNotFound
	}
	for _, r := range m.rides {
		if r.DriverID == driverID && r.Status == models.RideCompleted {
			p.RideCount++
		}
	}
	var sum float64
	var n int
	for _, ev := range m.evaluations {
		if ev.DriverID == driverID {
			sum += ev.Rating
			n++
		}
	}
	p.Rating = averageRating(sum, n)
	return p, nil
}

func (m *MemoryStore) UpsertRide(_ context.Context, r models.RideRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return nil
	}
	now := m.now()
	r.CreatedAt, r.UpdatedAt = now, now
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryStore) SetRideStatus(_ context.Context, rideID string, status models.RideStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil
	}
	r.Status = status
	r.UpdatedAt = m.now()
	m.rides[rideID] = r
	return nil
}

func (m *MemoryStore) CreateEvaluation(_ context.Context, ev models.Evaluation) (bool, error) {
	stars, ok := roundRating(ev.Rating)
	if !ok {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ride, ok := m.rides[ev.RideID]
	if !ok || !evaluable(ride, ev) {
		return false, nil
	}
	if _, dup := m.evaluations[ev.RideID]; dup {
		return false, nil
	}
	ev.Rating = float64(stars)
	m.evaluations[ev.RideID] = ev
	return true, nil
}

// Ride returns the stored ride record.
func (m *MemoryStore) Ride(rideID string) (models.RideRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[rideID]
	return r, ok
}

// Evaluations returns the number of stored evaluations.
func (m *MemoryStore) Evaluations() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.evaluations)
}
