package realtime

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// DefaultTokenTTL bounds how long a ride token can be used to resume.
const DefaultTokenTTL = 2 * time.Hour

const tokenBytes = 24

// Binding is what a ride token resolves to.
type Binding struct {
	RideID      string
	PassengerID string
	DriverID    string
	ExpiresAt   time.Time
}

// TokenStore issues opaque ride tokens. At most one token maps to a ride.
type TokenStore struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	byToken map[string]Binding
	byRide  map[string]string
}

func NewTokenStore(ttl time.Duration, now func() time.Time) *TokenStore {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	if now == nil {
		now = time.Now
	}
	return &TokenStore{ttl: ttl, now: now, byToken: make(map[string]Binding), byRide: make(map[string]string)}
}

// Mint issues a fresh token for the ride, replacing any earlier one.
func (t *TokenStore) Mint(rideID, passengerID, driverID string) (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("mint ride token: %w", err)
	}
	token := hex.EncodeToString(b)

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.byRide[rideID]; ok {
		delete(t.byToken, old)
	}
	t.byToken[token] = Binding{
		RideID:      rideID,
		PassengerID: passengerID,
		DriverID:    driverID,
		ExpiresAt:   t.now().Add(t.ttl),
	}
	t.byRide[rideID] = token
	return token, nil
}

// Validate resolves a token. Expired tokens are dropped on sight.
func (t *TokenStore) Validate(token string) (Binding, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byToken[token]
	if !ok {
		return Binding{}, false
	}
	if t.now().After(b.ExpiresAt) {
		t.dropLocked(token, b.RideID)
		return Binding{}, false
	}
	return b, true
}

func (t *TokenStore) RevokeRide(rideID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token, ok := t.byRide[rideID]; ok {
		t.dropLocked(token, rideID)
	}
}

func (t *TokenStore) dropLocked(token, rideID string) {
	delete(t.byToken, token)
	if t.byRide[rideID] == token {
		delete(t.byRide, rideID)
	}
}

func (t *TokenStore) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byToken)
}
