package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry/registrytest"
	"github.com/example/ride-dispatch/internal/storage"
)

var origin = models.Coord{Lat: 51.5074, Lon: -0.1278}

// kmNorth returns a point roughly km kilometres north of origin.
func kmNorth(km float64) (float64, float64) {
	return origin.Lat + km*0.009, origin.Lon
}

type recordingSink struct {
	mu        sync.Mutex
	events    []models.RideEvent
	locations []models.LocationUpdate
}

func (r *recordingSink) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locations = append(r.locations, u)
	return nil
}

func (r *recordingSink) PublishRideEvent(_ context.Context, e models.RideEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingSink) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fakePayments struct {
	mu       sync.Mutex
	holds    map[string]int64
	captured []string
	canceled []string
	holdErr  error
}

func (f *fakePayments) Hold(_ context.Context, rideID string, amount int64, currency string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	if f.holds == nil {
		f.holds = map[string]int64{}
	}
	f.holds[rideID] = amount
	return "pi_" + rideID, nil
}

func (f *fakePayments) Capture(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured = append(f.captured, id)
	return nil
}

func (f *fakePayments) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

type fixedQuoter struct{ q fare.Quote }

func (f fixedQuoter) Quote(context.Context, models.Coord, models.Coord) fare.Quote { return f.q }

type harness struct {
	t     *testing.T
	svc   *Service
	store *storage.MemoryStore
	sink  *recordingSink
	pay   *fakePayments
	clock *fakeClock
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		store: storage.NewMemoryStore(),
		sink:  &recordingSink{},
		pay:   &fakePayments{},
		clock: &fakeClock{t: time.Now()},
	}
	opts = append([]Option{WithOfferTimeout(time.Second), WithClock(h.clock.now)}, opts...)
	h.svc = NewService(Deps{Store: h.store, Events: h.sink, Payments: h.pay}, opts...)
	t.Cleanup(h.svc.Close)
	return h
}

// driver seeds an available driver km kilometres north of origin.
func (h *harness) driver(id, name string, km float64) {
	h.t.Helper()
	ctx := context.Background()
	_, err := h.store.AddDriver(ctx, models.DriverProfile{DriverID: id, Name: name, Car: models.Car{Model: "Toyota Corolla", Plate: "AB12 CDE"}})
	require.NoError(h.t, err)
	lat, lon := kmNorth(km)
	status := models.DriverAvailable
	require.NoError(h.t, h.store.UpdatePresence(ctx, id, models.PresenceUpdate{Lat: &lat, Lon: &lon, Status: &status}))
}

func (h *harness) connect(connID string) *registrytest.Outbox {
	out := registrytest.NewOutbox()
	h.svc.Connect(connID, out)
	return out
}

func (h *harness) send(connID, typ string, data any) {
	h.t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "data": data})
	require.NoError(h.t, err)
	h.svc.HandleMessage(context.Background(), connID, raw)
}

func (h *harness) register(kind, id string, extra ...string) *registrytest.Outbox {
	h.t.Helper()
	connID := kind + "-conn-" + id
	if len(extra) > 0 {
		connID += "-" + extra[0]
	}
	out := h.connect(connID)
	data := map[string]any{"clientType": kind, "clientId": id}
	if len(extra) > 1 {
		data["rideToken"] = extra[1]
	}
	h.send(connID, "register", data)
	require.Equal(h.t, 1, out.Count(models.EventRegistered))
	return out
}

func (h *harness) requestRide(passenger string) {
	h.t.Helper()
	h.send("passenger-conn-"+passenger, "passenger:request-ride", map[string]any{
		"from":     map[string]any{"lat": origin.Lat, "lng": origin.Lon},
		"to":       map[string]any{"lat": 51.52, "lon": -0.1},
		"price":    12.5,
		"distance": 3.1,
		"duration": 9,
	})
}

func lastRideID(t *testing.T, out *registrytest.Outbox) string {
	t.Helper()
	env, ok := out.Last(models.EventRideRequestSent)
	require.True(t, ok, "no ride:request-sent")
	return env.Data.(models.RideRef).RideID
}

func acceptedView(t *testing.T, out *registrytest.Outbox) models.RideView {
	t.Helper()
	env, ok := out.Last(models.EventRideAccepted)
	require.True(t, ok, "no ride:accepted")
	return env.Data.(models.RideView)
}

// acceptedRide runs a request through to acceptance by the only driver.
func (h *harness) acceptedRide() (rideID string, passenger, driver *registrytest.Outbox) {
	h.t.Helper()
	h.driver("d1", "John", 1)
	driver = h.register("driver", "d1")
	passenger = h.register("passenger", "p1")
	h.requestRide("p1")
	rideID = lastRideID(h.t, passenger)
	h.send("driver-conn-d1", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": true})
	_, ok := h.svc.ActiveRide(rideID)
	require.True(h.t, ok)
	return rideID, passenger, driver
}

func TestConnectAndDecodeErrors(t *testing.T) {
	h := newHarness(t)
	out := h.connect("c1")

	env, ok := out.Last(models.EventConnected)
	require.True(t, ok)
	assert.Equal(t, connectedData{ConnectionID: "c1"}, env.Data)

	h.svc.HandleMessage(context.Background(), "c1", []byte("{nope"))
	env, ok = out.Last(models.EventError)
	require.True(t, ok)
	assert.Equal(t, errorData{Message: "Invalid message format"}, env.Data)

	h.send("c1", "something:else", map[string]any{})
	assert.Len(t, out.Sent(), 2)
}

func TestRegisterValidation(t *testing.T) {
	h := newHarness(t)
	out := h.connect("c1")
	h.send("c1", "register", map[string]any{"clientType": "admin", "clientId": "x"})
	h.send("c1", "register", map[string]any{"clientType": "driver"})
	assert.Zero(t, out.Count(models.EventRegistered))

	h.send("c1", "register", map[string]any{"clientType": "driver", "clientId": "d1"})
	env, ok := out.Last(models.EventRegistered)
	require.True(t, ok)
	assert.Equal(t, registeredData{ConnectionID: "c1", ClientType: "driver", ClientID: "d1"}, env.Data)
}

func TestRejectThenAcceptScenario(t *testing.T) {
	h := newHarness(t)
	h.driver("near", "John", 1)
	h.driver("far", "Jane", 5)
	near := h.register("driver", "near")
	far := h.register("driver", "far")
	passenger := h.register("passenger", "p1")

	h.requestRide("p1")
	rideID := lastRideID(t, passenger)
	require.Equal(t, 1, near.Count(models.EventRideRequest))
	assert.Zero(t, far.Count(models.EventRideRequest))

	h.send("driver-conn-near", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": false})
	require.Equal(t, 1, far.Count(models.EventRideRequest))
	h.send("driver-conn-far", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": true})

	ride, ok := h.svc.ActiveRide(rideID)
	require.True(t, ok)
	assert.Equal(t, "far", ride.DriverID)
	byDriver, ok := h.svc.rides.ByDriver("far")
	require.True(t, ok)
	assert.Equal(t, rideID, byDriver.RideID)
	assert.Equal(t, 2, near.Count(models.EventRideRequest)+far.Count(models.EventRideRequest))

	pv := acceptedView(t, passenger)
	dv := acceptedView(t, far)
	assert.Equal(t, "Jane", pv.DriverName)
	require.NotNil(t, pv.DriverCar)
	assert.Equal(t, "Toyota Corolla", pv.DriverCar.Model)
	assert.Equal(t, models.RideAccepted, pv.Status)
	assert.Equal(t, 12.5, pv.Price)
	assert.Equal(t, models.LatLng{Lat: 51.52, Lng: -0.1}, pv.To)
	assert.NotEmpty(t, pv.RideToken)
	assert.Equal(t, pv.RideToken, dv.RideToken)

	b, ok := h.svc.tokens.Validate(pv.RideToken)
	require.True(t, ok)
	assert.Equal(t, Binding{RideID: rideID, PassengerID: "p1", DriverID: "far", ExpiresAt: b.ExpiresAt}, b)

	p, err := h.store.Presence(context.Background(), "far")
	require.NoError(t, err)
	assert.Equal(t, models.DriverBusy, p.Status)
	rec, ok := h.store.Ride(rideID)
	require.True(t, ok)
	assert.Equal(t, models.RideAccepted, rec.Status)
	assert.Equal(t, "p1", rec.PassengerID)

	assert.Equal(t, int64(1250), h.pay.holds[rideID])
	assert.Equal(t, "pi_"+rideID, ride.PaymentID)
	assert.Equal(t, []string{"ride.requested", "ride.accepted"}, h.sink.types())
}

func TestNoDriversScenario(t *testing.T) {
	h := newHarness(t)
	passenger := h.register("passenger", "p1")
	h.requestRide("p1")

	rideID := lastRideID(t, passenger)
	env, ok := passenger.Last(models.EventRideNoDrivers)
	require.True(t, ok)
	assert.Equal(t, models.RideRef{RideID: rideID}, env.Data)
	_, pending := h.svc.engine.Pending(rideID)
	assert.False(t, pending)
	assert.Equal(t, []string{"ride.requested", "ride.no_drivers"}, h.sink.types())
}

func TestTimeoutOffersNextDriver(t *testing.T) {
	h := newHarness(t, WithOfferTimeout(30*time.Millisecond))
	h.driver("near", "John", 1)
	h.driver("far", "Jane", 5)
	near := h.register("driver", "near")
	far := h.register("driver", "far")
	h.register("passenger", "p1")
	h.requestRide("p1")

	require.Eventually(t, func() bool { return far.Count(models.EventRideRequest) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, near.Count(models.EventRideRequest))
}

func TestRideResponseRequiresDriver(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", "John", 1)
	h.register("driver", "d1")
	passenger := h.register("passenger", "p1")
	h.requestRide("p1")
	rideID := lastRideID(t, passenger)

	h.send("passenger-conn-p1", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": true})
	h.connect("anon")
	h.send("anon", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": true})

	_, ok := h.svc.ActiveRide(rideID)
	assert.False(t, ok)
	snap, ok := h.svc.engine.Pending(rideID)
	require.True(t, ok)
	assert.Equal(t, "d1", snap.DriverID)
}

func TestRequestRideValidation(t *testing.T) {
	h := newHarness(t)
	passenger := h.register("passenger", "p1")
	driver := h.register("driver", "d9")

	h.send("passenger-conn-p1", "passenger:request-ride", map[string]any{
		"passengerId": "someone-else",
		"from":        map[string]any{"lat": 1, "lng": 1},
		"to":          map[string]any{"lat": 2, "lng": 2},
	})
	h.send("passenger-conn-p1", "passenger:request-ride", map[string]any{
		"from": map[string]any{"lat": 1},
		"to":   map[string]any{"lat": 2, "lng": 2},
	})
	h.send("passenger-conn-p1", "passenger:request-ride", map[string]any{"from": "here", "to": "there"})
	h.send("driver-conn-d9", "passenger:request-ride", map[string]any{
		"from": map[string]any{"lat": 1, "lng": 1},
		"to":   map[string]any{"lat": 2, "lng": 2},
	})
	assert.Zero(t, passenger.Count(models.EventRideRequestSent))
	assert.Zero(t, driver.Count(models.EventRideRequestSent))

	h.send("passenger-conn-p1", "passenger:request-ride", map[string]any{
		"passengerId": "p1",
		"from":        map[string]any{"lat": "51.5", "lon": "-0.12"},
		"to":          map[string]any{"lat": 51.52, "lng": -0.1},
	})
	assert.Equal(t, 1, passenger.Count(models.EventRideRequestSent))
}

func TestRequestRideQuotesMissingFare(t *testing.T) {
	h := newHarness(t, WithQuoter(fixedQuoter{q: fare.Quote{Fare: 9.4, DistanceKm: 3.2, DurationMin: 6.4}}))
	h.driver("d1", "John", 1)
	driver := h.register("driver", "d1")

	rideID, err := h.svc.RequestRide(context.Background(), models.RideRequest{PassengerID: "p1", From: origin, To: models.Coord{Lat: 51.52, Lon: -0.1}})
	require.NoError(t, err)
	assert.NotEmpty(t, rideID)

	env, ok := driver.Last(models.EventRideRequest)
	require.True(t, ok)
	offer := env.Data.(models.RideOffer)
	assert.Equal(t, rideID, offer.RideID)
	assert.Equal(t, 9.4, offer.Price)
	assert.Equal(t, 3.2, offer.Distance)

	_, err = h.svc.RequestRide(context.Background(), models.RideRequest{})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestLocationRelayedToPassenger(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, _ := h.acceptedRide()

	h.send("driver-conn-d1", "driver:location", map[string]any{"lat": 51.51, "lon": -0.13})

	env, ok := passenger.Last(models.EventDriverLocation)
	require.True(t, ok)
	assert.Equal(t, models.DriverLocation{RideID: rideID, DriverID: "d1", Lat: 51.51, Lng: -0.13, Status: models.DriverBusy}, env.Data)

	p, err := h.store.Presence(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 51.51, p.Lat)
	require.Len(t, h.sink.locations, 1)
	assert.Equal(t, "d1", h.sink.locations[0].DriverID)

	// non-numeric coordinates are dropped
	h.send("driver-conn-d1", "driver:location", map[string]any{"lat": "x", "lng": 1})
	assert.Equal(t, 1, passenger.Count(models.EventDriverLocation))
}

func TestDriverStatusMapsOnRide(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", "John", 1)
	h.register("driver", "d1")

	h.send("driver-conn-d1", "driver:status", map[string]any{"status": "on_ride"})
	p, err := h.store.Presence(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DriverBusy, p.Status)

	h.send("driver-conn-d1", "driver:status", map[string]any{"status": "sleeping"})
	p, _ = h.store.Presence(context.Background(), "d1")
	assert.Equal(t, models.DriverBusy, p.Status)

	h.register("passenger", "p1")
	h.send("passenger-conn-p1", "driver:status", map[string]any{"status": "offline"})
	_, err = h.store.Presence(context.Background(), "p1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStatusUpdatesToCompletion(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, driver := h.acceptedRide()
	token := acceptedView(t, passenger).RideToken

	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "initiated"})
	require.Equal(t, 1, passenger.Count(models.EventRideStatusUpdate))
	require.Equal(t, 1, driver.Count(models.EventRideStatusUpdate))
	env, _ := passenger.Last(models.EventRideStatusUpdate)
	assert.Equal(t, models.RideInitiated, env.Data.(models.RideView).Status)
	rec, _ := h.store.Ride(rideID)
	assert.Equal(t, models.RideInitiated, rec.Status)

	// cancel after pickup has no effect
	h.send("passenger-conn-p1", "passenger:cancel-ride", map[string]any{"rideId": rideID})
	ride, ok := h.svc.ActiveRide(rideID)
	require.True(t, ok)
	assert.Equal(t, models.RideInitiated, ride.Status)
	assert.Zero(t, passenger.Count(models.EventRideCancelled))

	// backwards or repeated transitions are ignored
	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "initiated"})
	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "accepted"})
	assert.Equal(t, 1, passenger.Count(models.EventRideStatusUpdate))

	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "completed"})
	assert.Equal(t, 2, passenger.Count(models.EventRideStatusUpdate))
	assert.Equal(t, 2, driver.Count(models.EventRideStatusUpdate))

	_, ok = h.svc.ActiveRide(rideID)
	assert.False(t, ok)
	_, ok = h.svc.rides.ByDriver("d1")
	assert.False(t, ok)
	_, ok = h.svc.tokens.Validate(token)
	assert.False(t, ok)
	p, _ := h.store.Presence(context.Background(), "d1")
	assert.Equal(t, models.DriverAvailable, p.Status)
	rec, _ = h.store.Ride(rideID)
	assert.Equal(t, models.RideCompleted, rec.Status)
	assert.Equal(t, []string{"pi_" + rideID}, h.pay.captured)
}

func TestStatusUpdateOnlyByRideDriver(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, _ := h.acceptedRide()
	h.register("driver", "intruder")

	h.send("driver-conn-intruder", "ride:update-status", map[string]any{"rideId": rideID, "status": "initiated"})
	h.send("passenger-conn-p1", "ride:update-status", map[string]any{"rideId": rideID, "status": "initiated"})

	assert.Zero(t, passenger.Count(models.EventRideStatusUpdate))
	ride, _ := h.svc.ActiveRide(rideID)
	assert.Equal(t, models.RideAccepted, ride.Status)
}

func TestPassengerCancelWhileAccepted(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, driver := h.acceptedRide()
	token := acceptedView(t, passenger).RideToken

	h.register("passenger", "p2")
	h.send("passenger-conn-p2", "passenger:cancel-ride", map[string]any{"rideId": rideID})
	_, ok := h.svc.ActiveRide(rideID)
	require.True(t, ok, "only the ride's passenger may cancel")

	h.send("passenger-conn-p1", "passenger:cancel-ride", map[string]any{"rideId": rideID})

	env, ok := passenger.Last(models.EventRideCancelled)
	require.True(t, ok)
	assert.Equal(t, models.RideRef{RideID: rideID}, env.Data)
	assert.Equal(t, 1, driver.Count(models.EventCancelledByRider))

	_, ok = h.svc.ActiveRide(rideID)
	assert.False(t, ok)
	_, ok = h.svc.tokens.Validate(token)
	assert.False(t, ok)
	p, _ := h.store.Presence(context.Background(), "d1")
	assert.Equal(t, models.DriverAvailable, p.Status)
	rec, _ := h.store.Ride(rideID)
	assert.Equal(t, models.RideCancelled, rec.Status)
	assert.Equal(t, []string{"pi_" + rideID}, h.pay.canceled)
}

func TestResumeAfterReconnect(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, _ := h.acceptedRide()
	token := acceptedView(t, passenger).RideToken

	h.svc.Disconnect("passenger-conn-p1")
	h.svc.Disconnect("driver-conn-d1")
	_, ok := h.svc.ActiveRide(rideID)
	require.True(t, ok, "disconnect keeps the ride")

	back := h.register("passenger", "p1", "2", token)
	view := acceptedView(t, back)
	assert.Equal(t, rideID, view.RideID)
	assert.Equal(t, token, view.RideToken)
	assert.Equal(t, "John", view.DriverName)
	assert.Equal(t, models.RideAccepted, view.Status)

	driverBack := h.register("driver", "d1", "2", token)
	assert.Equal(t, rideID, acceptedView(t, driverBack).RideID)

	// a token for someone else's ride does nothing
	stranger := h.register("passenger", "p9", "1", token)
	assert.Zero(t, stranger.Count(models.EventRideAccepted))
	bogus := h.register("passenger", "p1", "3", "deadbeef")
	assert.Zero(t, bogus.Count(models.EventRideAccepted))
}

func TestResumeReflectsCurrentStatusAndExpiry(t *testing.T) {
	h := newHarness(t, WithTokenTTL(time.Minute))
	rideID, passenger, _ := h.acceptedRide()
	token := acceptedView(t, passenger).RideToken

	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "initiated"})
	back := h.register("passenger", "p1", "2", token)
	assert.Equal(t, models.RideInitiated, acceptedView(t, back).Status)

	h.clock.advance(2 * time.Minute)
	late := h.register("passenger", "p1", "3", token)
	assert.Zero(t, late.Count(models.EventRideAccepted))
}

func TestResumeAfterRevocationHasNoEffect(t *testing.T) {
	h := newHarness(t)
	rideID, passenger, _ := h.acceptedRide()
	token := acceptedView(t, passenger).RideToken

	h.send("passenger-conn-p1", "passenger:cancel-ride", map[string]any{"rideId": rideID})
	back := h.register("passenger", "p1", "2", token)
	assert.Zero(t, back.Count(models.EventRideAccepted))
}

func TestEvaluationTwiceStoresOne(t *testing.T) {
	h := newHarness(t)
	rideID, _, _ := h.acceptedRide()
	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "completed"})

	eval := map[string]any{"rideId": rideID, "passengerId": "p1", "driverId": "d1", "rating": 5, "comment": " great "}
	h.send("passenger-conn-p1", "passenger:ride-evaluation", eval)
	h.send("passenger-conn-p1", "passenger:ride-evaluation", eval)
	assert.Equal(t, 1, h.store.Evaluations())

	prof, err := h.store.DriverProfile(context.Background(), "d1")
	require.NoError(t, err)
	require.NotNil(t, prof.Rating)
	assert.Equal(t, 5.0, *prof.Rating)
}

func TestEvaluationPreconditions(t *testing.T) {
	h := newHarness(t)
	rideID, _, _ := h.acceptedRide()

	// not completed yet
	h.send("passenger-conn-p1", "passenger:ride-evaluation", map[string]any{"rideId": rideID, "passengerId": "p1", "driverId": "d1", "rating": 4})
	h.send("driver-conn-d1", "ride:update-status", map[string]any{"rideId": rideID, "status": "completed"})
	// claims to be another passenger
	h.send("passenger-conn-p1", "passenger:ride-evaluation", map[string]any{"rideId": rideID, "passengerId": "p2", "driverId": "d1", "rating": 4})
	// rating not numeric
	h.send("passenger-conn-p1", "passenger:ride-evaluation", map[string]any{"rideId": rideID, "passengerId": "p1", "driverId": "d1", "rating": "five"})
	// sent by the driver
	h.send("driver-conn-d1", "passenger:ride-evaluation", map[string]any{"rideId": rideID, "passengerId": "p1", "driverId": "d1", "rating": 4})
	assert.Zero(t, h.store.Evaluations())

	h.send("passenger-conn-p1", "passenger:ride-evaluation", map[string]any{"rideId": rideID, "passengerId": "p1", "driverId": "d1", "rating": "4"})
	assert.Equal(t, 1, h.store.Evaluations())
}

func TestBusyDriverAcceptanceCountsAsRejection(t *testing.T) {
	h := newHarness(t)
	_, _, driver := h.acceptedRide()
	h.driver("d2", "Jane", 5)
	h.register("driver", "d2")
	// d1 is busy now; flip it back to available to get offered a second ride
	require.NoError(t, h.store.UpdatePresence(context.Background(), "d1", models.StatusChange(models.DriverAvailable)))

	other := h.register("passenger", "p2")
	h.send("passenger-conn-p2", "passenger:request-ride", map[string]any{
		"from": map[string]any{"lat": origin.Lat, "lng": origin.Lon},
		"to":   map[string]any{"lat": 51.52, "lng": -0.1},
	})
	second := lastRideID(t, other)
	require.Equal(t, 2, driver.Count(models.EventRideRequest))

	h.send("driver-conn-d1", "driver:ride-response", map[string]any{"rideId": second, "accepted": true})
	_, ok := h.svc.ActiveRide(second)
	assert.False(t, ok)
	snap, ok := h.svc.engine.Pending(second)
	require.True(t, ok)
	assert.Equal(t, "d2", snap.DriverID)
}

func TestPaymentFailureDoesNotBlockAcceptance(t *testing.T) {
	h := newHarness(t)
	h.pay.holdErr = errors.New("card declined")
	rideID, passenger, _ := h.acceptedRide()

	ride, ok := h.svc.ActiveRide(rideID)
	require.True(t, ok)
	assert.Empty(t, ride.PaymentID)
	assert.Equal(t, 1, passenger.Count(models.EventRideAccepted))
}

func TestAcceptanceWithUnknownProfile(t *testing.T) {
	h := newHarness(t)
	lat, lon := kmNorth(1)
	status := models.DriverAvailable
	require.NoError(t, h.store.UpdatePresence(context.Background(), "ghost", models.PresenceUpdate{Lat: &lat, Lon: &lon, Status: &status}))
	h.register("driver", "ghost")
	passenger := h.register("passenger", "p1")
	h.requestRide("p1")
	rideID := lastRideID(t, passenger)

	h.send("driver-conn-ghost", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": "yes"})
	view := acceptedView(t, passenger)
	assert.Equal(t, "Driver", view.DriverName)
	assert.Nil(t, view.DriverCar)
}

func openConnections(t *testing.T) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, observability.ConnectionsOpen.Write(&m))
	return m.GetGauge().GetValue()
}

func TestConnectionGaugeIgnoresRepeats(t *testing.T) {
	h := newHarness(t)
	before := openConnections(t)

	h.connect("g1")
	h.connect("g1")
	assert.Equal(t, before+1, openConnections(t))

	h.svc.Disconnect("g1")
	h.svc.Disconnect("g1")
	h.svc.Disconnect("never-opened")
	assert.Equal(t, before, openConnections(t))
}

func TestLostAcceptanceRaceResumesWithNextDriver(t *testing.T) {
	h := newHarness(t)
	h.driver("d1", "John", 1)
	h.driver("d2", "Jane", 2)
	h.driver("d3", "Omar", 3)
	d1 := h.register("driver", "d1")
	d2 := h.register("driver", "d2")
	d3 := h.register("driver", "d3")
	passenger := h.register("passenger", "p1")

	h.requestRide("p1")
	rideID := lastRideID(t, passenger)
	h.send("driver-conn-d1", "driver:ride-response", map[string]any{"rideId": rideID, "accepted": false})
	require.Equal(t, 1, d2.Count(models.EventRideRequest))

	// d2 gets booked on another ride between the busy check and the booking
	ctx := context.Background()
	acc, ok := h.svc.engine.Respond(ctx, rideID, "d2", true)
	require.True(t, ok)
	require.NoError(t, h.svc.rides.Put(models.ActiveRide{RideID: "other", DriverID: "d2", PassengerID: "p9", Status: models.RideAccepted}))
	h.svc.accept(ctx, rideID, "d2", acc)

	_, ok = h.svc.ActiveRide(rideID)
	assert.False(t, ok)
	snap, ok := h.svc.engine.Pending(rideID)
	require.True(t, ok)
	assert.Equal(t, "d3", snap.DriverID)
	assert.Equal(t, 1, d1.Count(models.EventRideRequest), "driver who declined is not asked again")
	assert.Equal(t, 1, d3.Count(models.EventRideRequest))
	assert.Zero(t, passenger.Count(models.EventRideAccepted))
}
