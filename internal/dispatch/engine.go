package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

// DefaultOfferTimeout is how long a driver has to answer an offer.
const DefaultOfferTimeout = 15 * time.Second

var (
	ErrAlreadyDispatched = errors.New("dispatch: ride already has a pending dispatch")
	ErrClosed            = errors.New("dispatch: engine closed")
)

// PresenceSource yields the current available-driver snapshot.
type PresenceSource interface {
	AvailableDrivers(ctx context.Context) ([]models.Presence, error)
}

// Connections resolves and reaches live client connections.
type Connections interface {
	ConnectionOf(ident registry.Identity) (string, bool)
	Send(connID string, env models.Envelope) bool
	SendTo(ident registry.Identity, env models.Envelope) bool
}

type pending struct {
	rideID    string
	req       models.RideRequest
	startedAt time.Time

	// guarded by Engine.mu
	index    int
	driverID string // driver holding the outstanding offer, empty while searching
	attempt  uint64
	timer    *time.Timer
	offers   int
}

// Snapshot is a read-only view of a pending dispatch.
type Snapshot struct {
	RideID   string
	Index    int
	DriverID string
	Offers   int
}

// Engine offers each ride to one driver at a time, nearest first, until a
// driver accepts or the candidates run out.
type Engine struct {
	presence  PresenceSource
	conns     Connections
	timeout   time.Duration
	logger    *slog.Logger
	exhausted func(rideID string, req models.RideRequest)

	mu       sync.Mutex
	pending  map[string]*pending
	attempts uint64
	closed   bool
}

type Option func(*Engine)

// WithOfferTimeout overrides DefaultOfferTimeout. Non-positive values are ignored.
func WithOfferTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithExhaustedHook registers fn to run after a dispatch ends without a driver.
func WithExhaustedHook(fn func(rideID string, req models.RideRequest)) Option {
	return func(e *Engine) { e.exhausted = fn }
}

func New(presence PresenceSource, conns Connections, opts ...Option) *Engine {
	e := &Engine{
		presence: presence,
		conns:    conns,
		timeout:  DefaultOfferTimeout,
		logger:   slog.Default(),
		pending:  make(map[string]*pending),
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "dispatch")
	return e
}

// Acceptance is an honored offer. Index is the accepted candidate's position
// in the ranking it was picked from.
type Acceptance struct {
	Request models.RideRequest
	Index   int
}

// Dispatch starts searching a driver for the ride. The first offer (or the
// no-drivers notice) is sent before Dispatch returns.
func (e *Engine) Dispatch(ctx context.Context, rideID string, req models.RideRequest) error {
	return e.start(ctx, rideID, req, -1)
}

// Resume restarts the search for a ride whose acceptance could not be kept,
// continuing with the candidate ranked after the one that accepted.
func (e *Engine) Resume(ctx context.Context, rideID string, a Acceptance) error {
	return e.start(ctx, rideID, a.Request, a.Index)
}

func (e *Engine) start(ctx context.Context, rideID string, req models.RideRequest, index int) error {
	ctx = context.WithoutCancel(ctx)
	p := &pending{rideID: rideID, req: req, index: index, startedAt: time.Now()}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if _, ok := e.pending[rideID]; ok {
		e.mu.Unlock()
		return ErrAlreadyDispatched
	}
	e.pending[rideID] = p
	e.mu.Unlock()
	observability.PendingDispatches.Inc()

	e.logger.Info("dispatch started", "ride_id", rideID, "passenger_id", req.PassengerID, "after_index", index)
	e.offerNext(ctx, p)
	return nil
}

// Respond resolves the outstanding offer for rideID on behalf of driverID.
// It reports the acceptance when one was honored; any response that is not
// for the offer currently outstanding is ignored.
func (e *Engine) Respond(ctx context.Context, rideID, driverID string, accepted bool) (Acceptance, bool) {
	if driverID == "" {
		return Acceptance{}, false
	}
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	return e.resolve(context.WithoutCancel(ctx), rideID, func(p *pending) bool { return p.driverID == driverID }, accepted, outcome)
}

// resolve is the single path for accept, reject and timeout.
func (e *Engine) resolve(ctx context.Context, rideID string, match func(*pending) bool, accepted bool, outcome string) (Acceptance, bool) {
	e.mu.Lock()
	p, ok := e.pending[rideID]
	if !ok || p.driverID == "" || !match(p) {
		e.mu.Unlock()
		return Acceptance{}, false
	}
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	driverID := p.driverID
	index := p.index
	p.driverID = ""
	if accepted {
		e.removeLocked(p)
	}
	e.mu.Unlock()

	observability.OfferOutcomes.WithLabelValues(outcome).Inc()
	if accepted {
		observability.DispatchOutcomes.WithLabelValues("accepted").Inc()
		observability.MatchLatency.Observe(time.Since(p.startedAt).Seconds())
		e.logger.Info("offer accepted", "ride_id", rideID, "driver_id", driverID)
		return Acceptance{Request: p.req, Index: index}, true
	}
	e.logger.Debug("offer not taken", "ride_id", rideID, "driver_id", driverID, "outcome", outcome)
	e.offerNext(ctx, p)
	return Acceptance{}, false
}

// offerNext moves to the next reachable candidate. Rankings are recomputed
// from a fresh snapshot on every pass so drivers that went away are skipped.
func (e *Engine) offerNext(ctx context.Context, p *pending) {
	for {
		drivers, err := e.presence.AvailableDrivers(ctx)
		if err != nil {
			observability.RepositoryErrors.WithLabelValues("available_drivers").Inc()
			e.logger.Error("fetch available drivers", "ride_id", p.rideID, "error", err)
			e.exhaust(p)
			return
		}
		ranked := geo.Rank(p.req.From, drivers)

		e.mu.Lock()
		if e.pending[p.rideID] != p {
			e.mu.Unlock()
			return
		}
		p.index++
		if p.index >= len(ranked) {
			e.mu.Unlock()
			e.exhaust(p)
			return
		}
		cand := ranked[p.index]
		e.mu.Unlock()

		connID, ok := e.conns.ConnectionOf(registry.DriverID(cand.DriverID))
		if !ok {
			e.logger.Debug("candidate not connected", "ride_id", p.rideID, "driver_id", cand.DriverID)
			continue
		}

		e.mu.Lock()
		if e.pending[p.rideID] != p {
			e.mu.Unlock()
			return
		}
		e.attempts++
		attempt := e.attempts
		rideID := p.rideID
		p.attempt = attempt
		p.driverID = cand.DriverID
		p.offers++
		p.timer = time.AfterFunc(e.timeout, func() {
			e.resolve(context.Background(), rideID, func(cur *pending) bool { return cur.attempt == attempt }, false, "timeout")
		})
		e.mu.Unlock()

		offer := models.RideOffer{
			RideID:      rideID,
			PassengerID: p.req.PassengerID,
			From:        p.req.From.LatLng(),
			To:          p.req.To.LatLng(),
			Price:       p.req.Fare,
			Distance:    p.req.DistanceKm,
			Duration:    p.req.DurationMin,
			DistanceKm:  cand.DistanceKm,
			ExpiresAt:   time.Now().Add(e.timeout).UnixMilli(),
		}
		if e.conns.Send(connID, models.Envelope{Type: models.EventRideRequest, Data: offer}) {
			observability.OffersSent.Inc()
			e.logger.Info("offer sent", "ride_id", rideID, "driver_id", cand.DriverID, "distance_km", cand.DistanceKm)
			return
		}

		// the socket died between lookup and send; withdraw and keep going
		e.mu.Lock()
		if e.pending[rideID] != p || p.attempt != attempt || p.driverID == "" {
			e.mu.Unlock()
			return
		}
		p.timer.Stop()
		p.timer = nil
		p.driverID = ""
		p.offers--
		e.mu.Unlock()
		observability.OfferOutcomes.WithLabelValues("undeliverable").Inc()
	}
}

func (e *Engine) exhaust(p *pending) {
	e.mu.Lock()
	removed := e.removeLocked(p)
	e.mu.Unlock()
	if !removed {
		return
	}
	observability.DispatchOutcomes.WithLabelValues("no_drivers").Inc()
	e.logger.Info("no drivers left", "ride_id", p.rideID, "passenger_id", p.req.PassengerID)
	e.conns.SendTo(registry.PassengerID(p.req.PassengerID), models.Envelope{
		Type: models.EventRideNoDrivers,
		Data: models.RideRef{RideID: p.rideID},
	})
	if e.exhausted != nil {
		e.exhausted(p.rideID, p.req)
	}
}

func (e *Engine) removeLocked(p *pending) bool {
	if e.pending[p.rideID] != p {
		return false
	}
	delete(e.pending, p.rideID)
	observability.PendingDispatches.Dec()
	return true
}

// Pending reports the state of an in-flight dispatch.
func (e *Engine) Pending(rideID string) (Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[rideID]
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{RideID: p.rideID, Index: p.index, DriverID: p.driverID, Offers: p.offers}, true
}

// Close stops every outstanding timer and drops all pending dispatches.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		delete(e.pending, id)
		observability.PendingDispatches.Dec()
	}
	e.closed = true
}
