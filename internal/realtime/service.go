// Package realtime routes websocket events between drivers and passengers
// and owns the state of rides from acceptance to completion.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrDriverBusy = errors.New("realtime: driver already has an active ride")
	ErrBadRequest = errors.New("realtime: bad request")
)

// EventSink receives facts worth sharing with other systems.
type EventSink interface {
	PublishLocation(ctx context.Context, u models.LocationUpdate) error
	PublishRideEvent(ctx context.Context, e models.RideEvent) error
}

// PaymentHolder reserves the fare when a ride is accepted.
type PaymentHolder interface {
	Hold(ctx context.Context, rideID string, amountMinor int64, currency string) (string, error)
	Capture(ctx context.Context, paymentID string) error
	Cancel(ctx context.Context, paymentID string) error
}

// Quoter prices requests that arrive without a fare.
type Quoter interface {
	Quote(ctx context.Context, from, to models.Coord) fare.Quote
}

type Deps struct {
	Registry *registry.Registry
	Store    storage.Repository
	Events   EventSink     // optional
	Payments PaymentHolder // optional
	Logger   *slog.Logger
}

type Service struct {
	reg      *registry.Registry
	store    storage.Repository
	events   EventSink
	payments PaymentHolder
	quoter   Quoter
	currency string
	logger   *slog.Logger

	engine   *dispatch.Engine
	tokens   *TokenStore
	rides    *RideBook
	handlers map[string]handlerFunc

	offerTimeout time.Duration
	tokenTTL     time.Duration
	now          func() time.Time
}

type Option func(*Service)

func WithOfferTimeout(d time.Duration) Option { return func(s *Service) { s.offerTimeout = d } }

func WithTokenTTL(d time.Duration) Option { return func(s *Service) { s.tokenTTL = d } }

// WithClock sets the clock used for token expiry.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithQuoter(q Quoter) Option { return func(s *Service) { s.quoter = q } }

func WithCurrency(c string) Option {
	return func(s *Service) {
		if c != "" {
			s.currency = c
		}
	}
}

func NewService(deps Deps, opts ...Option) *Service {
	s := &Service{
		reg:      deps.Registry,
		store:    deps.Store,
		events:   deps.Events,
		payments: deps.Payments,
		logger:   deps.Logger,
		currency: fare.Currency,
		tokenTTL: DefaultTokenTTL,
		now:      time.Now,
	}
	if s.reg == nil {
		s.reg = registry.New()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	for _, o := range opts {
		o(s)
	}
	base := s.logger
	s.logger = base.With("component", "realtime")
	s.tokens = NewTokenStore(s.tokenTTL, s.now)
	s.rides = NewRideBook()
	s.engine = dispatch.New(s.store, s.reg,
		dispatch.WithOfferTimeout(s.offerTimeout),
		dispatch.WithLogger(base),
		dispatch.WithExhaustedHook(s.onNoDrivers),
	)
	s.handlers = s.routes()
	return s
}

// Connect registers a freshly accepted connection and greets it.
func (s *Service) Connect(connID string, out registry.Outbox) {
	if s.reg.Open(connID, out) {
		observability.ConnectionsOpen.Inc()
	}
	s.reg.Send(connID, models.Envelope{Type: models.EventConnected, Data: connectedData{ConnectionID: connID}})
}

// Disconnect forgets the connection. Rides and dispatches tied to its
// identity carry on; the client can resume with its ride token.
func (s *Service) Disconnect(connID string) {
	if s.reg.Close(connID) {
		observability.ConnectionsOpen.Dec()
	}
}

// HandleMessage processes one inbound frame. Messages of a connection must be
// handled in arrival order by the caller.
func (s *Service) HandleMessage(ctx context.Context, connID string, raw []byte) {
	typ, data, err := decodeEnvelope(raw)
	if err != nil {
		observability.DecodeErrors.Inc()
		s.reg.Send(connID, models.Envelope{Type: models.EventError, Data: errorData{Message: "Invalid message format"}})
		return
	}
	h, ok := s.handlers[typ]
	if !ok {
		observability.InboundEvents.WithLabelValues("unknown").Inc()
		return
	}
	observability.InboundEvents.WithLabelValues(typ).Inc()
	h(ctx, connID, data)
}

// RequestRide starts dispatching a ride for a passenger and returns its id.
// A request without a fare is priced by the configured quoter.
func (s *Service) RequestRide(ctx context.Context, req models.RideRequest) (string, error) {
	return s.requestRide(ctx, req, "")
}

func (s *Service) requestRide(ctx context.Context, req models.RideRequest, ackConn string) (string, error) {
	if req.PassengerID == "" {
		return "", fmt.Errorf("%w: missing passenger id", ErrBadRequest)
	}
	if req.Fare <= 0 && s.quoter != nil {
		q := s.quoter.Quote(ctx, req.From, req.To)
		req.Fare, req.DistanceKm, req.DurationMin = q.Fare, q.DistanceKm, q.DurationMin
	}
	rideID := uuid.NewString()
	ack := models.Envelope{Type: models.EventRideRequestSent, Data: models.RideRef{RideID: rideID}}
	if ackConn != "" {
		s.reg.Send(ackConn, ack)
	} else {
		s.reg.SendTo(registry.PassengerID(req.PassengerID), ack)
	}
	s.publish(ctx, models.RideEvent{Type: "ride.requested", RideID: rideID, PassengerID: req.PassengerID})
	if err := s.engine.Dispatch(ctx, rideID, req); err != nil {
		return "", err
	}
	return rideID, nil
}

// ActiveRide returns the in-flight ride with the given id.
func (s *Service) ActiveRide(rideID string) (models.ActiveRide, bool) {
	return s.rides.Get(rideID)
}

// Close stops all dispatch timers.
func (s *Service) Close() {
	s.engine.Close()
}

func (s *Service) onNoDrivers(rideID string, req models.RideRequest) {
	s.publish(context.Background(), models.RideEvent{Type: "ride.no_drivers", RideID: rideID, PassengerID: req.PassengerID})
}

func (s *Service) publish(ctx context.Context, e models.RideEvent) {
	if s.events == nil {
		return
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	if err := s.events.PublishRideEvent(ctx, e); err != nil {
		s.logger.Warn("publish ride event", "ride_id", e.RideID, "type", e.Type, "error", err)
	}
}

type connectedData struct {
	ConnectionID string `json:"connectionId"`
}

type registeredData struct {
	ConnectionID string        `json:"connectionId"`
	ClientType   registry.Kind `json:"clientType"`
	ClientID     string        `json:"clientId"`
}

type errorData struct {
	Message string `json:"message"`
}
