package realtime

import (
	"context"
	"errors"
	"strings"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
)

type handlerFunc func(ctx context.Context, connID string, data fields)

// Inbound event types.
const (
	eventRegister         = "register"
	eventDriverLocation   = "driver:location"
	eventDriverStatus     = "driver:status"
	eventDriverResponse   = "driver:ride-response"
	eventRideUpdateStatus = "ride:update-status"
	eventPassengerCancel  = "passenger:cancel-ride"
	eventPassengerRating  = "passenger:ride-evaluation"
	eventPassengerRequest = "passenger:request-ride"
)

func (s *Service) routes() map[string]handlerFunc {
	return map[string]handlerFunc{
		eventRegister:         s.handleRegister,
		eventDriverLocation:   s.asDriver(s.handleDriverLocation),
		eventDriverStatus:     s.asDriver(s.handleDriverStatus),
		eventDriverResponse:   s.asDriver(s.handleRideResponse),
		eventRideUpdateStatus: s.asDriver(s.handleRideStatus),
		eventPassengerCancel:  s.asPassenger(s.handleCancel),
		eventPassengerRating:  s.asPassenger(s.handleEvaluation),
		eventPassengerRequest: s.asPassenger(s.handleRequestRide),
	}
}

type roleHandler func(ctx context.Context, connID, id string, data fields)

// asDriver drops the event unless the connection is registered as a driver.
func (s *Service) asDriver(h roleHandler) handlerFunc {
	return s.asRole(registry.Driver, h)
}

func (s *Service) asPassenger(h roleHandler) handlerFunc {
	return s.asRole(registry.Passenger, h)
}

func (s *Service) asRole(kind registry.Kind, h roleHandler) handlerFunc {
	return func(ctx context.Context, connID string, data fields) {
		ident, ok := s.reg.IdentityOf(connID)
		if !ok || ident.Kind != kind {
			return
		}
		h(context.WithoutCancel(ctx), connID, ident.ID, data)
	}
}

func (s *Service) handleRegister(ctx context.Context, connID string, data fields) {
	rawKind, _ := data.str("clientType")
	kind, ok := registry.ParseKind(rawKind)
	if !ok {
		return
	}
	clientID, ok := data.str("clientId")
	if !ok {
		return
	}
	if !s.reg.Register(connID, kind, clientID) {
		return
	}
	s.reg.Send(connID, models.Envelope{
		Type: models.EventRegistered,
		Data: registeredData{ConnectionID: connID, ClientType: kind, ClientID: clientID},
	})
	if token, ok := data.str("rideToken"); ok {
		s.resume(context.WithoutCancel(ctx), connID, registry.Identity{Kind: kind, ID: clientID}, token)
	}
}

// resume re-sends the ride snapshot to a client that reconnected with a
// valid ride token for a ride it is part of.
func (s *Service) resume(ctx context.Context, connID string, ident registry.Identity, token string) {
	binding, ok := s.tokens.Validate(token)
	if !ok {
		return
	}
	ride, ok := s.rides.Get(binding.RideID)
	if !ok {
		return
	}
	switch ident.Kind {
	case registry.Driver:
		if ride.DriverID != ident.ID {
			return
		}
	case registry.Passenger:
		if ride.PassengerID != ident.ID {
			return
		}
	}
	view := models.ViewOf(ride)
	view.RideToken = token
	if ident.Kind == registry.Passenger {
		s.withDriverDisplay(ctx, &view)
	}
	s.reg.Send(connID, models.Envelope{Type: models.EventRideAccepted, Data: view})
	s.logger.Info("ride resumed", "ride_id", ride.RideID, "conn_id", connID, "client_type", ident.Kind)
}

func (s *Service) handleDriverLocation(ctx context.Context, _ string, driverID string, data fields) {
	c, ok := data.coord()
	if !ok {
		return
	}
	if err := s.store.UpdatePresence(ctx, driverID, models.LocationChange(c.Lat, c.Lon)); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.logger.Error("update driver location", "driver_id", driverID, "error", err)
		return
	}
	if s.events != nil {
		u := models.LocationUpdate{DriverID: driverID, Lat: c.Lat, Lon: c.Lon, At: s.now()}
		if err := s.events.PublishLocation(ctx, u); err != nil {
			s.logger.Warn("publish driver location", "driver_id", driverID, "error", err)
		}
	}

	ride, ok := s.rides.ByDriver(driverID)
	if !ok {
		return
	}
	passenger := registry.PassengerID(ride.PassengerID)
	if _, ok := s.reg.ConnectionOf(passenger); !ok {
		return
	}
	status := models.DriverBusy
	if p, err := s.store.Presence(ctx, driverID); err == nil && p.Status != "" {
		status = p.Status
	}
	s.reg.SendTo(passenger, models.Envelope{
		Type: models.EventDriverLocation,
		Data: models.DriverLocation{RideID: ride.RideID, DriverID: driverID, Lat: c.Lat, Lng: c.Lon, Status: status},
	})
}

func (s *Service) handleDriverStatus(ctx context.Context, _ string, driverID string, data fields) {
	raw, _ := data.str("status")
	status, ok := models.ParseDriverStatus(raw)
	if !ok {
		return
	}
	if err := s.store.UpdatePresence(ctx, driverID, models.StatusChange(status)); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.logger.Error("update driver status", "driver_id", driverID, "status", status, "error", err)
	}
}

func (s *Service) handleRideResponse(ctx context.Context, _ string, driverID string, data fields) {
	rideID, ok := data.str("rideId")
	if !ok {
		return
	}
	accepted := data.truthy("accepted")
	if accepted {
		if _, busy := s.rides.ByDriver(driverID); busy {
			s.logger.Warn("driver with an active ride accepted another", "ride_id", rideID, "driver_id", driverID)
			accepted = false
		}
	}
	acc, ok := s.engine.Respond(ctx, rideID, driverID, accepted)
	if !ok {
		return
	}
	s.accept(ctx, rideID, driverID, acc)
}

// accept runs the side effects of a driver taking a ride. Repository
// failures are logged; the ride goes ahead regardless.
func (s *Service) accept(ctx context.Context, rideID, driverID string, acc dispatch.Acceptance) {
	req := acc.Request
	ride := models.ActiveRide{
		RideID:      rideID,
		DriverID:    driverID,
		PassengerID: req.PassengerID,
		Status:      models.RideAccepted,
		From:        req.From,
		To:          req.To,
		Price:       req.Fare,
		Distance:    req.DistanceKm,
		Duration:    req.DurationMin,
		AcceptedAt:  s.now(),
	}
	if err := s.rides.Put(ride); err != nil {
		// lost a race with another acceptance by the same driver
		s.logger.Warn("accepting driver is busy, resuming dispatch", "ride_id", rideID, "driver_id", driverID, "error", err)
		if err := s.engine.Resume(ctx, rideID, acc); err != nil {
			s.logger.Error("redispatch", "ride_id", rideID, "error", err)
		}
		return
	}
	observability.ActiveRides.Set(float64(s.rides.Len()))
	observability.RideTransitions.WithLabelValues(string(models.RideAccepted)).Inc()

	if err := s.store.UpdatePresence(ctx, driverID, models.StatusChange(models.DriverBusy)); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.logger.Error("mark driver busy", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	err := s.store.UpsertRide(ctx, models.RideRecord{
		ID:          rideID,
		DriverID:    driverID,
		PassengerID: req.PassengerID,
		Status:      models.RideAccepted,
		From:        req.From,
		To:          req.To,
		Fare:        req.Fare,
		DistanceKm:  req.DistanceKm,
		DurationMin: req.DurationMin,
	})
	if err != nil {
		observability.RepositoryErrors.WithLabelValues("upsert_ride").Inc()
		s.logger.Error("persist ride", "ride_id", rideID, "error", err)
	}
	token, err := s.tokens.Mint(rideID, req.PassengerID, driverID)
	if err != nil {
		s.logger.Error("mint ride token", "ride_id", rideID, "error", err)
	}
	if s.payments != nil && req.Fare > 0 {
		id, err := s.payments.Hold(ctx, rideID, fare.MinorUnits(req.Fare), s.currency)
		if err != nil {
			s.logger.Warn("payment hold failed", "ride_id", rideID, "error", err)
		} else {
			s.rides.SetPayment(rideID, id)
		}
	}

	view := models.ViewOf(ride)
	view.RideToken = token
	s.withDriverDisplay(ctx, &view)
	env := models.Envelope{Type: models.EventRideAccepted, Data: view}
	s.reg.SendTo(registry.PassengerID(req.PassengerID), env)
	s.reg.SendTo(registry.DriverID(driverID), env)

	s.publish(ctx, models.RideEvent{Type: "ride.accepted", RideID: rideID, DriverID: driverID, PassengerID: req.PassengerID, Status: models.RideAccepted})
	s.logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID, "passenger_id", req.PassengerID)
}

// withDriverDisplay fills the driver name and car shown to the passenger.
func (s *Service) withDriverDisplay(ctx context.Context, view *models.RideView) {
	view.DriverName = "Driver"
	prof, err := s.store.DriverProfile(ctx, view.DriverID)
	if err != nil {
		s.logger.Warn("driver profile unavailable", "driver_id", view.DriverID, "error", err)
		return
	}
	if prof.Name != "" {
		view.DriverName = prof.Name
	}
	car := prof.Car
	view.DriverCar = &car
}

func (s *Service) handleRideStatus(ctx context.Context, _ string, driverID string, data fields) {
	rideID, ok := data.str("rideId")
	if !ok {
		return
	}
	raw, _ := data.str("status")
	status := models.RideStatus(raw)
	if status != models.RideInitiated && status != models.RideCompleted {
		return
	}
	ride, ok := s.rides.Advance(rideID, driverID, status)
	if !ok {
		return
	}
	observability.ActiveRides.Set(float64(s.rides.Len()))
	observability.RideTransitions.WithLabelValues(string(status)).Inc()

	env := models.Envelope{Type: models.EventRideStatusUpdate, Data: models.ViewOf(ride)}
	s.reg.SendTo(registry.PassengerID(ride.PassengerID), env)
	s.reg.SendTo(registry.DriverID(driverID), env)

	if err := s.store.SetRideStatus(ctx, rideID, status); err != nil {
		observability.RepositoryErrors.WithLabelValues("set_ride_status").Inc()
		s.logger.Error("persist ride status", "ride_id", rideID, "status", status, "error", err)
	}
	if status == models.RideCompleted {
		s.tokens.RevokeRide(rideID)
		s.release(ctx, ride)
		if ride.PaymentID != "" {
			if err := s.payments.Capture(ctx, ride.PaymentID); err != nil {
				s.logger.Warn("payment capture failed", "ride_id", rideID, "payment_id", ride.PaymentID, "error", err)
			}
		}
	}
	s.publish(ctx, models.RideEvent{Type: "ride.status_changed", RideID: rideID, DriverID: driverID, PassengerID: ride.PassengerID, Status: status})
	s.logger.Info("ride status changed", "ride_id", rideID, "status", status)
}

func (s *Service) handleCancel(ctx context.Context, _ string, passengerID string, data fields) {
	rideID, ok := data.str("rideId")
	if !ok {
		return
	}
	ride, ok := s.rides.CancelByPassenger(rideID, passengerID)
	if !ok {
		return
	}
	observability.ActiveRides.Set(float64(s.rides.Len()))
	observability.RideTransitions.WithLabelValues(string(models.RideCancelled)).Inc()
	s.tokens.RevokeRide(rideID)
	s.release(ctx, ride)
	if err := s.store.SetRideStatus(ctx, rideID, models.RideCancelled); err != nil {
		observability.RepositoryErrors.WithLabelValues("set_ride_status").Inc()
		s.logger.Error("persist ride cancellation", "ride_id", rideID, "error", err)
	}
	if ride.PaymentID != "" {
		if err := s.payments.Cancel(ctx, ride.PaymentID); err != nil {
			s.logger.Warn("payment cancel failed", "ride_id", rideID, "payment_id", ride.PaymentID, "error", err)
		}
	}

	ref := models.RideRef{RideID: rideID}
	s.reg.SendTo(registry.PassengerID(passengerID), models.Envelope{Type: models.EventRideCancelled, Data: ref})
	s.reg.SendTo(registry.DriverID(ride.DriverID), models.Envelope{Type: models.EventCancelledByRider, Data: ref})

	s.publish(ctx, models.RideEvent{Type: "ride.cancelled", RideID: rideID, DriverID: ride.DriverID, PassengerID: passengerID, Status: models.RideCancelled})
	s.logger.Info("ride cancelled by passenger", "ride_id", rideID, "passenger_id", passengerID)
}

// release puts the ride's driver back in the available pool.
func (s *Service) release(ctx context.Context, ride models.ActiveRide) {
	if err := s.store.UpdatePresence(ctx, ride.DriverID, models.StatusChange(models.DriverAvailable)); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.logger.Error("release driver", "ride_id", ride.RideID, "driver_id", ride.DriverID, "error", err)
	}
}

func (s *Service) handleEvaluation(ctx context.Context, _ string, passengerID string, data fields) {
	rideID, ok1 := data.str("rideId")
	claimed, ok2 := data.str("passengerId")
	driverID, ok3 := data.str("driverId")
	rating, ok4 := data.num("rating")
	if !ok1 || !ok2 || !ok3 || !ok4 || claimed != passengerID {
		return
	}
	comment, _ := data.str("comment")
	created, err := s.store.CreateEvaluation(ctx, models.Evaluation{
		RideID:      rideID,
		PassengerID: passengerID,
		DriverID:    driverID,
		Rating:      rating,
		Comment:     strings.TrimSpace(comment),
	})
	if err != nil {
		observability.RepositoryErrors.WithLabelValues("create_evaluation").Inc()
		s.logger.Error("store evaluation", "ride_id", rideID, "error", err)
		return
	}
	s.logger.Debug("evaluation processed", "ride_id", rideID, "created", created)
}

func (s *Service) handleRequestRide(ctx context.Context, connID, passengerID string, data fields) {
	if claimed, ok := data.str("passengerId"); ok && claimed != passengerID {
		return
	}
	fromF, ok := data.object("from")
	if !ok {
		return
	}
	toF, ok := data.object("to")
	if !ok {
		return
	}
	from, ok := fromF.coord()
	if !ok {
		return
	}
	to, ok := toF.coord()
	if !ok {
		return
	}
	req := models.RideRequest{
		PassengerID: passengerID,
		From:        from,
		To:          to,
		Fare:        data.numOr("price", 0),
		DistanceKm:  data.numOr("distance", 0),
		DurationMin: data.numOr("duration", 0),
	}
	if _, err := s.requestRide(ctx, req, connID); err != nil && !errors.Is(err, ErrBadRequest) {
		s.logger.Error("start dispatch", "passenger_id", passengerID, "error", err)
	}
}
