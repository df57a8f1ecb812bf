package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Realtime *realtime.Service
	Store    storage.Repository
	Quoter   realtime.Quoter
	Currency string
	// Events, when set, receives driver locations posted to the ingest
	// endpoint instead of the store.
	Events         realtime.EventSink
	Logger         *slog.Logger
	AllowedOrigins []string
	Ready          []Pinger
}

type Server struct {
	rt       *realtime.Service
	store    storage.Repository
	quoter   realtime.Quoter
	currency string
	events   realtime.EventSink
	logger   *slog.Logger
	ready    []Pinger
	upgrader websocket.Upgrader
	mux      *mux.Router

	pingInterval time.Duration
}

func NewServer(d Deps) *Server {
	s := &Server{
		rt:           d.Realtime,
		store:        d.Store,
		quoter:       d.Quoter,
		currency:     d.Currency,
		events:       d.Events,
		logger:       d.Logger,
		ready:        d.Ready,
		mux:          mux.NewRouter(),
		pingInterval: defaultPingInterval,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.currency == "" {
		s.currency = fare.Currency
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(d.AllowedOrigins),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/quote", s.handleQuote).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/rides/{id}", s.handleActiveRide).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{id}", s.handleDriverProfile).Methods(http.MethodGet)
	s.mux.HandleFunc("/api/v1/drivers/{id}/location", s.handleDriverLocationByID).Methods(http.MethodPost)
	s.mux.HandleFunc("/api/v1/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPost)
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type point struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
	Lon *float64 `json:"lon"`
}

func (p *point) coord() (models.Coord, bool) {
	if p == nil || p.Lat == nil {
		return models.Coord{}, false
	}
	switch {
	case p.Lng != nil:
		return models.Coord{Lat: *p.Lat, Lon: *p.Lng}, true
	case p.Lon != nil:
		return models.Coord{Lat: *p.Lat, Lon: *p.Lon}, true
	}
	return models.Coord{}, false
}

// rideRequestBody accepts both the websocket field names (price, distance,
// duration) and the REST ones (fare, distanceKm, durationMin).
type rideRequestBody struct {
	PassengerID string   `json:"passengerId"`
	From        *point   `json:"from"`
	To          *point   `json:"to"`
	Price       *float64 `json:"price"`
	Fare        *float64 `json:"fare"`
	Distance    *float64 `json:"distance"`
	DistanceKm  *float64 `json:"distanceKm"`
	Duration    *float64 `json:"duration"`
	DurationMin *float64 `json:"durationMin"`
}

// firstOf returns the first value that was sent, or 0.
func firstOf(vals ...*float64) float64 {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return 0
}

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var body rideRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	from, ok1 := body.From.coord()
	to, ok2 := body.To.coord()
	if !ok1 || !ok2 {
		writeError(w, http.StatusBadRequest, "from and to need lat and lng")
		return
	}
	rideID, err := s.rt.RequestRide(r.Context(), models.RideRequest{
		PassengerID: body.PassengerID,
		From:        from,
		To:          to,
		Fare:        firstOf(body.Fare, body.Price),
		DistanceKm:  firstOf(body.DistanceKm, body.Distance),
		DurationMin: firstOf(body.DurationMin, body.Duration),
	})
	switch {
	case errors.Is(err, realtime.ErrBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.loggerFor(r).Error("request ride", "passenger_id", body.PassengerID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "dispatch unavailable")
		return
	}
	writeJSON(w, http.StatusAccepted, models.RideRef{RideID: rideID})
}

type quoteResponse struct {
	fare.Quote
	Currency string `json:"currency"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	if s.quoter == nil {
		writeError(w, http.StatusNotImplemented, "quotes are not configured")
		return
	}
	q := r.URL.Query()
	var vals [4]float64
	for i, key := range []string{"fromLat", "fromLon", "toLat", "toLon"} {
		v, err := strconv.ParseFloat(q.Get(key), 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid "+key)
			return
		}
		vals[i] = v
	}
	from := models.Coord{Lat: vals[0], Lon: vals[1]}
	to := models.Coord{Lat: vals[2], Lon: vals[3]}
	writeJSON(w, http.StatusOK, quoteResponse{Quote: s.quoter.Quote(r.Context(), from, to), Currency: s.currency})
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	prof, err := s.store.DriverProfile(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "driver not found")
		return
	case err != nil:
		observability.RepositoryErrors.WithLabelValues("driver_profile").Inc()
		s.loggerFor(r).Error("driver profile", "driver_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

type locationBody struct {
	DriverID string `json:"driverId"`
	point
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// handleDriverLocation ingests a report from the location feed. Coordinates
// are required; status is optional.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "invalid location update")
		return
	}
	s.ingestLocation(w, r, body)
}

// handleDriverLocationByID is the per-driver form of location ingest.
func (s *Server) handleDriverLocationByID(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid location update")
		return
	}
	body.DriverID = mux.Vars(r)["id"]
	s.ingestLocation(w, r, body)
}

func (s *Server) ingestLocation(w http.ResponseWriter, r *http.Request, body locationBody) {
	c, ok := body.coord()
	if !ok {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	u := models.LocationUpdate{DriverID: body.DriverID, Lat: c.Lat, Lon: c.Lon, At: body.At}
	if body.Status != "" {
		status, ok := models.ParseDriverStatus(body.Status)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		u.Status = status
	}
	if u.At.IsZero() {
		u.At = time.Now().UTC()
	}

	if s.events != nil {
		if err := s.events.PublishLocation(r.Context(), u); err != nil {
			s.loggerFor(r).Error("publish driver location", "driver_id", u.DriverID, "error", err)
			writeError(w, http.StatusServiceUnavailable, "location ingest unavailable")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.store.UpdatePresence(r.Context(), u.DriverID, u.Change()); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.loggerFor(r).Error("update driver location", "driver_id", u.DriverID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDriverStatus changes availability without touching the position.
func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid status update")
		return
	}
	status, ok := models.ParseDriverStatus(body.Status)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	if err := s.store.UpdatePresence(r.Context(), id, models.StatusChange(status)); err != nil {
		observability.RepositoryErrors.WithLabelValues("update_presence").Inc()
		s.loggerFor(r).Error("update driver status", "driver_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActiveRide(w http.ResponseWriter, r *http.Request) {
	ride, ok := s.rt.ActiveRide(mux.Vars(r)["id"])
	if !ok {
		writeError(w, http.StatusNotFound, "ride not active")
		return
	}
	writeJSON(w, http.StatusOK, models.ViewOf(ride))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.ready {
		if err := p.Ping(ctx); err != nil {
			s.loggerFor(r).Warn("readiness check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
