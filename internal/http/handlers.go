package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ridehail/internal/auth"
	"github.com/example/ridehail/internal/dispatch"
	"github.com/example/ridehail/internal/events"
	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/ingest"
	"github.com/example/ridehail/internal/matcher"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/ride"
)

// Server exposes the query surface over the core: location reports,
// ride requests, offer responses and lifecycle commands. Dependencies
// are injected explicitly; wiring from env lives in cmd/server.
type Server struct {
	Geo     geo.Geo
	Rides   *ride.Service
	Matcher *matcher.Coordinator
	Auth    *auth.Provider
	Bus     events.Bus
	Kafka   *ingest.KafkaProducer // optional location stream
	WSReg   *dispatch.WSRegistry

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(g geo.Geo, rides *ride.Service, m *matcher.Coordinator, a *auth.Provider,
	bus events.Bus, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		Geo:     g,
		Rides:   rides,
		Matcher: m,
		Auth:    a,
		Bus:     bus,
		Kafka:   kafka,
		WSReg:   wsreg,
		logger:  logger,
		mux:     mux.NewRouter(),
	}
	// a vanished session means the driver can no longer take offers
	wsreg.OnClose(func(subjectID string) { s.Geo.Remove(subjectID) })
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/location", s.handleLocationUpdate).Methods("PUT")
	api.HandleFunc("/location/drivers", s.handleNearbyDrivers).Methods("GET")
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/history", s.handleRideHistory).Methods("GET")
	api.HandleFunc("/rides/{id}/respond", s.handleRespond).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("PUT")
	api.HandleFunc("/rides/{id}/en_route", s.handleEnRoute).Methods("PUT")
	api.HandleFunc("/rides/{id}/start", s.handleStartTrip).Methods("PUT")
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteTrip).Methods("PUT")

	ws := s.mux.PathPrefix("/ws").Subrouter()
	ws.Use(s.authMiddleware)
	ws.HandleFunc("", s.handleWS).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type locationReport struct {
	Lat        float64    `json:"lat"`
	Lon        float64    `json:"lon"`
	Heading    float64    `json:"heading"`
	Speed      float64    `json:"speed"`
	Accuracy   float64    `json:"accuracy"`
	Online     *bool      `json:"online,omitempty"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

func (s *Server) handleLocationUpdate(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body locationReport
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	loc := models.Coord{Lat: body.Lat, Lon: body.Lon}
	if !loc.Valid() {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}

	online := true
	if body.Online != nil {
		online = *body.Online
	}
	observed := time.Now()
	if body.ObservedAt != nil {
		observed = *body.ObservedAt
	}
	p := models.DriverPresence{
		DriverID:   actor.ID,
		Loc:        loc,
		Heading:    body.Heading,
		Speed:      body.Speed,
		Accuracy:   body.Accuracy,
		Online:     online,
		ObservedAt: observed,
	}

	if !online {
		s.Geo.Remove(actor.ID)
	} else if !s.Geo.Upsert(p) {
		// stale report: dropped by design, the request still succeeds
		s.logger.Debug("stale location report dropped", "driver_id", actor.ID, "observed_at", observed)
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(p); err != nil {
			s.logger.Warn("location stream publish failed", "driver_id", actor.ID, "error", err)
		}
	}
	s.Bus.Publish(events.Event{
		Topic:    events.TopicDriverLocation,
		Key:      actor.ID,
		DriverID: actor.ID,
		Location: &loc,
		At:       observed,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleNearbyDrivers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireRole(w, r, models.RoleRider, models.RoleAdmin); !ok {
		return
	}
	q := r.URL.Query()
	center, err := parseCoord(q.Get("lat"), q.Get("lon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "latitude and longitude are required")
		return
	}
	radius := 3.0
	if v := q.Get("radius_km"); v != "" {
		if f, err := parseFloat(v); err == nil && f > 0 {
			radius = f
		}
	}
	drivers := s.Geo.Nearby(center, radius, 25)
	out := make([]map[string]any, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, map[string]any{
			"id":  d.DriverID,
			"loc": d.Loc,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "results": len(out), "drivers": out})
}

type rideRequest struct {
	Pickup        models.Coord `json:"pickup"`
	Dropoff       models.Coord `json:"dropoff"`
	ScheduledTime *time.Time   `json:"scheduled_time,omitempty"`
}

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body rideRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	created, err := s.Rides.Request(r.Context(), actor, body.Pickup, body.Dropoff, body.ScheduledTime)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// scheduled rides wait for the sweep; everything else matches now
	if created.ScheduledTime == nil {
		s.Matcher.Submit(context.Background(), created)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "success", "ride": created})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	got, err := s.Rides.Get(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "ride": got})
}

func (s *Server) handleRideHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	hist, err := s.Rides.History(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "results": len(hist), "history": hist})
}

type offerResponse struct {
	Accept bool `json:"accept"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var body offerResponse
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	rideID := mux.Vars(r)["id"]
	err := s.Matcher.Respond(r.Context(), actor.ID, rideID, body.Accept)
	switch {
	case err == nil:
		outcome := "declined"
		if body.Accept {
			outcome = "accepted"
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "outcome": outcome})
	case errors.Is(err, ride.ErrConflict):
		// lost the race or the offer expired: not an error for the driver
		writeJSON(w, http.StatusOK, map[string]any{"status": "success", "outcome": "ride_no_longer_available"})
	default:
		s.writeServiceError(w, err)
	}
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	var body cancelRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	rideID := mux.Vars(r)["id"]
	cancelled, err := s.Rides.Cancel(r.Context(), actor, rideID, body.Reason)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	// stop any matching round still offering this ride
	s.Matcher.Abort(rideID)
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "ride": cancelled})
}

func (s *Server) handleEnRoute(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Rides.DriverEnRoute)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Rides.StartTrip)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	s.driverTransition(w, r, s.Rides.CompleteTrip)
}

func (s *Server) driverTransition(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error)) {
	actor, ok := s.requireRole(w, r, models.RoleDriver)
	if !ok {
		return
	}
	updated, err := fn(r.Context(), actor, mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "ride": updated})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.actorFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		s.logger.Debug("ws upgrade failed", "subject", actor.ID, "error", err)
		return
	}
	s.WSReg.Add(actor.ID, conn)
	// drain reads so peer close propagates; offers and notifications
	// flow the other way
	go func() {
		defer s.WSReg.Remove(actor.ID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
