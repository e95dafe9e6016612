package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/offer"
	"github.com/example/ride-dispatch/internal/storage"
)

// Sweeper runs one expiry pass.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

type Server struct {
	Service *matcher.Service
	Sweeper Sweeper
	WSReg   *notify.WSRegistry
	// Auth is optional. Without it the acting rider or driver is read from
	// the request body.
	Auth           *auth.Verifier
	DispatchSecret string
	CronSecret     string

	logger logrus.FieldLogger
	mux    *mux.Router
}

func NewServer(s *Server, logger logrus.FieldLogger) *Server {
	s.logger = logger
	s.mux = mux.NewRouter()
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	if s.Auth != nil {
		api.Use(s.Auth.Middleware)
	}
	api.HandleFunc("/rides", s.handleCreateRide).Methods("POST")
	api.HandleFunc("/rides/{ride_id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{ride_id}/accept", s.handleAccept).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/reject", s.handleReject).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	api.HandleFunc("/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	api.HandleFunc("/geohash", s.handleGeohash).Methods("POST")

	s.mux.Handle("/internal/dispatch/process",
		auth.RequireSecret(s.DispatchSecret)(http.HandlerFunc(s.handleProcess))).Methods("POST")
	s.mux.Handle("/internal/dispatch/cron",
		auth.RequireSecret(s.CronSecret)(http.HandlerFunc(s.handleCron))).Methods("GET")
	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/internal/drivers/{driver_id}", s.handleUpsertDriver).Methods("PUT")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// actor returns the token subject when auth is on, otherwise fallback.
func (s *Server) actor(r *http.Request, fallback string) string {
	id := fallback
	if c, ok := auth.ClaimsFrom(r.Context()); ok {
		id = c.Subject
	}
	if info := infoFrom(r.Context()); info != nil {
		info.actor = id
	}
	return id
}

// mayFinish reports whether the caller can cancel (rider or assigned driver)
// or complete (assigned driver) the ride. Without auth every caller may.
func (s *Server) mayFinish(r *http.Request, rideID string, riderAllowed bool) error {
	c, ok := auth.ClaimsFrom(r.Context())
	if !ok || c.Role == auth.RoleAdmin {
		return nil
	}
	s.actor(r, "")
	ride, err := s.Service.GetRide(r.Context(), rideID)
	if err != nil {
		return err
	}
	if c.Subject == ride.AssignedDriverID || (riderAllowed && c.Subject == ride.RiderID) {
		return nil
	}
	return errForbidden
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	req.RiderID = s.actor(r, req.RiderID)
	ride, err := s.Service.CreateRide(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride_id": ride.ID, "status": ride.Status})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Service.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type driverBody struct {
	DriverID string `json:"driver_id"`
}

func (s *Server) driverFromBody(r *http.Request) (string, error) {
	var b driverBody
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
			return "", matcher.ErrInvalidRequest
		}
	}
	return s.actor(r, b.DriverID), nil
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	driverID, err := s.driverFromBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ride, err := s.Service.AcceptOffer(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	driverID, err := s.driverFromBody(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	outcome, err := s.Service.RejectOffer(r.Context(), mux.Vars(r)["ride_id"], driverID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.mayFinish(r, rideID, true); err != nil {
		s.fail(w, r, err)
		return
	}
	ride, err := s.Service.CancelRide(r.Context(), rideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if err := s.mayFinish(r, rideID, false); err != nil {
		s.fail(w, r, err)
		return
	}
	ride, err := s.Service.CompleteRide(r.Context(), rideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type geohashRequest struct {
	Lat       *float64 `json:"lat,omitempty"`
	Lon       *float64 `json:"lon,omitempty"`
	Precision int      `json:"precision,omitempty"`
	Geohash   string   `json:"geohash,omitempty"`
}

// handleGeohash encodes a point, or decodes a hash when one is given.
func (s *Server) handleGeohash(w http.ResponseWriter, r *http.Request) {
	var req geohashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Geohash != "" {
		cell, err := geo.Decode(req.Geohash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"geohash": req.Geohash, "lat": cell.Center.Lat, "lon": cell.Center.Lon,
			"lat_err": cell.LatErr, "lon_err": cell.LonErr,
		})
		return
	}
	if req.Lat == nil || req.Lon == nil {
		writeError(w, http.StatusBadRequest, "lat and lon or geohash required")
		return
	}
	c := models.Coord{Lat: *req.Lat, Lon: *req.Lon}
	if !c.Valid() {
		writeError(w, http.StatusBadRequest, "coordinates out of range")
		return
	}
	p := req.Precision
	if p <= 0 || p > 12 {
		p = geo.DefaultPrecision
	}
	writeJSON(w, http.StatusOK, map[string]any{"geohash": geo.Encode(c, p), "lat": c.Lat, "lon": c.Lon})
}

type processRequest struct {
	RideID string `json:"ride_id"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	outcome, err := s.Service.TriggerCycle(r.Context(), req.RideID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": req.RideID, "outcome": outcome})
}

func (s *Server) handleCron(w http.ResponseWriter, r *http.Request) {
	n, err := s.Sweeper.Sweep(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"processed": n})
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if err := s.Service.IngestLocation(r.Context(), u); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var p matcher.DriverProfile
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	p.ID = mux.Vars(r)["driver_id"]
	d, err := s.Service.UpsertDriver(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

var upgrader = websocket.Upgrader{}

// handleWS keeps a driver's offer channel open until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	if s.Auth != nil {
		c, err := s.Auth.ParseToken(r.URL.Query().Get("token"))
		if err != nil || c.Subject != id {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.WSReg.Add(id, conn)
	defer s.WSReg.Remove(id, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

var errForbidden = errors.New("forbidden")

// fail maps domain errors to status codes. Only request validation errors
// carry their message to the client; anything unexpected, including a
// malformed stored document, is a bare 500.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	if info := infoFrom(r.Context()); info != nil {
		info.err = err
	}
	switch {
	case errors.Is(err, matcher.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, errForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, offer.ErrStaleOffer):
		writeError(w, http.StatusConflict, "offer is no longer valid")
	case errors.Is(err, offer.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid state transition")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func newID() string { return uuid.NewString() }
