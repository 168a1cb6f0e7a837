package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-coordinator/internal/auth"
	"github.com/example/dispatch-coordinator/internal/config"
	"github.com/example/dispatch-coordinator/internal/fleet"
	"github.com/example/dispatch-coordinator/internal/geo"
	"github.com/example/dispatch-coordinator/internal/ingest"
	"github.com/example/dispatch-coordinator/internal/models"
	"github.com/example/dispatch-coordinator/internal/realtime"
	"github.com/example/dispatch-coordinator/internal/storage"
	"github.com/example/dispatch-coordinator/internal/trip"
)

type Server struct {
	cfg     config.ServerConfig
	logger  *slog.Logger
	machine *trip.Machine
	units   storage.UnitStore
	geo     geo.Geo
	kafka   *ingest.KafkaProducer // optional
	hub     *realtime.Hub
	jwt     *auth.JWTService
	mux     *mux.Router
}

func NewServer(cfg config.ServerConfig, logger *slog.Logger, machine *trip.Machine, units storage.UnitStore, g geo.Geo, kafka *ingest.KafkaProducer, hub *realtime.Hub, jwtSvc *auth.JWTService) *Server {
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		machine: machine,
		units:   units,
		geo:     g,
		kafka:   kafka,
		hub:     hub,
		jwt:     jwtSvc,
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/auth/token", s.handleToken).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())

	authed := s.mux.NewRoute().Subrouter()
	authed.Use(auth.Middleware(s.jwt))
	authed.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	authed.HandleFunc("/api/v1/trips/{id}", s.handleGetTrip).Methods("GET")
	authed.HandleFunc("/api/v1/trips/{id}/status", s.handleTransition).Methods("POST")
	authed.HandleFunc("/api/v1/trips/{id}/rating", s.handleRate).Methods("POST")
	authed.HandleFunc("/api/v1/units", s.handleUpsertUnit).Methods("POST")
	authed.HandleFunc("/api/v1/units/nearby", s.handleNearby).Methods("GET")
	authed.HandleFunc("/api/v1/units/{id}/force-release", s.handleForceRelease).Methods("POST")
	authed.HandleFunc("/internal/unit/locations", s.handleUnitLocation).Methods("POST")
	authed.HandleFunc("/ws", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type tokenRequest struct {
	SubjectID string      `json:"subject_id"`
	Role      models.Role `json:"role"`
}

// handleToken mints a development token. Production deployments sit
// behind a real identity provider issuing the same claims.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.SubjectID == "" || (req.Role != models.RoleRequester && req.Role != models.RoleOperator) {
		http.Error(w, "subject_id and a valid role are required", http.StatusBadRequest)
		return
	}
	tok, err := s.jwt.GenerateToken(req.SubjectID, req.Role, 24*time.Hour)
	if err != nil {
		http.Error(w, "could not generate token", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"token": tok})
}

type createTripRequest struct {
	UnitID      string           `json:"unit_id"`
	Pickup      models.Location  `json:"pickup"`
	Destination *models.Location `json:"destination,omitempty"`
	Details     string           `json:"details"`
	Notes       string           `json:"notes,omitempty"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != models.RoleRequester {
		http.Error(w, "requester role required", http.StatusForbidden)
		return
	}
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, created, err := s.machine.Create(trip.CreateRequest{
		RequesterID: id.SubjectID,
		UnitID:      req.UnitID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		Details:     req.Details,
		Notes:       req.Notes,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK // duplicate answered with the existing trip
	if created {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{
		"trip":    t,
		"message": trip.NotificationText("", t.Status),
	})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	t, err := s.machine.Get(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if t.RequesterID != id.SubjectID && t.OperatorID != id.SubjectID {
		http.Error(w, "not a party to this trip", http.StatusForbidden)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

type transitionRequest struct {
	Status models.TripStatus `json:"status"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id, _ := auth.FromContext(r.Context())
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tripID := mux.Vars(r)["id"]
	before, err := s.machine.Get(tripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	old := before.Status
	t, err := s.machine.Transition(tripID, id.SubjectID, id.Role, req.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"trip":    t,
		"message": trip.NotificationText(old, t.Status),
	})
}

type rateRequest struct {
	Rating   int    `json:"rating"`
	Feedback string `json:"feedback"`
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != models.RoleRequester {
		http.Error(w, "requester role required", http.StatusForbidden)
		return
	}
	var req rateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.machine.Rate(mux.Vars(r)["id"], id.SubjectID, req.Rating, req.Feedback)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

type upsertUnitRequest struct {
	ID           string              `json:"id"`
	Tags         []string            `json:"tags,omitempty"`
	Loc          models.Coord        `json:"loc"`
	Availability models.Availability `json:"availability,omitempty"`
}

func (s *Server) handleUpsertUnit(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != models.RoleOperator {
		http.Error(w, "operator role required", http.StatusForbidden)
		return
	}
	var req upsertUnitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ID == "" || !req.Loc.Valid() {
		http.Error(w, "unit id and valid coordinates are required", http.StatusBadRequest)
		return
	}
	if req.Availability != "" && req.Availability != models.UnitAvailable && req.Availability != models.UnitOffline {
		http.Error(w, "availability must be AVAILABLE or OFFLINE", http.StatusBadRequest)
		return
	}
	u := &models.Unit{
		ID:           req.ID,
		OperatorID:   id.SubjectID,
		Tags:         req.Tags,
		Loc:          req.Loc,
		Availability: models.UnitAvailable,
		Updated:      time.Now(),
	}
	if req.Availability != "" {
		u.Availability = req.Availability
	}
	if existing, err := s.units.GetUnit(req.ID); err == nil {
		if existing.OperatorID != id.SubjectID {
			http.Error(w, "unit belongs to another operator", http.StatusForbidden)
			return
		}
		// BUSY belongs to the fleet coordinator: an edit never clears it
		if existing.Availability == models.UnitBusy {
			if req.Availability != "" {
				http.Error(w, "unit is on an active trip", http.StatusConflict)
				return
			}
			u.Availability = models.UnitBusy
		} else if req.Availability == "" {
			u.Availability = existing.Availability
		}
	}
	if err := s.units.SaveUnit(u); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.geo.Upsert(*u)
	s.writeJSON(w, http.StatusOK, u)
}

type unitLocationRequest struct {
	ID  string       `json:"id"`
	Loc models.Coord `json:"loc"`
}

func (s *Server) handleUnitLocation(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != models.RoleOperator {
		http.Error(w, "operator role required", http.StatusForbidden)
		return
	}
	var req unitLocationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Loc.Valid() {
		http.Error(w, "invalid coordinates", http.StatusBadRequest)
		return
	}
	u, err := s.units.GetUnit(req.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if u.OperatorID != id.SubjectID {
		http.Error(w, "unit belongs to another operator", http.StatusForbidden)
		return
	}
	u.Loc = req.Loc
	u.Updated = time.Now()
	if err := s.units.UpdateUnit(u); err != nil {
		s.writeError(w, r, err)
		return
	}
	// publish to kafka if configured; the consumer folds it into redis
	if s.kafka != nil {
		_ = s.kafka.PublishLocation(*u)
	}
	s.geo.Upsert(*u)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil || !(models.Coord{Lat: lat, Lon: lon}).Valid() {
		http.Error(w, "valid lat and lon are required", http.StatusBadRequest)
		return
	}
	radius := s.cfg.NearbyRadiusM
	if v := q.Get("radius"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			radius = f
		}
	}
	units := s.geo.Nearby(lat, lon, radius, s.cfg.NearbyLimit)
	s.writeJSON(w, http.StatusOK, map[string]any{"units": units})
}

func (s *Server) handleForceRelease(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok || id.Role != models.RoleOperator {
		http.Error(w, "operator role required", http.StatusForbidden)
		return
	}
	completed, err := s.machine.ForceRelease(mux.Vars(r)["id"], id.SubjectID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"completed_trips": completed})
}

var upgrader = websocket.Upgrader{
	// same-origin policy is enforced upstream; the token already gates
	// the upgrade
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its error response
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	s.hub.HandleConn(conn, id.SubjectID, id.Role)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("response encode", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var status int
	switch {
	case errors.Is(err, trip.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, trip.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, trip.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, trip.ErrIllegalTransition),
		errors.Is(err, trip.ErrInvalidState),
		errors.Is(err, trip.ErrAlreadyRated),
		errors.Is(err, fleet.ErrUnitUnavailable):
		status = http.StatusConflict
	default:
		status = http.StatusInternalServerError
		s.logger.Error("handler error", "path", r.URL.Path, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// NewJoinAuthorizer grants a subject its own identity topic plus the
// topics of trips it is a party to.
func NewJoinAuthorizer(machine *trip.Machine) realtime.JoinAuthorizer {
	return func(subjectID string, role models.Role, topic string) bool {
		switch {
		case topic == realtime.TopicRequester(subjectID) && role == models.RoleRequester:
			return true
		case topic == realtime.TopicOperator(subjectID) && role == models.RoleOperator:
			return true
		case strings.HasPrefix(topic, "trip:"):
			t, err := machine.Get(strings.TrimPrefix(topic, "trip:"))
			if err != nil {
				return false
			}
			return t.RequesterID == subjectID || t.OperatorID == subjectID
		default:
			return false
		}
	}
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
