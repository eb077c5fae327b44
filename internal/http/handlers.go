package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ambulance-dispatch/internal/dispatch"
	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/hub"
	"github.com/example/ambulance-dispatch/internal/ingest"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/trip"
)

type Server struct {
	Orchestrator *dispatch.Orchestrator
	Hub          *hub.Hub
	Store        storage.Store
	AmbulanceGeo geo.Index
	Kafka        *ingest.KafkaProducer // optional

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(orc *dispatch.Orchestrator, h *hub.Hub, store storage.Store, ambGeo geo.Index, kp *ingest.KafkaProducer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Orchestrator: orc,
		Hub:          h,
		Store:        store,
		AmbulanceGeo: ambGeo,
		Kafka:        kp,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/trips", s.handleCreateTrip).Methods("POST")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	s.mux.HandleFunc("/api/v1/trips/{trip_id}/status", s.handleTransition).Methods("POST")
	s.mux.HandleFunc("/internal/ambulance/locations", s.handleAmbulanceLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); _, _ = w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.Hub.ServeWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req models.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t, err := s.Orchestrator.CreateDispatch(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["trip_id"]
	t, err := s.Store.GetTrip(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type transitionRequest struct {
	Status      models.TripStatus `json:"status"`
	ActorID     string            `json:"actor_id"`
	ActorRole   models.Role       `json:"actor_role"`
	AmbulanceID string            `json:"ambulance_id,omitempty"`
	Loc         *models.Coord     `json:"loc,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["trip_id"]
	var req transitionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}
	t, err := s.Orchestrator.ApplyTransition(r.Context(), id, trip.Transition{
		Next:        req.Status,
		Actor:       models.Identity{ID: req.ActorID, Role: req.ActorRole},
		Loc:         req.Loc,
		AmbulanceID: req.AmbulanceID,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleAmbulanceLocation ingests a unit's position: durable write
// first, then the firehose and the geo projection, both best-effort.
func (s *Server) handleAmbulanceLocation(w http.ResponseWriter, r *http.Request) {
	var p models.LocationPing
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.AmbulanceID == "" {
		http.Error(w, "ambulance_id is required", http.StatusBadRequest)
		return
	}
	status := p.Status
	if status == "" {
		status = models.AmbulanceReady
	}
	a := &models.Ambulance{ID: p.AmbulanceID, Status: status, Loc: p.Loc}
	if err := s.Store.UpsertAmbulance(r.Context(), a); err != nil {
		s.writeError(w, err)
		return
	}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(p); err != nil {
			s.logger.Warn("location publish failed", "ambulance_id", p.AmbulanceID, "error", err)
		}
	}
	// geo projection mirrors the matchability invariant
	if a.Matchable() {
		if err := s.AmbulanceGeo.Upsert(r.Context(), a.ID, a.Loc.Lon, a.Loc.Lat); err != nil {
			s.logger.Warn("geo upsert failed", "ambulance_id", a.ID, "error", err)
		}
	} else {
		if err := s.AmbulanceGeo.Remove(r.Context(), a.ID); err != nil {
			s.logger.Warn("geo remove failed", "ambulance_id", a.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, trip.ErrInvalidTransition), errors.Is(err, storage.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, dispatch.ErrValidation), errors.Is(err, trip.ErrAmbulanceRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, hub.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusForbidden)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
