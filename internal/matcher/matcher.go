package matcher

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// SearchRadiiKm is the failover ladder. Most requests resolve within
// 5 km; the wider passes keep sparse areas from returning nothing.
var SearchRadiiKm = []float64{5, 10, 17, 30}

// HospitalFilters narrows hospital candidates by attribute.
type HospitalFilters struct {
	BloodType models.BloodType
	NeedsBed  bool
}

type RankedAmbulance struct {
	Ambulance models.Ambulance
	DistanceM float64
}

type RankedHospital struct {
	Hospital  models.Hospital
	DistanceM float64
}

// Service ranks geo-index candidates after cross-checking them against
// the durable store. An empty result is a legitimate outcome, never an
// error: callers fall back to broadcast-and-wait.
type Service struct {
	Ambulances geo.Index
	Hospitals  geo.Index
	Store      storage.Store
	Logger     *slog.Logger
}

func (s *Service) FindNearbyAmbulances(ctx context.Context, lon, lat float64, limit int) ([]RankedAmbulance, error) {
	if limit <= 0 {
		limit = 10
	}
	for _, radius := range SearchRadiiKm {
		cands, err := s.Ambulances.SearchNear(ctx, lon, lat, radius, limit)
		if err != nil {
			// ephemeral index trouble is logged, not fatal; the next pass may succeed
			s.log().Warn("geo search failed", "kind", "ambulance", "radius_km", radius, "error", err)
			continue
		}
		out := make([]RankedAmbulance, 0, limit)
		for _, c := range cands {
			a, err := s.Store.GetAmbulance(ctx, c.ID)
			if errors.Is(err, storage.ErrNotFound) {
				s.evictStale(ctx, s.Ambulances, c.ID)
				continue
			}
			if err != nil {
				return nil, err
			}
			if a.Status != models.AmbulanceReady {
				continue
			}
			out = append(out, RankedAmbulance{Ambulance: *a, DistanceM: c.DistanceM})
		}
		if len(out) > 0 {
			if len(out) > limit {
				out = out[:limit]
			}
			observability.MatchesTotal.WithLabelValues("ambulance").Inc()
			return out, nil
		}
	}
	return nil, nil
}

func (s *Service) FindNearbyHospitals(ctx context.Context, lon, lat float64, limit int, f HospitalFilters) ([]RankedHospital, error) {
	if limit <= 0 {
		limit = 10
	}
	for _, radius := range SearchRadiiKm {
		// over-fetch so attribute filtering still leaves enough candidates
		cands, err := s.Hospitals.SearchNear(ctx, lon, lat, radius, limit*2)
		if err != nil {
			s.log().Warn("geo search failed", "kind", "hospital", "radius_km", radius, "error", err)
			continue
		}
		out := make([]RankedHospital, 0, limit)
		for _, c := range cands {
			h, err := s.Store.GetHospital(ctx, c.ID)
			if errors.Is(err, storage.ErrNotFound) {
				s.evictStale(ctx, s.Hospitals, c.ID)
				continue
			}
			if err != nil {
				return nil, err
			}
			if !h.Active {
				continue
			}
			if f.BloodType != "" && h.BloodStock[f.BloodType] <= 0 {
				continue
			}
			if f.NeedsBed && h.BedsAvailable <= 0 {
				continue
			}
			out = append(out, RankedHospital{Hospital: *h, DistanceM: c.DistanceM})
		}
		if len(out) > 0 {
			if len(out) > limit {
				out = out[:limit]
			}
			observability.MatchesTotal.WithLabelValues("hospital").Inc()
			return out, nil
		}
	}
	return nil, nil
}

// evictStale removes an index entry whose durable record is gone; the
// index is a cache and must converge back to the store.
func (s *Service) evictStale(ctx context.Context, idx geo.Index, id string) {
	if err := idx.Remove(ctx, id); err != nil {
		s.log().Warn("stale geo entry eviction failed", "id", id, "error", err)
	}
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
