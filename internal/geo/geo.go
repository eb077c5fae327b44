package geo

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Candidate is one indexed resource returned by a proximity search.
type Candidate struct {
	ID        string
	DistanceM float64
}

// Index is the minimal spatial-index contract the matcher and handlers
// need. One index instance covers one resource kind (ambulances or
// hospitals); callers never mix kinds in a single namespace.
type Index interface {
	Upsert(ctx context.Context, id string, lon, lat float64) error
	Remove(ctx context.Context, id string) error
	SearchNear(ctx context.Context, lon, lat, radiusKm float64, limit int) ([]Candidate, error)
}

// MemoryIndex is a naive full-scan index; in prod use the Redis GEO
// implementation. Kept for tests and for running without Redis.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]point
}

type point struct{ lon, lat float64 }

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]point)}
}

func (g *MemoryIndex) Upsert(_ context.Context, id string, lon, lat float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[id] = point{lon: lon, lat: lat}
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, id)
	return nil
}

func (g *MemoryIndex) SearchNear(_ context.Context, lon, lat, radiusKm float64, limit int) ([]Candidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Candidate, 0, limit)
	for id, p := range g.entries {
		d := Haversine(lat, lon, p.lat, p.lon)
		if d <= radiusKm*1000 {
			out = append(out, Candidate{ID: id, DistanceM: d})
		}
	}
	SortCandidates(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SortCandidates orders ascending by distance; equal distances break
// by id so results are deterministic.
func SortCandidates(cands []Candidate) {
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].DistanceM != cands[j].DistanceM {
			return cands[i].DistanceM < cands[j].DistanceM
		}
		return cands[i].ID < cands[j].ID
	})
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
