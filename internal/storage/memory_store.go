package storage

import (
	"context"
	"sync"

	"github.com/example/ambulance-dispatch/internal/models"
)

// MemoryStore keeps everything in maps. Used in tests and for running
// the server without Postgres.
type MemoryStore struct {
	mu         sync.RWMutex
	trips      map[string]*models.Trip
	ambulances map[string]*models.Ambulance
	hospitals  map[string]*models.Hospital
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:      make(map[string]*models.Trip),
		ambulances: make(map[string]*models.Ambulance),
		hospitals:  make(map[string]*models.Hospital),
	}
}

func (m *MemoryStore) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneTrip(t)
	m.trips[t.ID] = cp
	return nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

func (m *MemoryStore) ReplaceTripIf(_ context.Context, t *models.Trip, expect models.TripStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.trips[t.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expect {
		return ErrConflict
	}
	m.trips[t.ID] = cloneTrip(t)
	return nil
}

func (m *MemoryStore) GetAmbulance(_ context.Context, id string) (*models.Ambulance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.ambulances[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) UpsertAmbulance(_ context.Context, a *models.Ambulance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.ambulances[a.ID] = &cp
	return nil
}

func (m *MemoryStore) SetAmbulanceStatus(_ context.Context, id string, st models.AmbulanceStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.ambulances[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = st
	return nil
}

func (m *MemoryStore) GetHospital(_ context.Context, id string) (*models.Hospital, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.hospitals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *h
	cp.BloodStock = make(map[models.BloodType]int, len(h.BloodStock))
	for k, v := range h.BloodStock {
		cp.BloodStock[k] = v
	}
	return &cp, nil
}

func (m *MemoryStore) UpsertHospital(_ context.Context, h *models.Hospital) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *h
	cp.BloodStock = make(map[models.BloodType]int, len(h.BloodStock))
	for k, v := range h.BloodStock {
		cp.BloodStock[k] = v
	}
	m.hospitals[h.ID] = &cp
	return nil
}

func cloneTrip(t *models.Trip) *models.Trip {
	cp := *t
	cp.Timeline = make([]models.TimelineEntry, len(t.Timeline))
	copy(cp.Timeline, t.Timeline)
	if t.Dropoff != nil {
		d := *t.Dropoff
		cp.Dropoff = &d
	}
	return &cp
}
