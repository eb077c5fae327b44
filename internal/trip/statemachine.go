package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// ErrInvalidTransition covers both table violations and lost
// concurrent-update races; callers may refetch and retry.
var ErrInvalidTransition = errors.New("invalid transition")

// ErrAmbulanceRequired is returned when ACCEPTED is applied without a
// unit to assign.
var ErrAmbulanceRequired = errors.New("ambulance id required for accept")

var transitions = map[models.TripStatus][]models.TripStatus{
	models.TripSearching:       {models.TripAccepted, models.TripCancelled},
	models.TripAccepted:        {models.TripArrivedPickup, models.TripCancelled},
	models.TripArrivedPickup:   {models.TripEnRouteHospital, models.TripCancelled},
	models.TripEnRouteHospital: {models.TripArrivedHospital, models.TripCancelled},
	models.TripArrivedHospital: {models.TripCompleted, models.TripCancelled},
}

// Allowed reports whether the lifecycle table permits cur -> next.
func Allowed(cur, next models.TripStatus) bool {
	for _, s := range transitions[cur] {
		if s == next {
			return true
		}
	}
	return false
}

// Machine applies lifecycle transitions to the trip aggregate. Every
// successful transition appends exactly one timeline entry; the durable
// write is guarded by the pre-transition status so two racing callers
// cannot both win.
type Machine struct {
	Trips      storage.TripStore
	Ambulances storage.AmbulanceStore
	Geo        geo.Index // ambulance namespace
	Logger     *slog.Logger
}

// Transition carries one lifecycle step request.
type Transition struct {
	Next        models.TripStatus
	Actor       models.Identity
	Loc         *models.Coord
	AmbulanceID string // required when Next == ACCEPTED
}

func (m *Machine) Apply(ctx context.Context, tripID string, tr Transition) (*models.Trip, error) {
	t, err := m.Trips.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if !Allowed(t.Status, tr.Next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, tr.Next)
	}

	prev := t.Status
	now := time.Now().UTC()

	if tr.Next == models.TripAccepted {
		if tr.AmbulanceID == "" {
			return nil, ErrAmbulanceRequired
		}
		if _, err := m.Ambulances.GetAmbulance(ctx, tr.AmbulanceID); err != nil {
			return nil, err
		}
		t.AmbulanceID = tr.AmbulanceID
	}

	t.Status = tr.Next
	t.UpdatedAt = now
	t.Timeline = append(t.Timeline, models.TimelineEntry{
		Status: tr.Next,
		At:     now,
		Loc:    tr.Loc,
		Actor:  actorTag(tr.Actor),
	})
	stampMilestone(t, tr.Next, now)

	if err := m.Trips.ReplaceTripIf(ctx, t, prev); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return nil, fmt.Errorf("%w: trip %s changed concurrently", ErrInvalidTransition, tripID)
		}
		return nil, err
	}

	m.applySideEffects(ctx, t, tr.Next)
	observability.TransitionsTotal.WithLabelValues(string(tr.Next)).Inc()
	return t, nil
}

// applySideEffects adjusts ambulance availability after the durable
// write commits. Cache and status sync here is best-effort: the trip
// record already holds the truth and failures only delay matchability.
func (m *Machine) applySideEffects(ctx context.Context, t *models.Trip, next models.TripStatus) {
	switch next {
	case models.TripAccepted:
		if err := m.Ambulances.SetAmbulanceStatus(ctx, t.AmbulanceID, models.AmbulanceOnTrip); err != nil {
			m.log().Error("mark ambulance on_trip failed", "ambulance_id", t.AmbulanceID, "error", err)
		}
		if err := m.Geo.Remove(ctx, t.AmbulanceID); err != nil {
			m.log().Warn("geo remove failed", "ambulance_id", t.AmbulanceID, "error", err)
		}
	case models.TripCompleted, models.TripCancelled:
		if t.AmbulanceID == "" {
			return
		}
		if err := m.Ambulances.SetAmbulanceStatus(ctx, t.AmbulanceID, models.AmbulanceReady); err != nil {
			m.log().Error("release ambulance failed", "ambulance_id", t.AmbulanceID, "error", err)
			return
		}
		a, err := m.Ambulances.GetAmbulance(ctx, t.AmbulanceID)
		if err != nil {
			m.log().Warn("reload released ambulance failed", "ambulance_id", t.AmbulanceID, "error", err)
			return
		}
		if err := m.Geo.Upsert(ctx, a.ID, a.Loc.Lon, a.Loc.Lat); err != nil {
			m.log().Warn("geo reinsert failed", "ambulance_id", a.ID, "error", err)
		}
	}
}

func stampMilestone(t *models.Trip, st models.TripStatus, at time.Time) {
	switch st {
	case models.TripAccepted:
		t.Milestones.AcceptedAt = &at
	case models.TripArrivedPickup:
		t.Milestones.ArrivedPickupAt = &at
	case models.TripArrivedHospital:
		t.Milestones.ArrivedHospitalAt = &at
	case models.TripCompleted:
		t.Milestones.CompletedAt = &at
	}
}

func actorTag(id models.Identity) string {
	if id.ID == "" {
		return "system"
	}
	return string(id.Role) + ":" + id.ID
}

func (m *Machine) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
