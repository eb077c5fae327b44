package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/trip"
)

// ErrValidation marks malformed dispatch requests.
var ErrValidation = errors.New("validation error")

// Publisher is the slice of the realtime hub the orchestrator needs.
type Publisher interface {
	Publish(topic, event string, payload any)
	SendToIdentity(id models.Identity, event string, payload any)
}

// Matcher finds ranked candidates; empty results are normal.
type Matcher interface {
	FindNearbyAmbulances(ctx context.Context, lon, lat float64, limit int) ([]matcher.RankedAmbulance, error)
	FindNearbyHospitals(ctx context.Context, lon, lat float64, limit int, f matcher.HospitalFilters) ([]matcher.RankedHospital, error)
}

// Machine applies lifecycle transitions.
type Machine interface {
	Apply(ctx context.Context, tripID string, tr trip.Transition) (*models.Trip, error)
}

// FareProcessor holds funds at accept and settles at trip end. It is
// optional; a nil processor disables billing entirely.
type FareProcessor interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Orchestrator sequences the dispatch flow: persist the trip, match an
// ambulance, drive the state machine, match a hospital, and keep every
// party informed through the hub.
type Orchestrator struct {
	Trips         storage.TripStore
	Matcher       Matcher
	Machine       Machine
	Hub           Publisher
	Payments      FareProcessor
	Logger        *slog.Logger
	MatchLimit    int
	BaseFareCents int64
}

// Topic name builders mirrored from the hub package to avoid the
// import cycle hub -> storage -> ... -> dispatch would create.
func topicRole(role models.Role) string { return "role:" + string(role) }

func topicTrip(id string) string { return "trip:" + id }

// CreateDispatch creates the trip in SEARCHING and runs the matching
// sequence. "No ambulance found" is a first-class outcome: the trip
// stays SEARCHING and idle units get a single broadcast to pick it up
// manually via the accept path.
func (o *Orchestrator) CreateDispatch(ctx context.Context, req models.DispatchRequest) (*models.Trip, error) {
	if req.RequesterID == "" {
		return nil, errors.Join(ErrValidation, errors.New("requester_id is required"))
	}
	if req.BloodType != "" && !models.ValidBloodType(string(req.BloodType)) {
		return nil, errors.Join(ErrValidation, errors.New("unknown blood type"))
	}

	now := time.Now().UTC()
	pickup := req.Pickup
	t := &models.Trip{
		ID:          uuid.NewString(),
		RequesterID: req.RequesterID,
		Status:      models.TripSearching,
		Pickup:      pickup,
		Patient:     req.Patient,
		Timeline: []models.TimelineEntry{{
			Status: models.TripSearching,
			At:     now,
			Loc:    &pickup,
			Actor:  "user:" + req.RequesterID,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.Trips.CreateTrip(ctx, t); err != nil {
		return nil, err
	}
	observability.DispatchesTotal.Inc()

	ambs, err := o.Matcher.FindNearbyAmbulances(ctx, pickup.Lon, pickup.Lat, o.matchLimit())
	if err != nil {
		o.log().Error("ambulance match failed", "trip_id", t.ID, "error", err)
	}
	if len(ambs) == 0 {
		o.broadcastRequest(t)
		return t, nil
	}

	best := ambs[0]
	accepted, err := o.Machine.Apply(ctx, t.ID, trip.Transition{
		Next:        models.TripAccepted,
		AmbulanceID: best.Ambulance.ID,
	})
	if err != nil {
		o.log().Error("auto-accept failed, falling back to broadcast", "trip_id", t.ID, "error", err)
		o.broadcastRequest(t)
		return t, nil
	}
	t = accepted

	o.Hub.SendToIdentity(models.Identity{ID: t.RequesterID, Role: models.RoleUser}, "ambulance_assigned", map[string]any{
		"trip":       t,
		"ambulance":  best.Ambulance,
		"distance_m": best.DistanceM,
	})
	o.Hub.SendToIdentity(models.Identity{ID: best.Ambulance.ID, Role: models.RoleAmbulance}, "new_trip_assigned", map[string]any{
		"trip":       t,
		"distance_m": best.DistanceM,
	})
	o.Hub.Publish(topicRole(models.RoleAdmin), "trip_status_updated", map[string]any{"trip": t})

	o.holdFare(ctx, t)
	o.attachHospital(ctx, t, req)

	return t, nil
}

// ApplyTransition is the external transition entry point (accept path,
// progress updates, cancellation). It drives the state machine, then
// notifies participants and settles the fare on terminal states.
func (o *Orchestrator) ApplyTransition(ctx context.Context, tripID string, tr trip.Transition) (*models.Trip, error) {
	t, err := o.Machine.Apply(ctx, tripID, tr)
	if err != nil {
		return nil, err
	}
	event := "trip_status_updated"
	if t.Status == models.TripCancelled {
		event = "trip_cancelled"
	}
	payload := map[string]any{"trip": t}
	o.Hub.Publish(topicTrip(t.ID), event, payload)
	o.Hub.Publish(topicRole(models.RoleAdmin), event, payload)

	if o.Payments != nil && t.PaymentIntentID != "" {
		switch t.Status {
		case models.TripCompleted:
			if err := o.Payments.Capture(ctx, t.PaymentIntentID); err != nil {
				o.log().Error("fare capture failed", "trip_id", t.ID, "error", err)
			}
		case models.TripCancelled:
			if err := o.Payments.Cancel(ctx, t.PaymentIntentID); err != nil {
				o.log().Error("fare release failed", "trip_id", t.ID, "error", err)
			}
		}
	}
	return t, nil
}

func (o *Orchestrator) broadcastRequest(t *models.Trip) {
	o.Hub.Publish(topicRole(models.RoleAmbulance), "new_trip_request", map[string]any{"trip": t})
	observability.BroadcastFallbacks.Inc()
}

// attachHospital resolves a destination on an independent axis from the
// lifecycle: no state transition, and "none found" leaves the field
// empty for an operator to fill later.
func (o *Orchestrator) attachHospital(ctx context.Context, t *models.Trip, req models.DispatchRequest) {
	bloodType := req.BloodType
	if bloodType == "" {
		bloodType = req.Patient.BloodType
	}
	hosps, err := o.Matcher.FindNearbyHospitals(ctx, t.Pickup.Lon, t.Pickup.Lat, o.matchLimit(), matcher.HospitalFilters{
		BloodType: bloodType,
		NeedsBed:  req.NeedsBed,
	})
	if err != nil {
		o.log().Error("hospital match failed", "trip_id", t.ID, "error", err)
		return
	}
	if len(hosps) == 0 {
		o.log().Warn("no hospital matched, leaving unassigned", "trip_id", t.ID)
		return
	}
	best := hosps[0]
	t.HospitalID = best.Hospital.ID
	loc := best.Hospital.Loc
	t.Dropoff = &loc
	if err := o.Trips.ReplaceTripIf(ctx, t, t.Status); err != nil {
		o.log().Error("hospital attach write failed", "trip_id", t.ID, "error", err)
		return
	}
	payload := map[string]any{
		"trip":       t,
		"hospital":   best.Hospital,
		"distance_m": best.DistanceM,
	}
	o.Hub.SendToIdentity(models.Identity{ID: t.RequesterID, Role: models.RoleUser}, "trip_status_updated", payload)
	if t.AmbulanceID != "" {
		o.Hub.SendToIdentity(models.Identity{ID: t.AmbulanceID, Role: models.RoleAmbulance}, "trip_status_updated", payload)
	}
	o.Hub.Publish(topicRole(models.RoleAdmin), "trip_status_updated", payload)
}

func (o *Orchestrator) holdFare(ctx context.Context, t *models.Trip) {
	if o.Payments == nil || o.BaseFareCents <= 0 {
		return
	}
	pi, err := o.Payments.Hold(ctx, o.BaseFareCents, "usd", t.RequesterID)
	if err != nil {
		o.log().Error("fare hold failed", "trip_id", t.ID, "error", err)
		return
	}
	t.PaymentIntentID = pi
	if err := o.Trips.ReplaceTripIf(ctx, t, t.Status); err != nil {
		o.log().Error("fare hold persist failed", "trip_id", t.ID, "error", err)
	}
}

func (o *Orchestrator) matchLimit() int {
	if o.MatchLimit > 0 {
		return o.MatchLimit
	}
	return 8
}

func (o *Orchestrator) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}
