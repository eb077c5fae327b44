package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/matcher"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
	"github.com/example/ambulance-dispatch/internal/trip"
)

type published struct {
	topic string
	event string
}

type fakeHub struct {
	events []published
}

func (f *fakeHub) Publish(topic, event string, payload any) {
	f.events = append(f.events, published{topic: topic, event: event})
}

func (f *fakeHub) SendToIdentity(id models.Identity, event string, payload any) {
	f.events = append(f.events, published{topic: "user:" + id.ID, event: event})
}

func (f *fakeHub) count(topic, event string) int {
	n := 0
	for _, e := range f.events {
		if e.topic == topic && e.event == event {
			n++
		}
	}
	return n
}

type fakeFares struct {
	holds    int
	captures []string
	cancels  []string
	holdErr  error
}

func (f *fakeFares) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds++
	return "pi_test_1", nil
}

func (f *fakeFares) Capture(ctx context.Context, pi string) error {
	f.captures = append(f.captures, pi)
	return nil
}

func (f *fakeFares) Cancel(ctx context.Context, pi string) error {
	f.cancels = append(f.cancels, pi)
	return nil
}

type fixture struct {
	orch      *Orchestrator
	store     *storage.MemoryStore
	ambIndex  *geo.MemoryIndex
	hospIndex *geo.MemoryIndex
	hub       *fakeHub
	fares     *fakeFares
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	ambIndex := geo.NewMemoryIndex()
	hospIndex := geo.NewMemoryIndex()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := &fakeHub{}
	fares := &fakeFares{}
	orch := &Orchestrator{
		Trips: store,
		Matcher: &matcher.Service{
			Ambulances: ambIndex,
			Hospitals:  hospIndex,
			Store:      store,
			Logger:     logger,
		},
		Machine: &trip.Machine{
			Trips:      store,
			Ambulances: store,
			Geo:        ambIndex,
			Logger:     logger,
		},
		Hub:           hub,
		Payments:      fares,
		Logger:        logger,
		BaseFareCents: 5000,
	}
	return &fixture{orch: orch, store: store, ambIndex: ambIndex, hospIndex: hospIndex, hub: hub, fares: fares}
}

func (f *fixture) addAmbulance(t *testing.T, id string, lon, lat float64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertAmbulance(ctx, &models.Ambulance{
		ID:     id,
		Status: models.AmbulanceReady,
		Loc:    models.Coord{Lon: lon, Lat: lat},
	}))
	require.NoError(t, f.ambIndex.Upsert(ctx, id, lon, lat))
}

func (f *fixture) addHospital(t *testing.T, h *models.Hospital) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.UpsertHospital(ctx, h))
	require.NoError(t, f.hospIndex.Upsert(ctx, h.ID, h.Loc.Lon, h.Loc.Lat))
}

func baseRequest() models.DispatchRequest {
	return models.DispatchRequest{
		RequesterID: "user-1",
		Pickup:      models.Coord{Lon: 77.59, Lat: 12.97},
		Patient:     models.PatientInfo{Name: "Asha", Phone: "+91-900"},
	}
}

func TestCreateDispatchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.CreateDispatch(ctx, models.DispatchRequest{})
	require.ErrorIs(t, err, ErrValidation)

	req := baseRequest()
	req.BloodType = "Z+"
	_, err = f.orch.CreateDispatch(ctx, req)
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateDispatchAutoAccepts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// amb-near first by distance
	f.addAmbulance(t, "amb-near", 77.59, 12.98)
	f.addAmbulance(t, "amb-far", 77.59, 13.05)
	f.addHospital(t, &models.Hospital{
		ID:            "hosp-1",
		Name:          "City General",
		Loc:           models.Coord{Lon: 77.60, Lat: 12.96},
		BedsTotal:     40,
		BedsAvailable: 3,
		Active:        true,
	})

	tr, err := f.orch.CreateDispatch(ctx, baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.TripAccepted, tr.Status)
	require.Equal(t, "amb-near", tr.AmbulanceID)
	require.Equal(t, "hosp-1", tr.HospitalID)
	require.NotNil(t, tr.Dropoff)
	require.NotNil(t, tr.Milestones.AcceptedAt)

	// the accepted unit leaves the matchable pool
	amb, err := f.store.GetAmbulance(ctx, "amb-near")
	require.NoError(t, err)
	require.Equal(t, models.AmbulanceOnTrip, amb.Status)
	cands, err := f.ambIndex.SearchNear(ctx, 77.59, 12.97, 30, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "amb-far", cands[0].ID)

	require.Equal(t, 1, f.hub.count("user:user-1", "ambulance_assigned"))
	require.Equal(t, 1, f.hub.count("user:amb-near", "new_trip_assigned"))
	require.Equal(t, 0, f.hub.count("role:ambulance", "new_trip_request"))

	// fare held and persisted
	require.Equal(t, 1, f.fares.holds)
	stored, err := f.store.GetTrip(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, "pi_test_1", stored.PaymentIntentID)
}

func TestCreateDispatchNoAmbulanceBroadcastsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tr, err := f.orch.CreateDispatch(ctx, baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.TripSearching, tr.Status)
	require.Empty(t, tr.AmbulanceID)

	stored, err := f.store.GetTrip(ctx, tr.ID)
	require.NoError(t, err)
	require.Equal(t, models.TripSearching, stored.Status)

	require.Equal(t, 1, f.hub.count("role:ambulance", "new_trip_request"))
	require.Equal(t, 0, f.fares.holds)
}

func TestCreateDispatchHospitalFilters(t *testing.T) {
	f := newFixture(t)
	f.addAmbulance(t, "amb-1", 77.59, 12.98)
	f.addHospital(t, &models.Hospital{
		ID:            "hosp-no-stock",
		Loc:           models.Coord{Lon: 77.591, Lat: 12.971},
		BedsAvailable: 5,
		BloodStock:    map[models.BloodType]int{models.BloodONeg: 0},
		Active:        true,
	})
	f.addHospital(t, &models.Hospital{
		ID:            "hosp-stocked",
		Loc:           models.Coord{Lon: 77.62, Lat: 12.99},
		BedsAvailable: 5,
		BloodStock:    map[models.BloodType]int{models.BloodONeg: 4},
		Active:        true,
	})

	req := baseRequest()
	req.BloodType = models.BloodONeg
	req.NeedsBed = true
	tr, err := f.orch.CreateDispatch(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "hosp-stocked", tr.HospitalID)
}

func TestCreateDispatchNoHospitalLeavesUnassigned(t *testing.T) {
	f := newFixture(t)
	f.addAmbulance(t, "amb-1", 77.59, 12.98)

	tr, err := f.orch.CreateDispatch(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.TripAccepted, tr.Status)
	require.Empty(t, tr.HospitalID)
	require.Nil(t, tr.Dropoff)
}

func TestCreateDispatchHoldFailureDoesNotBlockTrip(t *testing.T) {
	f := newFixture(t)
	f.fares.holdErr = errors.New("card declined")
	f.addAmbulance(t, "amb-1", 77.59, 12.98)

	tr, err := f.orch.CreateDispatch(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.TripAccepted, tr.Status)
	require.Empty(t, tr.PaymentIntentID)
}

func TestApplyTransitionCapturesFareOnCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAmbulance(t, "amb-1", 77.59, 12.98)
	tr, err := f.orch.CreateDispatch(ctx, baseRequest())
	require.NoError(t, err)

	for _, next := range []models.TripStatus{
		models.TripArrivedPickup,
		models.TripEnRouteHospital,
		models.TripArrivedHospital,
	} {
		tr, err = f.orch.ApplyTransition(ctx, tr.ID, trip.Transition{Next: next})
		require.NoError(t, err)
	}

	tr, err = f.orch.ApplyTransition(ctx, tr.ID, trip.Transition{Next: models.TripCompleted})
	require.NoError(t, err)
	require.Equal(t, models.TripCompleted, tr.Status)
	require.Equal(t, 4, f.hub.count("trip:"+tr.ID, "trip_status_updated"))
	require.Equal(t, []string{"pi_test_1"}, f.fares.captures)
	require.Empty(t, f.fares.cancels)

	// completion frees the unit for new work
	amb, err := f.store.GetAmbulance(ctx, "amb-1")
	require.NoError(t, err)
	require.Equal(t, models.AmbulanceReady, amb.Status)
}

func TestApplyTransitionCancelReleasesFare(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addAmbulance(t, "amb-1", 77.59, 12.98)
	tr, err := f.orch.CreateDispatch(ctx, baseRequest())
	require.NoError(t, err)

	tr, err = f.orch.ApplyTransition(ctx, tr.ID, trip.Transition{
		Next:  models.TripCancelled,
		Actor: models.Identity{ID: "user-1", Role: models.RoleUser},
	})
	require.NoError(t, err)
	require.Equal(t, models.TripCancelled, tr.Status)
	require.Equal(t, []string{"pi_test_1"}, f.fares.cancels)
	require.Empty(t, f.fares.captures)

	require.Equal(t, 1, f.hub.count("trip:"+tr.ID, "trip_cancelled"))
	require.Equal(t, 1, f.hub.count("role:admin", "trip_cancelled"))
}

func TestApplyTransitionInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr, err := f.orch.CreateDispatch(ctx, baseRequest())
	require.NoError(t, err)
	require.Equal(t, models.TripSearching, tr.Status)

	before := len(f.hub.events)
	_, err = f.orch.ApplyTransition(ctx, tr.ID, trip.Transition{Next: models.TripCompleted})
	require.ErrorIs(t, err, trip.ErrInvalidTransition)
	require.Len(t, f.hub.events, before, "failed transitions publish nothing")
}
