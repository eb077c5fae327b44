package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestGetTripReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTrip(ctx, &models.Trip{
		ID:       "trip-1",
		Status:   models.TripSearching,
		Timeline: []models.TimelineEntry{{Status: models.TripSearching}},
	}))

	got, err := store.GetTrip(ctx, "trip-1")
	require.NoError(t, err)
	got.Status = models.TripCancelled
	got.Timeline[0].Status = models.TripCancelled

	again, err := store.GetTrip(ctx, "trip-1")
	require.NoError(t, err)
	require.Equal(t, models.TripSearching, again.Status)
	require.Equal(t, models.TripSearching, again.Timeline[0].Status)
}

func TestGetTripNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.GetTrip(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReplaceTripIf(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateTrip(ctx, &models.Trip{ID: "trip-1", Status: models.TripSearching}))

	next := &models.Trip{ID: "trip-1", Status: models.TripAccepted}
	require.NoError(t, store.ReplaceTripIf(ctx, next, models.TripSearching))

	// precondition now stale
	err := store.ReplaceTripIf(ctx, next, models.TripSearching)
	require.ErrorIs(t, err, ErrConflict)

	err = store.ReplaceTripIf(ctx, &models.Trip{ID: "missing"}, models.TripSearching)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHospitalStockIsolated(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	stock := map[models.BloodType]int{models.BloodOPos: 2}
	require.NoError(t, store.UpsertHospital(ctx, &models.Hospital{ID: "hosp-1", BloodStock: stock, Active: true}))

	stock[models.BloodOPos] = 0
	got, err := store.GetHospital(ctx, "hosp-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.BloodStock[models.BloodOPos])

	got.BloodStock[models.BloodOPos] = 0
	again, err := store.GetHospital(ctx, "hosp-1")
	require.NoError(t, err)
	require.Equal(t, 2, again.BloodStock[models.BloodOPos])
}

func TestSetAmbulanceStatus(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.UpsertAmbulance(ctx, &models.Ambulance{ID: "amb-1", Status: models.AmbulanceReady}))
	require.NoError(t, store.SetAmbulanceStatus(ctx, "amb-1", models.AmbulanceOnTrip))

	got, err := store.GetAmbulance(ctx, "amb-1")
	require.NoError(t, err)
	require.Equal(t, models.AmbulanceOnTrip, got.Status)

	require.ErrorIs(t, store.SetAmbulanceStatus(ctx, "missing", models.AmbulanceReady), ErrNotFound)
}
