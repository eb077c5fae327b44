package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/geo"
	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// recordingIndex wraps an index and records every radius tried, so
// tests can assert the failover ladder.
type recordingIndex struct {
	geo.Index
	radii []float64
}

func (r *recordingIndex) SearchNear(ctx context.Context, lon, lat, radiusKm float64, limit int) ([]geo.Candidate, error) {
	r.radii = append(r.radii, radiusKm)
	return r.Index.SearchNear(ctx, lon, lat, radiusKm, limit)
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *recordingIndex, *recordingIndex) {
	t.Helper()
	store := storage.NewMemoryStore()
	amb := &recordingIndex{Index: geo.NewMemoryIndex()}
	hosp := &recordingIndex{Index: geo.NewMemoryIndex()}
	return &Service{Ambulances: amb, Hospitals: hosp, Store: store}, store, amb, hosp
}

func addAmbulance(t *testing.T, store *storage.MemoryStore, idx geo.Index, id string, lon, lat float64, st models.AmbulanceStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertAmbulance(ctx, &models.Ambulance{ID: id, Status: st, Loc: models.Coord{Lon: lon, Lat: lat}, Updated: time.Now()}))
	if st == models.AmbulanceReady {
		require.NoError(t, idx.Upsert(ctx, id, lon, lat))
	}
}

func TestFindNearbyAmbulances_WithinFirstRadius(t *testing.T) {
	svc, store, amb, _ := newService(t)
	// ambulance at (0,0), patient ~3.3 km north
	addAmbulance(t, store, amb.Index, "amb-1", 0, 0, models.AmbulanceReady)

	out, err := svc.FindNearbyAmbulances(context.Background(), 0, 0.03, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "amb-1", out[0].Ambulance.ID)
	require.InDelta(t, 3336, out[0].DistanceM, 50)
	require.Equal(t, []float64{5}, amb.radii, "a 3.3 km unit must resolve in the first pass")
}

func TestFindNearbyAmbulances_RadiusFailover(t *testing.T) {
	svc, store, amb, _ := newService(t)
	// only unit sits ~12 km away: outside 5 and 10, inside 17
	addAmbulance(t, store, amb.Index, "amb-far", 0, 0.108, models.AmbulanceReady)

	out, err := svc.FindNearbyAmbulances(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "amb-far", out[0].Ambulance.ID)
	require.Greater(t, out[0].DistanceM, 10_000.0)
	require.Less(t, out[0].DistanceM, 17_000.0)
	require.Equal(t, []float64{5, 10, 17}, amb.radii)
}

func TestFindNearbyAmbulances_ExhaustedIsEmptyNotError(t *testing.T) {
	svc, _, amb, _ := newService(t)
	out, err := svc.FindNearbyAmbulances(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Empty(t, out)
	require.Equal(t, []float64{5, 10, 17, 30}, amb.radii)
}

func TestFindNearbyAmbulances_SkipsNotReady(t *testing.T) {
	svc, store, amb, _ := newService(t)
	addAmbulance(t, store, amb.Index, "busy", 0, 0.01, models.AmbulanceReady)
	// flips to on_trip after indexing: the durable store wins
	require.NoError(t, store.SetAmbulanceStatus(context.Background(), "busy", models.AmbulanceOnTrip))
	addAmbulance(t, store, amb.Index, "free", 0, 0.02, models.AmbulanceReady)

	out, err := svc.FindNearbyAmbulances(context.Background(), 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "free", out[0].Ambulance.ID)
}

func TestFindNearbyAmbulances_EvictsStaleIndexEntries(t *testing.T) {
	svc, store, amb, _ := newService(t)
	ctx := context.Background()
	// index entry with no durable record behind it
	require.NoError(t, amb.Index.Upsert(ctx, "ghost", 0, 0.01))
	addAmbulance(t, store, amb.Index, "real", 0, 0.02, models.AmbulanceReady)

	out, err := svc.FindNearbyAmbulances(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "real", out[0].Ambulance.ID)

	// the stale member must be gone from the index now
	cands, err := amb.Index.SearchNear(ctx, 0, 0, 5, 10)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	require.Equal(t, "real", cands[0].ID)
}

func addHospital(t *testing.T, store *storage.MemoryStore, idx geo.Index, h models.Hospital) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertHospital(ctx, &h))
	require.NoError(t, idx.Upsert(ctx, h.ID, h.Loc.Lon, h.Loc.Lat))
}

func TestFindNearbyHospitals_BloodStockFilter(t *testing.T) {
	svc, store, _, hosp := newService(t)
	addHospital(t, store, hosp.Index, models.Hospital{
		ID: "near-dry", Loc: models.Coord{Lon: 0, Lat: 0.01}, Active: true,
		BedsAvailable: 5, BloodStock: map[models.BloodType]int{models.BloodONeg: 0},
	})
	addHospital(t, store, hosp.Index, models.Hospital{
		ID: "far-stocked", Loc: models.Coord{Lon: 0, Lat: 0.03}, Active: true,
		BedsAvailable: 5, BloodStock: map[models.BloodType]int{models.BloodONeg: 3},
	})

	out, err := svc.FindNearbyHospitals(context.Background(), 0, 0, 5, HospitalFilters{BloodType: models.BloodONeg})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "far-stocked", out[0].Hospital.ID, "nearest hospital with zero stock must be excluded")
}

func TestFindNearbyHospitals_BedFilter(t *testing.T) {
	svc, store, _, hosp := newService(t)
	addHospital(t, store, hosp.Index, models.Hospital{
		ID: "full", Loc: models.Coord{Lon: 0, Lat: 0.01}, Active: true, BedsAvailable: 0,
	})
	addHospital(t, store, hosp.Index, models.Hospital{
		ID: "open", Loc: models.Coord{Lon: 0, Lat: 0.02}, Active: true, BedsAvailable: 2,
	})

	out, err := svc.FindNearbyHospitals(context.Background(), 0, 0, 5, HospitalFilters{NeedsBed: true})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, "open", out[0].Hospital.ID)
}

func TestFindNearbyHospitals_InactiveExcluded(t *testing.T) {
	svc, store, _, hosp := newService(t)
	addHospital(t, store, hosp.Index, models.Hospital{
		ID: "closed", Loc: models.Coord{Lon: 0, Lat: 0.01}, Active: false, BedsAvailable: 5,
	})

	out, err := svc.FindNearbyHospitals(context.Background(), 0, 0, 5, HospitalFilters{})
	require.NoError(t, err)
	require.Empty(t, out)
}
