package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ambulance-dispatch/internal/models"
)

// fakeUpdater implements GeoUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	remCalls int
	hCalls   int
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) ZRem(ctx context.Context, key, member string) error {
	f.remCalls++
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	return nil
}

func TestUpdateGeoWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	p := &models.LocationPing{AmbulanceID: "amb-1", Loc: models.Coord{Lat: 1, Lon: 2}, Status: models.AmbulanceReady}
	ctx := context.Background()
	start := time.Now()
	if err := updateGeoWithRetry(ctx, f, "ambulances_geo", p, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestUpdateGeoWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	p := &models.LocationPing{AmbulanceID: "amb-1", Loc: models.Coord{Lat: 1, Lon: 2}, Status: models.AmbulanceReady}
	ctx := context.Background()
	if err := updateGeoWithRetry(ctx, f, "ambulances_geo", p, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
}

func TestUpdateGeoWithRetry_RemovesNotReadyUnits(t *testing.T) {
	f := &fakeUpdater{}
	p := &models.LocationPing{AmbulanceID: "amb-2", Loc: models.Coord{Lat: 1, Lon: 2}, Status: models.AmbulanceOnTrip}
	if err := updateGeoWithRetry(context.Background(), f, "ambulances_geo", p, 3, time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.remCalls != 1 || f.geoCalls != 0 {
		t.Fatalf("expected removal path, got geo=%d rem=%d", f.geoCalls, f.remCalls)
	}
}
