package geo

import (
	"context"
	"testing"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// 0.03 degrees of latitude is roughly 3.3 km
	d := Haversine(0.03, 0, 0, 0)
	if d < 3300 || d > 3380 {
		t.Fatalf("expected ~3336m, got %f", d)
	}
}

func TestMemoryIndexEmptySearch(t *testing.T) {
	idx := NewMemoryIndex()
	out, err := idx.SearchNear(context.Background(), 0, 0, 5, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty result, got %d", len(out))
	}
}

func TestMemoryIndexOrderingAndRadius(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "far", 0, 0.2)    // ~22 km
	_ = idx.Upsert(ctx, "near", 0, 0.01)  // ~1.1 km
	_ = idx.Upsert(ctx, "mid", 0, 0.05)   // ~5.6 km
	out, err := idx.SearchNear(ctx, 0, 0, 10, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 within 10km, got %d", len(out))
	}
	if out[0].ID != "near" || out[1].ID != "mid" {
		t.Fatalf("expected [near mid], got [%s %s]", out[0].ID, out[1].ID)
	}
}

func TestMemoryIndexTieBreakByID(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "b", 0, 0.01)
	_ = idx.Upsert(ctx, "a", 0, 0.01)
	out, _ := idx.SearchNear(ctx, 0, 0, 5, 10)
	if len(out) != 2 || out[0].ID != "a" {
		t.Fatalf("expected deterministic id tie-break, got %+v", out)
	}
}

func TestMemoryIndexRemove(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "x", 0, 0.01)
	_ = idx.Remove(ctx, "x")
	out, _ := idx.SearchNear(ctx, 0, 0, 5, 10)
	if len(out) != 0 {
		t.Fatalf("expected empty after remove, got %d", len(out))
	}
}
