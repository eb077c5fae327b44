package presence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/ambulance-dispatch/internal/models"
)

func TestRegisterAndRouteLookup(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	id := models.Identity{ID: "amb-1", Role: models.RoleAmbulance}

	require.NoError(t, reg.RegisterConnection(ctx, "conn-1", id))

	connID, ok, err := reg.ConnectionFor(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "conn-1", connID)
}

func TestReconnectReplacesRoute(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	id := models.Identity{ID: "amb-1", Role: models.RoleAmbulance}

	require.NoError(t, reg.RegisterConnection(ctx, "conn-old", id))
	require.NoError(t, reg.RegisterConnection(ctx, "conn-new", id))

	// dropping the old connection must not clobber the new route
	require.NoError(t, reg.UnregisterConnection(ctx, "conn-old"))
	connID, ok, err := reg.ConnectionFor(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "conn-new", connID)
}

func TestUnregisterIsIdempotent(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	require.NoError(t, reg.RegisterConnection(ctx, "conn-1", models.Identity{ID: "u1", Role: models.RoleUser}))
	require.NoError(t, reg.UnregisterConnection(ctx, "conn-1"))
	require.NoError(t, reg.UnregisterConnection(ctx, "conn-1"))
	require.NoError(t, reg.UnregisterConnection(ctx, "never-registered"))
}

func TestLocationExactHit(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()
	loc := models.Coord{Lon: 1, Lat: 2}

	require.NoError(t, reg.CacheLocation(ctx, models.RoleAmbulance, "trip-1", loc, 12))

	got, err := reg.Location(ctx, models.RoleAmbulance, "trip-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Fallback)
	require.Equal(t, models.RoleAmbulance, got.Role)
	require.Equal(t, loc, got.Loc)
	require.Equal(t, 12.0, got.Accuracy)
}

func TestLocationFallbackToOtherRole(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	require.NoError(t, reg.CacheLocation(ctx, models.RoleUser, "trip-1", models.Coord{Lon: 3, Lat: 4}, 0))

	got, err := reg.Location(ctx, models.RoleAmbulance, "trip-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.True(t, got.Fallback, "a cross-role answer must be flagged")
	require.Equal(t, models.RoleUser, got.Role)
}

func TestLocationMissIsNilNotError(t *testing.T) {
	reg := NewMemoryRegistry()
	got, err := reg.Location(context.Background(), models.RoleAmbulance, "trip-unknown")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestLocationExpires(t *testing.T) {
	reg := NewMemoryRegistry()
	reg.locationTTL = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, reg.CacheLocation(ctx, models.RoleAmbulance, "trip-1", models.Coord{Lon: 1, Lat: 1}, 0))
	time.Sleep(20 * time.Millisecond)

	got, err := reg.Location(ctx, models.RoleAmbulance, "trip-1")
	require.NoError(t, err)
	require.Nil(t, got, "expired entries mean ask again, not stale data")
}
