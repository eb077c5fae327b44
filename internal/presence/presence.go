package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/ambulance-dispatch/internal/models"
)

// DefaultLocationTTL bounds how long a cached location stays
// answerable. Absence after expiry means "ask again", never "null".
const DefaultLocationTTL = 5 * time.Minute

// DefaultRouteTTL bounds the (role, identity) -> connection reverse
// route so a crashed process cannot leak stale routing forever.
const DefaultRouteTTL = 12 * time.Hour

type ConnInfo struct {
	Identity    models.Identity
	ConnectedAt time.Time
}

// CachedLocation is a TTL-bounded last-known position for one (role,
// trip) pair. Fallback marks entries served for a different role than
// the caller asked for; the UI must surface that.
type CachedLocation struct {
	Loc      models.Coord `json:"loc"`
	Accuracy float64      `json:"accuracy,omitempty"`
	At       time.Time    `json:"at"`
	Role     models.Role  `json:"role"`
	Fallback bool         `json:"fallback"`
}

// Registry is the ephemeral connection/location mapping. Everything in
// it is rebuildable; it is never consulted for authorization.
type Registry interface {
	RegisterConnection(ctx context.Context, connID string, id models.Identity) error
	// UnregisterConnection is idempotent; unknown connection ids are a no-op.
	UnregisterConnection(ctx context.Context, connID string) error
	ConnectionFor(ctx context.Context, id models.Identity) (string, bool, error)
	CacheLocation(ctx context.Context, role models.Role, tripID string, loc models.Coord, accuracy float64) error
	// Location returns the exact (role, trip) entry, or any other
	// role's entry for the same trip flagged Fallback, or nil when the
	// trip has no live entry at all.
	Location(ctx context.Context, role models.Role, tripID string) (*CachedLocation, error)
}

var fallbackRoles = []models.Role{models.RoleAmbulance, models.RoleUser, models.RoleAdmin}

// MemoryRegistry implements Registry with expiry checked on read, for
// tests and single-process runs.
type MemoryRegistry struct {
	mu          sync.RWMutex
	conns       map[string]ConnInfo
	routes      map[string]routeEntry // role:identity -> conn
	locations   map[string]locEntry   // role:trip -> location
	locationTTL time.Duration
	routeTTL    time.Duration
}

type routeEntry struct {
	connID  string
	expires time.Time
}

type locEntry struct {
	loc     CachedLocation
	expires time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		conns:       make(map[string]ConnInfo),
		routes:      make(map[string]routeEntry),
		locations:   make(map[string]locEntry),
		locationTTL: DefaultLocationTTL,
		routeTTL:    DefaultRouteTTL,
	}
}

func (m *MemoryRegistry) RegisterConnection(_ context.Context, connID string, id models.Identity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = ConnInfo{Identity: id, ConnectedAt: time.Now().UTC()}
	m.routes[routeKey(id.Role, id.ID)] = routeEntry{connID: connID, expires: time.Now().Add(m.routeTTL)}
	return nil
}

func (m *MemoryRegistry) UnregisterConnection(_ context.Context, connID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.conns[connID]
	if !ok {
		return nil
	}
	delete(m.conns, connID)
	key := routeKey(info.Identity.Role, info.Identity.ID)
	if r, ok := m.routes[key]; ok && r.connID == connID {
		delete(m.routes, key)
	}
	return nil
}

func (m *MemoryRegistry) ConnectionFor(_ context.Context, id models.Identity) (string, bool, error) {
	m.mu.RLock()
	r, ok := m.routes[routeKey(id.Role, id.ID)]
	m.mu.RUnlock()
	if !ok || time.Now().After(r.expires) {
		return "", false, nil
	}
	return r.connID, true, nil
}

func (m *MemoryRegistry) CacheLocation(_ context.Context, role models.Role, tripID string, loc models.Coord, accuracy float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[locKey(role, tripID)] = locEntry{
		loc: CachedLocation{
			Loc:      loc,
			Accuracy: accuracy,
			At:       time.Now().UTC(),
			Role:     role,
		},
		expires: time.Now().Add(m.locationTTL),
	}
	return nil
}

func (m *MemoryRegistry) Location(_ context.Context, role models.Role, tripID string) (*CachedLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.locations[locKey(role, tripID)]; ok && time.Now().Before(e.expires) {
		cp := e.loc
		return &cp, nil
	}
	for _, other := range fallbackRoles {
		if other == role {
			continue
		}
		if e, ok := m.locations[locKey(other, tripID)]; ok && time.Now().Before(e.expires) {
			cp := e.loc
			cp.Fallback = true
			return &cp, nil
		}
	}
	return nil, nil
}

func routeKey(role models.Role, id string) string { return string(role) + ":" + id }

func locKey(role models.Role, tripID string) string { return string(role) + ":" + tripID }
