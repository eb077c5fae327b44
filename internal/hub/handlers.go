package hub

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/example/ambulance-dispatch/internal/models"
	"github.com/example/ambulance-dispatch/internal/observability"
	"github.com/example/ambulance-dispatch/internal/storage"
)

// HandleEvent routes one inbound event and returns its ack. Acks are a
// synchronous request/response contract: exactly one per event, success
// or not, independent of the transport.
func (h *Hub) HandleEvent(ctx context.Context, c *Client, env Envelope) Ack {
	switch env.Event {
	case EvtJoinTrip:
		return h.handleJoinTrip(ctx, c, env.Data)
	case EvtLeaveTrip:
		return h.handleLeaveTrip(c, env.Data)
	case EvtLocationUpdate:
		return h.handleLocationUpdate(ctx, c, env.Data)
	case EvtGetLocation:
		return h.handleGetLocation(ctx, c, env.Data)
	case EvtEmergencySOS:
		return h.handleEmergencySOS(ctx, c, env.Data)
	case EvtGetTripParticipants:
		return h.handleGetTripParticipants(ctx, c, env.Data)
	default:
		return failAck("unknown event: " + env.Event)
	}
}

// handleJoinTrip re-checks authorization against the durable trip on
// every attempt; assignment can change between joins, so the answer is
// never cached.
func (h *Hub) handleJoinTrip(ctx context.Context, c *Client, data json.RawMessage) Ack {
	var p joinTripPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id is required")
	}
	t, err := h.trips.GetTrip(ctx, p.TripID)
	if errors.Is(err, storage.ErrNotFound) {
		return failAck("trip not found")
	}
	if err != nil {
		h.logger.Error("trip lookup failed", "trip_id", p.TripID, "error", err)
		return failAck("internal error")
	}
	if !c.Identity.CanAccessTrip(t) {
		return failAck("not a participant of this trip")
	}
	if h.Join(c.ID, TopicTrip(p.TripID)) {
		h.PublishExcluding(c.ID, TopicTrip(p.TripID), EvtParticipantJoined, map[string]any{
			"trip_id":  p.TripID,
			"identity": c.Identity,
		})
	}
	return okAck(map[string]any{"trip_id": p.TripID})
}

func (h *Hub) handleLeaveTrip(c *Client, data json.RawMessage) Ack {
	var p joinTripPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id is required")
	}
	// second leave is a no-op: no error, no duplicate event
	if h.Leave(c.ID, TopicTrip(p.TripID)) {
		h.Publish(TopicTrip(p.TripID), EvtParticipantLeft, map[string]any{
			"trip_id":  p.TripID,
			"identity": c.Identity,
		})
	}
	return okAck(map[string]any{"trip_id": p.TripID})
}

// handleLocationUpdate is the hot path: cache write is best-effort and
// never blocks the fan-out; nobody acknowledges receipt.
func (h *Hub) handleLocationUpdate(ctx context.Context, c *Client, data json.RawMessage) Ack {
	var p locationUpdatePayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id and loc are required")
	}
	if err := h.presence.CacheLocation(ctx, c.Identity.Role, p.TripID, p.Loc, p.Accuracy); err != nil {
		h.logger.Warn("location cache write failed", "trip_id", p.TripID, "error", err)
	}
	h.PublishExcluding(c.ID, TopicTrip(p.TripID), EvtLocationUpdated, map[string]any{
		"trip_id":  p.TripID,
		"role":     c.Identity.Role,
		"loc":      p.Loc,
		"accuracy": p.Accuracy,
	})
	if c.Identity.Role == models.RoleAmbulance && h.producer != nil {
		if err := h.producer.PublishLocation(models.LocationPing{AmbulanceID: c.Identity.ID, Loc: p.Loc}); err != nil {
			h.logger.Warn("location ingest publish failed", "ambulance_id", c.Identity.ID, "error", err)
		}
	}
	return okAck(nil)
}

func (h *Hub) handleGetLocation(ctx context.Context, c *Client, data json.RawMessage) Ack {
	var p getLocationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id is required")
	}
	role := p.TargetRole
	if role == "" {
		role = models.RoleAmbulance
	}
	loc, err := h.presence.Location(ctx, role, p.TripID)
	if err != nil {
		h.logger.Warn("location cache read failed", "trip_id", p.TripID, "error", err)
		return failAck("location unavailable")
	}
	if loc == nil {
		return failAck("location unavailable")
	}
	if loc.Fallback {
		observability.LocationFallbacks.Inc()
		h.logger.Warn("serving fallback location", "trip_id", p.TripID, "asked_role", role, "served_role", loc.Role)
	}
	return okAck(loc)
}

func (h *Hub) handleEmergencySOS(ctx context.Context, c *Client, data json.RawMessage) Ack {
	var p sosPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id is required")
	}
	t, err := h.trips.GetTrip(ctx, p.TripID)
	if errors.Is(err, storage.ErrNotFound) {
		return failAck("trip not found")
	}
	if err != nil {
		h.logger.Error("trip lookup failed", "trip_id", p.TripID, "error", err)
		return failAck("internal error")
	}
	if !c.Identity.CanAccessTrip(t) {
		return failAck("not a participant of this trip")
	}
	payload := map[string]any{
		"trip_id":  p.TripID,
		"message":  p.Message,
		"identity": c.Identity,
	}
	h.PublishExcluding(c.ID, TopicTrip(p.TripID), EvtEmergencySOS, payload)
	h.Publish(TopicRole(models.RoleAdmin), EvtEmergencySOS, payload)
	return okAck(nil)
}

func (h *Hub) handleGetTripParticipants(ctx context.Context, c *Client, data json.RawMessage) Ack {
	var p joinTripPayload
	if err := json.Unmarshal(data, &p); err != nil || p.TripID == "" {
		return failAck("trip_id is required")
	}
	t, err := h.trips.GetTrip(ctx, p.TripID)
	if errors.Is(err, storage.ErrNotFound) {
		return failAck("trip not found")
	}
	if err != nil {
		h.logger.Error("trip lookup failed", "trip_id", p.TripID, "error", err)
		return failAck("internal error")
	}
	if !c.Identity.CanAccessTrip(t) {
		return failAck("not a participant of this trip")
	}
	return okAck(map[string]any{
		"trip_id":      p.TripID,
		"participants": h.Members(TopicTrip(p.TripID)),
	})
}
