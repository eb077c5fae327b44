package hub

import (
	"encoding/json"

	"github.com/example/ambulance-dispatch/internal/models"
)

// Inbound event names (client -> engine).
const (
	EvtJoinTrip            = "join_trip"
	EvtLeaveTrip           = "leave_trip"
	EvtLocationUpdate      = "location_update"
	EvtGetLocation         = "get_location"
	EvtEmergencySOS        = "emergency_sos"
	EvtGetTripParticipants = "get_trip_participants"
)

// Outbound event names (engine -> clients).
const (
	EvtConnected               = "connected"
	EvtParticipantJoined       = "participant_joined"
	EvtParticipantLeft         = "participant_left"
	EvtParticipantDisconnected = "participant_disconnected"
	EvtLocationUpdated         = "location_updated"
	EvtAmbulanceAssigned       = "ambulance_assigned"
	EvtNewTripAssigned         = "new_trip_assigned"
	EvtNewTripRequest          = "new_trip_request"
	EvtTripStatusUpdated       = "trip_status_updated"
	EvtTripCancelled           = "trip_cancelled"
)

// Envelope is the wire shape of every message in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack is the synchronous per-event response. Every inbound event gets
// exactly one, delivered as "<event>_ack" on the same connection.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func okAck(data any) Ack { return Ack{Success: true, Data: data} }

func failAck(msg string) Ack { return Ack{Success: false, Message: msg} }

type joinTripPayload struct {
	TripID string `json:"trip_id"`
}

type locationUpdatePayload struct {
	TripID   string       `json:"trip_id"`
	Loc      models.Coord `json:"loc"`
	Accuracy float64      `json:"accuracy,omitempty"`
}

type getLocationPayload struct {
	TripID     string      `json:"trip_id"`
	TargetRole models.Role `json:"target_role"`
}

type sosPayload struct {
	TripID  string `json:"trip_id"`
	Message string `json:"message,omitempty"`
}

// Participant describes one live member of a trip topic.
type Participant struct {
	Identity models.Identity `json:"identity"`
	ConnID   string          `json:"conn_id"`
}

// Topic name builders. One string namespace keeps membership maps flat.
func TopicUser(id string) string { return "user:" + id }

func TopicRole(role models.Role) string { return "role:" + string(role) }

func TopicTrip(tripID string) string { return "trip:" + tripID }
