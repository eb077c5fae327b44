package models

import "time"

type Coord struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// AmbulanceStatus tracks whether a unit can be matched to a trip.
type AmbulanceStatus string

const (
	AmbulanceReady   AmbulanceStatus = "ready"
	AmbulanceOnTrip  AmbulanceStatus = "on_trip"
	AmbulanceOffline AmbulanceStatus = "offline"
)

type Ambulance struct {
	ID      string          `json:"id"`
	Status  AmbulanceStatus `json:"status"`
	Loc     Coord           `json:"loc"`
	Updated time.Time       `json:"updated"`
}

// Matchable reports whether the unit belongs in the geo index.
func (a Ambulance) Matchable() bool {
	return a.Status == AmbulanceReady && (a.Loc.Lat != 0 || a.Loc.Lon != 0)
}

type BloodType string

const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

// BloodTypes lists all stocked groups in display order.
var BloodTypes = []BloodType{
	BloodAPos, BloodANeg, BloodBPos, BloodBNeg,
	BloodABPos, BloodABNeg, BloodOPos, BloodONeg,
}

func ValidBloodType(s string) bool {
	for _, bt := range BloodTypes {
		if string(bt) == s {
			return true
		}
	}
	return false
}

type Hospital struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Loc           Coord             `json:"loc"`
	BedsTotal     int               `json:"beds_total"`
	BedsAvailable int               `json:"beds_available"`
	BloodStock    map[BloodType]int `json:"blood_stock"`
	Active        bool              `json:"active"`
}

type TripStatus string

const (
	TripSearching       TripStatus = "SEARCHING"
	TripAccepted        TripStatus = "ACCEPTED"
	TripArrivedPickup   TripStatus = "ARRIVED_PICKUP"
	TripEnRouteHospital TripStatus = "EN_ROUTE_HOSPITAL"
	TripArrivedHospital TripStatus = "ARRIVED_HOSPITAL"
	TripCompleted       TripStatus = "COMPLETED"
	TripCancelled       TripStatus = "CANCELLED"
)

// Terminal statuses admit no further transitions.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAmbulance Role = "ambulance"
	RoleAdmin     Role = "admin"
)

func ValidRole(s string) bool {
	switch Role(s) {
	case RoleUser, RoleAmbulance, RoleAdmin:
		return true
	}
	return false
}

// Identity is the (who, role) pair a bearer credential resolves to.
type Identity struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// CanAccessTrip is the single authorization predicate for per-trip
// topics and trip queries: requester, assigned unit, or an admin.
func (id Identity) CanAccessTrip(t *Trip) bool {
	switch id.Role {
	case RoleAdmin:
		return true
	case RoleUser:
		return t.RequesterID == id.ID
	case RoleAmbulance:
		return t.AmbulanceID != "" && t.AmbulanceID == id.ID
	}
	return false
}

// PatientInfo is snapshotted onto the trip at creation so the audit
// record survives later account edits.
type PatientInfo struct {
	Name           string    `json:"name"`
	Phone          string    `json:"phone"`
	BloodType      BloodType `json:"blood_type,omitempty"`
	MedicalHistory string    `json:"medical_history,omitempty"`
}

type TimelineEntry struct {
	Status TripStatus `json:"status"`
	At     time.Time  `json:"at"`
	Loc    *Coord     `json:"loc,omitempty"`
	Actor  string     `json:"actor"`
}

type Milestones struct {
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
	ArrivedPickupAt   *time.Time `json:"arrived_pickup_at,omitempty"`
	ArrivedHospitalAt *time.Time `json:"arrived_hospital_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type Trip struct {
	ID              string          `json:"id"`
	RequesterID     string          `json:"requester_id"`
	AmbulanceID     string          `json:"ambulance_id,omitempty"`
	HospitalID      string          `json:"hospital_id,omitempty"`
	Status          TripStatus      `json:"status"`
	Pickup          Coord           `json:"pickup"`
	Dropoff         *Coord          `json:"dropoff,omitempty"`
	Patient         PatientInfo     `json:"patient"`
	Timeline        []TimelineEntry `json:"timeline"`
	Milestones      Milestones      `json:"milestones"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// DispatchRequest is the inbound payload that starts a trip.
type DispatchRequest struct {
	RequesterID string      `json:"requester_id"`
	Pickup      Coord       `json:"pickup"`
	Patient     PatientInfo `json:"patient"`
	BloodType   BloodType   `json:"blood_type,omitempty"`
	NeedsBed    bool        `json:"needs_bed"`
}

// LocationPing is the high-frequency message ambulances emit; it rides
// the Kafka firehose and lands in the geo index.
type LocationPing struct {
	AmbulanceID string          `json:"ambulance_id"`
	Loc         Coord           `json:"loc"`
	Status      AmbulanceStatus `json:"status,omitempty"`
	At          time.Time       `json:"at"`
}
