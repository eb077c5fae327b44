package storage

import (
	"context"
	"errors"

	"github.com/example/ambulance-dispatch/internal/models"
)

var (
	// ErrNotFound means the record does not exist in the durable store.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a conditional update lost a race: the stored
	// status no longer matched the caller's expectation.
	ErrConflict = errors.New("conflict")
)

// TripStore defines persistence for the trip aggregate. The trip is
// the only source of truth for authorization and lifecycle decisions;
// all mutation goes through whole-aggregate read-modify-write.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
	// ReplaceTripIf persists the aggregate only while the stored status
	// still equals expect, returning ErrConflict otherwise. This is the
	// single-writer guard for concurrent transitions.
	ReplaceTripIf(ctx context.Context, t *models.Trip, expect models.TripStatus) error
}

type AmbulanceStore interface {
	GetAmbulance(ctx context.Context, id string) (*models.Ambulance, error)
	UpsertAmbulance(ctx context.Context, a *models.Ambulance) error
	SetAmbulanceStatus(ctx context.Context, id string, st models.AmbulanceStatus) error
}

type HospitalStore interface {
	GetHospital(ctx context.Context, id string) (*models.Hospital, error)
	UpsertHospital(ctx context.Context, h *models.Hospital) error
}

// Store is the full durable interface the engine consumes.
type Store interface {
	TripStore
	AmbulanceStore
	HospitalStore
}
