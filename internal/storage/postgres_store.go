package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ambulance-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) CreateTrip(ctx context.Context, t *models.Trip) error {
	patient, _ := json.Marshal(t.Patient)
	timeline, _ := json.Marshal(t.Timeline)
	milestones, _ := json.Marshal(t.Milestones)
	var dropLon, dropLat sql.NullFloat64
	if t.Dropoff != nil {
		dropLon = sql.NullFloat64{Float64: t.Dropoff.Lon, Valid: true}
		dropLat = sql.NullFloat64{Float64: t.Dropoff.Lat, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO trips(id, requester_id, ambulance_id, hospital_id, status, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, patient, timeline, milestones, payment_intent_id, created_at, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.RequesterID, nullStr(t.AmbulanceID), nullStr(t.HospitalID), t.Status,
		t.Pickup.Lon, t.Pickup.Lat, dropLon, dropLat,
		patient, timeline, milestones, nullStr(t.PaymentIntentID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, requester_id, COALESCE(ambulance_id,''), COALESCE(hospital_id,''), status, pickup_lon, pickup_lat, dropoff_lon, dropoff_lat, patient, timeline, milestones, COALESCE(payment_intent_id,''), created_at, updated_at FROM trips WHERE id=$1`, id)
	var t models.Trip
	var dropLon, dropLat sql.NullFloat64
	var patient, timeline, milestones []byte
	err := row.Scan(&t.ID, &t.RequesterID, &t.AmbulanceID, &t.HospitalID, &t.Status,
		&t.Pickup.Lon, &t.Pickup.Lat, &dropLon, &dropLat,
		&patient, &timeline, &milestones, &t.PaymentIntentID, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dropLon.Valid && dropLat.Valid {
		t.Dropoff = &models.Coord{Lon: dropLon.Float64, Lat: dropLat.Float64}
	}
	if err := json.Unmarshal(patient, &t.Patient); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(timeline, &t.Timeline); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(milestones, &t.Milestones); err != nil {
		return nil, err
	}
	return &t, nil
}

// ReplaceTripIf writes the aggregate guarded by the stored status.
// RowsAffected 0 means either a lost race or a missing row; a follow-up
// existence check disambiguates.
func (p *PostgresStore) ReplaceTripIf(ctx context.Context, t *models.Trip, expect models.TripStatus) error {
	patient, _ := json.Marshal(t.Patient)
	timeline, _ := json.Marshal(t.Timeline)
	milestones, _ := json.Marshal(t.Milestones)
	var dropLon, dropLat sql.NullFloat64
	if t.Dropoff != nil {
		dropLon = sql.NullFloat64{Float64: t.Dropoff.Lon, Valid: true}
		dropLat = sql.NullFloat64{Float64: t.Dropoff.Lat, Valid: true}
	}
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET ambulance_id=$1, hospital_id=$2, status=$3, dropoff_lon=$4, dropoff_lat=$5, patient=$6, timeline=$7, milestones=$8, payment_intent_id=$9, updated_at=$10 WHERE id=$11 AND status=$12`,
		nullStr(t.AmbulanceID), nullStr(t.HospitalID), t.Status, dropLon, dropLat,
		patient, timeline, milestones, nullStr(t.PaymentIntentID), time.Now().UTC(), t.ID, expect)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id=$1)`, t.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (p *PostgresStore) GetAmbulance(ctx context.Context, id string) (*models.Ambulance, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, status, lon, lat, updated_at FROM ambulances WHERE id=$1`, id)
	var a models.Ambulance
	err := row.Scan(&a.ID, &a.Status, &a.Loc.Lon, &a.Loc.Lat, &a.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (p *PostgresStore) UpsertAmbulance(ctx context.Context, a *models.Ambulance) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ambulances(id, status, lon, lat, updated_at) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, lon=EXCLUDED.lon, lat=EXCLUDED.lat, updated_at=EXCLUDED.updated_at`,
		a.ID, a.Status, a.Loc.Lon, a.Loc.Lat, time.Now().UTC())
	return err
}

func (p *PostgresStore) SetAmbulanceStatus(ctx context.Context, id string, st models.AmbulanceStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE ambulances SET status=$1, updated_at=$2 WHERE id=$3`, st, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) GetHospital(ctx context.Context, id string) (*models.Hospital, error) {
	row := p.db.QueryRowContext(ctx, `SELECT id, name, lon, lat, beds_total, beds_available, blood_stock, active FROM hospitals WHERE id=$1`, id)
	var h models.Hospital
	var stock []byte
	err := row.Scan(&h.ID, &h.Name, &h.Loc.Lon, &h.Loc.Lat, &h.BedsTotal, &h.BedsAvailable, &stock, &h.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stock, &h.BloodStock); err != nil {
		return nil, err
	}
	return &h, nil
}

func (p *PostgresStore) UpsertHospital(ctx context.Context, h *models.Hospital) error {
	stock, _ := json.Marshal(h.BloodStock)
	_, err := p.db.ExecContext(ctx, `INSERT INTO hospitals(id, name, lon, lat, beds_total, beds_available, blood_stock, active) VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, lon=EXCLUDED.lon, lat=EXCLUDED.lat, beds_total=EXCLUDED.beds_total, beds_available=EXCLUDED.beds_available, blood_stock=EXCLUDED.blood_stock, active=EXCLUDED.active`,
		h.ID, h.Name, h.Loc.Lon, h.Loc.Lat, h.BedsTotal, h.BedsAvailable, stock, h.Active)
	return err
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
