// Package destination stores the geofence targets a device drives to.
package destination

import (
	"context"
	"errors"
	"fmt"

	"fleet-triptracker/internal/db"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var ErrNotFound = errors.New("destination not found")

type Service struct {
	db       db.Querier
	validate *validator.Validate
}

func NewService(q db.Querier) *Service {
	return &Service{db: q, validate: validator.New()}
}

func (s *Service) Validate(d Destination) error {
	return s.validate.Struct(d)
}

// Create stores d. A new active destination deactivates the device's
// other destinations.
func (s *Service) Create(ctx context.Context, d Destination) (Destination, error) {
	if err := s.Validate(d); err != nil {
		return Destination{}, err
	}
	d.ID = uuid.NewString()
	if d.Active {
		if err := s.deactivateOthers(ctx, d.DeviceID, d.ID); err != nil {
			return Destination{}, err
		}
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO destinations (id, device_id, name, latitude, longitude, radius_km, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at
	`, d.ID, d.DeviceID, d.Name, d.Latitude, d.Longitude, d.RadiusKm, d.Active)
	if err := row.Scan(&d.CreatedAt); err != nil {
		return Destination{}, fmt.Errorf("create destination: %w", err)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id string) (Destination, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, device_id, name, latitude, longitude, radius_km, active, created_at
		FROM destinations WHERE id=$1
	`, id)
	d, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	return d, err
}

func (s *Service) List(ctx context.Context, deviceID string) ([]Destination, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, device_id, name, latitude, longitude, radius_km, active, created_at
		FROM destinations WHERE device_id=$1
		ORDER BY created_at DESC
	`, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Destination{}
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// Active returns the device's active destination, or ErrNotFound.
func (s *Service) Active(ctx context.Context, deviceID string) (Destination, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, device_id, name, latitude, longitude, radius_km, active, created_at
		FROM destinations WHERE device_id=$1 AND active
		ORDER BY created_at DESC
		LIMIT 1
	`, deviceID)
	d, err := scan(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Destination{}, ErrNotFound
	}
	return d, err
}

func (s *Service) Activate(ctx context.Context, id string) (Destination, error) {
	d, err := s.Get(ctx, id)
	if err != nil {
		return Destination{}, err
	}
	if err := s.deactivateOthers(ctx, d.DeviceID, d.ID); err != nil {
		return Destination{}, err
	}
	if _, err := s.db.Exec(ctx, `UPDATE destinations SET active=TRUE WHERE id=$1`, id); err != nil {
		return Destination{}, err
	}
	d.Active = true
	return d, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM destinations WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Service) deactivateOthers(ctx context.Context, deviceID, keepID string) error {
	_, err := s.db.Exec(ctx, `UPDATE destinations SET active=FALSE WHERE device_id=$1 AND id<>$2 AND active`, deviceID, keepID)
	return err
}

func scan(row pgx.Row) (Destination, error) {
	var d Destination
	err := row.Scan(&d.ID, &d.DeviceID, &d.Name, &d.Latitude, &d.Longitude, &d.RadiusKm, &d.Active, &d.CreatedAt)
	return d, err
}
