package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fleet-triptracker/internal/db"
)

var ErrNoPoints = errors.New("route has no points")

// Store persists trip route points in Postgres.
type Store struct {
	db db.Querier
}

func NewStore(q db.Querier) *Store {
	return &Store{db: q}
}

func (s *Store) AppendPoint(ctx context.Context, tripID, source string, p Point) (StoredPoint, error) {
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now()
	}
	out := StoredPoint{Point: p, TripID: tripID, Source: source}
	row := s.db.QueryRow(ctx, `
		INSERT INTO route_points (trip_id, latitude, longitude, accuracy_m, source, captured_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, tripID, p.Latitude, p.Longitude, p.AccuracyMeters, source, p.CapturedAt)
	if err := row.Scan(&out.ID); err != nil {
		return StoredPoint{}, fmt.Errorf("append route point: %w", err)
	}
	return out, nil
}

func (s *Store) Points(ctx context.Context, tripID string) ([]Point, error) {
	rows, err := s.db.Query(ctx, `
		SELECT latitude, longitude, accuracy_m, captured_at
		FROM route_points WHERE trip_id=$1
		ORDER BY captured_at
	`, tripID)
	if err != nil {
		return nil, fmt.Errorf("list route points: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.AccuracyMeters, &p.CapturedAt); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

type Service struct {
	store  *Store
	filter FilterOptions
	stops  StopOptions
}

func NewService(store *Store) *Service {
	return &Service{store: store, filter: DefaultFilterOptions(), stops: DefaultStopOptions()}
}

// Analyze runs the post-processor over a stored trip.
func (s *Service) Analyze(ctx context.Context, tripID string) (Analysis, error) {
	points, err := s.store.Points(ctx, tripID)
	if err != nil {
		return Analysis{}, err
	}
	if len(points) == 0 {
		return Analysis{}, ErrNoPoints
	}
	a := s.AnalyzePoints(points)
	a.TripID = tripID
	return a, nil
}

func (s *Service) AnalyzePoints(points []Point) Analysis {
	kept := FilterAnomalousPoints(points, s.filter)
	return Analysis{
		RawPoints:     len(points),
		KeptPoints:    len(kept),
		DistanceKm:    ComputeTripDistance(kept, false),
		RawDistanceKm: ComputeTripDistance(points, false),
		Stops:         DetectStopPoints(kept, s.stops),
	}
}
