package route

import "time"

// Point is one recorded position of a trip.
type Point struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	CapturedAt     time.Time `json:"captured_at"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
}

// StoredPoint is a Point as persisted by the Store.
type StoredPoint struct {
	Point
	ID     int64  `json:"id"`
	TripID string `json:"trip_id"`
	Source string `json:"source"`
}

// StopPoint is a detected dwell. DurationMs is never below the detection's
// minimum duration.
type StopPoint struct {
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMs int64     `json:"duration_ms"`
	Confidence float64   `json:"confidence"`
	PointCount int       `json:"point_count"`
}

type Analysis struct {
	TripID        string      `json:"trip_id,omitempty"`
	RawPoints     int         `json:"raw_points"`
	KeptPoints    int         `json:"kept_points"`
	DistanceKm    float64     `json:"distance_km"`
	RawDistanceKm float64     `json:"raw_distance_km"`
	Stops         []StopPoint `json:"stops"`
}
