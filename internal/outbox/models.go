// Package outbox delivers location updates to the fleet backend and holds
// them in a queue while the backend is unreachable.
package outbox

import (
	"context"
	"errors"
	"time"

	"fleet-triptracker/internal/location"

	"github.com/google/uuid"
)

var ErrOffline = errors.New("fleet backend offline")

// Update is the wire shape of update-location.
type Update struct {
	ID         string          `json:"id"`
	TripID     string          `json:"trip_id,omitempty"`
	Latitude   float64         `json:"latitude"`
	Longitude  float64         `json:"longitude"`
	IsFallback bool            `json:"isFallback"`
	Accuracy   float64         `json:"accuracy"`
	Source     location.Source `json:"source"`
	Timestamp  time.Time       `json:"timestamp"`
}

// NewUpdate builds an update from a resolved sample. Every non-gps sample
// is flagged as a fallback.
func NewUpdate(s location.Sample, tripID string) Update {
	return Update{
		ID:         uuid.NewString(),
		TripID:     tripID,
		Latitude:   s.Latitude,
		Longitude:  s.Longitude,
		IsFallback: s.Fallback || s.Source != location.SourceGPS,
		Accuracy:   s.AccuracyMeters,
		Source:     s.Source,
		Timestamp:  s.CapturedAt,
	}
}

// Uploader is the remote side of the outbox.
type Uploader interface {
	UpdateLocation(ctx context.Context, u Update) error
}

// Pinger answers the connectivity probe.
type Pinger interface {
	Ping(ctx context.Context) error
}
