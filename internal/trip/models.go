package trip

import (
	"errors"
	"time"

	"fleet-triptracker/internal/location"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
)

// Reason tags why a trip ended.
type Reason string

const (
	ReasonManual         Reason = "manual"
	ReasonStationary     Reason = "stationary"
	ReasonDutyHoursEnded Reason = "duty_hours_ended"
)

// State is owned by the Controller. The pointer fields are set only while
// the trip is active.
type State struct {
	Status        Status           `json:"status"`
	TripID        string           `json:"trip_id,omitempty"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	StartLocation *location.Sample `json:"start_location,omitempty"`
	LastLocation  *location.Sample `json:"last_location,omitempty"`
	IsAutoStarted bool             `json:"is_auto_started"`
	DistanceKm    float64          `json:"distance_km"`
}

func (s State) clone() State {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.StartLocation != nil {
		l := *s.StartLocation
		out.StartLocation = &l
	}
	if s.LastLocation != nil {
		l := *s.LastLocation
		out.LastLocation = &l
	}
	return out
}

type EventKind string

const (
	EventStarted  EventKind = "trip.started"
	EventEnded    EventKind = "trip.ended"
	EventLocation EventKind = "trip.location"
)

// Event is published on every transition and on every location applied to
// an active trip.
type Event struct {
	ID            string           `json:"id"`
	Kind          EventKind        `json:"kind"`
	TripID        string           `json:"trip_id"`
	Reason        Reason           `json:"reason,omitempty"`
	AutoTriggered bool             `json:"auto_triggered"`
	Location      *location.Sample `json:"location,omitempty"`
	DistanceKm    float64          `json:"distance_km"`
	At            time.Time        `json:"at"`
}

var (
	ErrTripAlreadyActive = errors.New("trip already active")
	ErrNoActiveTrip      = errors.New("no active trip")
	ErrNoLocation        = errors.New("no current location fix")
)
