package motion

import (
	"context"
	"errors"
	"time"
)

// Type is the inferred kind of movement.
type Type string

const (
	TypeVehicle    Type = "vehicle"
	TypeWalking    Type = "walking"
	TypeStationary Type = "stationary"
	TypeUnknown    Type = "unknown"
)

// Moving reports whether the type counts as observed movement.
func (t Type) Moving() bool {
	switch t {
	case TypeVehicle, TypeWalking:
		return true
	case TypeStationary, TypeUnknown:
		return false
	}
	return false
}

// Classification is recomputed every tick and never persisted.
type Classification struct {
	Type        Type      `json:"type"`
	Confidence  float64   `json:"confidence"`
	IsMoving    bool      `json:"is_moving"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Vector is one raw accelerometer reading in m/s².
type Vector struct {
	X, Y, Z float64
	At      time.Time
}

type Reading struct {
	Vector Vector
	Err    error
}

// AccelerationSensor delivers raw readings until the subscription is closed.
type AccelerationSensor interface {
	SubscribeAcceleration(ctx context.Context) (Subscription, error)
}

type Subscription interface {
	Readings() <-chan Reading
	Close()
}

var (
	ErrUnsupported           = errors.New("accelerometer unsupported")
	ErrCircuitBreakerTripped = errors.New("motion classifier disabled after repeated errors")
)
