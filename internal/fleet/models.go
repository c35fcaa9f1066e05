package fleet

import "time"

type tripRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Reason    string  `json:"reason,omitempty"`
}

type StartResult struct {
	TripID    string    `json:"tripId"`
	StartTime time.Time `json:"startTime"`
}

type EndResult struct {
	DistanceKm float64 `json:"distanceKm"`
}

type Destination struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

type AutoDetectRequest struct {
	Latitude           float64      `json:"latitude"`
	Longitude          float64      `json:"longitude"`
	MovementType       string       `json:"movementType"`
	MovementConfidence float64      `json:"movementConfidence"`
	Destination        *Destination `json:"destination,omitempty"`
}

type AutoDetectResult struct {
	TripDetected  bool   `json:"tripDetected"`
	TripID        string `json:"tripId,omitempty"`
	HasActiveTrip bool   `json:"hasActiveTrip"`
}

// ActiveTrip is the server's view of the device's open trip.
type ActiveTrip struct {
	TripID         string    `json:"tripId"`
	StartTime      time.Time `json:"startTime"`
	StartLatitude  float64   `json:"startLatitude"`
	StartLongitude float64   `json:"startLongitude"`
	IsAutoStarted  bool      `json:"isAutoStarted"`
	DistanceKm     float64   `json:"distanceKm"`
}

type activeTripResponse struct {
	Trip *ActiveTrip `json:"trip"`
}
