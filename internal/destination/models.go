package destination

import (
	"time"

	"fleet-triptracker/internal/shared/geo"
)

// Destination is a geofence target used for auto-start.
type Destination struct {
	ID        string    `json:"id"`
	DeviceID  string    `json:"device_id"`
	Name      string    `json:"name" validate:"required,max=120"`
	Latitude  float64   `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude float64   `json:"longitude" validate:"gte=-180,lte=180"`
	RadiusKm  float64   `json:"radius_km" validate:"gte=0,lte=50"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

func (d Destination) Coord() geo.Coord {
	return geo.Coord{Lat: d.Latitude, Lng: d.Longitude}
}
