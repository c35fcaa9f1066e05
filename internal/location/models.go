package location

import (
	"math"
	"time"

	"fleet-triptracker/internal/shared/geo"
)

// Source names where a Sample came from, in fallback order.
type Source string

const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourceIP      Source = "ip"
	SourceCache   Source = "cache"
	SourceDefault Source = "default"
)

// Sample is one resolved position. Samples are values; a later sample
// supersedes an earlier one and nothing mutates them after creation.
type Sample struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	Source         Source    `json:"source"`
	Confidence     float64   `json:"confidence"`
	CapturedAt     time.Time `json:"captured_at"`
	Fallback       bool      `json:"is_fallback"`
}

func (s Sample) Coord() geo.Coord {
	return geo.Coord{Lat: s.Latitude, Lng: s.Longitude}
}

// Fix is a raw reading from a positioning source before it is annotated.
type Fix struct {
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters float64   `json:"accuracy_m"`
	At             time.Time `json:"at"`
}

func (f Fix) valid() bool {
	if math.IsNaN(f.Latitude) || math.IsNaN(f.Longitude) {
		return false
	}
	return f.Latitude >= -90 && f.Latitude <= 90 && f.Longitude >= -180 && f.Longitude <= 180
}

// Granularity is the geographic resolution of an IP-based estimate.
type Granularity int

const (
	GranularityPostal Granularity = iota
	GranularityCity
	GranularityRegion
	GranularityCountry
)

// AccuracyMeters maps a granularity to its accuracy tier.
func (g Granularity) AccuracyMeters() float64 {
	switch g {
	case GranularityPostal:
		return 3000
	case GranularityCity:
		return 5000
	case GranularityRegion:
		return 25000
	case GranularityCountry:
		return 100000
	}
	return 100000
}

func (g Granularity) confidence() float64 {
	switch g {
	case GranularityPostal:
		return 0.4
	case GranularityCity:
		return 0.3
	case GranularityRegion:
		return 0.2
	case GranularityCountry:
		return 0.1
	}
	return 0.1
}

func (g Granularity) String() string {
	switch g {
	case GranularityPostal:
		return "postal"
	case GranularityCity:
		return "city"
	case GranularityRegion:
		return "region"
	case GranularityCountry:
		return "country"
	}
	return "unknown"
}

// IPFix is the answer of an IP geolocation provider.
type IPFix struct {
	Latitude    float64
	Longitude   float64
	Granularity Granularity
}

// SensorStatus is reported to the connectivity collaborator after every
// resolution attempt.
type SensorStatus string

const (
	SensorAvailable        SensorStatus = "available"
	SensorUnavailable      SensorStatus = "unavailable"
	SensorPermissionDenied SensorStatus = "permission_denied"
	SensorTimeout          SensorStatus = "timeout"
)

// Reporter receives sensor availability.
type Reporter interface {
	ReportSensorStatus(status SensorStatus)
}

const (
	defaultAccuracyMeters = 50.0
	defaultPositionAcc    = 100000.0
)

// confidenceFor is a heuristic trust score for a direct reading.
func confidenceFor(source Source, accuracy float64) float64 {
	switch source {
	case SourceGPS:
		return clamp(1-accuracy/500, 0.5, 1)
	case SourceNetwork:
		return clamp(0.8-accuracy/5000, 0.3, 0.8)
	case SourceIP:
		return 0.3
	case SourceCache:
		return 0.25
	case SourceDefault:
		return 0.05
	}
	return 0
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
