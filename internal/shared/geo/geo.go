// Package geo holds the stateless geometry helpers shared by the resolver,
// the trip controller and the route post-processor.
package geo

import (
	"math"
	"time"
)

const earthRadiusKm = 6371.0

// Coord is a latitude/longitude pair in decimal degrees.
type Coord struct {
	Lat float64
	Lng float64
}

// HaversineKm returns the great-circle distance between two coordinates.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	if a > 1 {
		a = 1
	}
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// DistanceKm is HaversineKm over Coord values.
func DistanceKm(a, b Coord) float64 {
	return HaversineKm(a.Lat, a.Lng, b.Lat, b.Lng)
}

// WithinKm reports whether b lies inside the circle of radiusKm around a.
func WithinKm(a, b Coord, radiusKm float64) bool {
	return DistanceKm(a, b) <= radiusKm
}

// SpeedKmh returns the implied speed for covering distanceKm in elapsed.
// Non-positive durations yield +Inf so callers treat them as implausible.
func SpeedKmh(distanceKm float64, elapsed time.Duration) float64 {
	hours := elapsed.Hours()
	if hours <= 0 {
		return math.Inf(1)
	}
	return distanceKm / hours
}

// AccelerationMs2 returns the change between two speeds (km/h) over elapsed,
// in m/s².
func AccelerationMs2(fromKmh, toKmh float64, elapsed time.Duration) float64 {
	secs := elapsed.Seconds()
	if secs <= 0 {
		return math.Inf(1)
	}
	return (toKmh - fromKmh) / 3.6 / secs
}

// Centroid averages the coordinates. It returns the zero Coord for an empty
// slice.
func Centroid(coords []Coord) Coord {
	if len(coords) == 0 {
		return Coord{}
	}
	var lat, lng float64
	for _, c := range coords {
		lat += c.Lat
		lng += c.Lng
	}
	n := float64(len(coords))
	return Coord{Lat: lat / n, Lng: lng / n}
}

// Cluster groups consecutive coordinates greedily: a coordinate joins the
// current cluster while it stays within radiusKm of the cluster's first
// member. The returned slices hold indexes into coords.
func Cluster(coords []Coord, radiusKm float64) [][]int {
	if len(coords) == 0 {
		return nil
	}
	var clusters [][]int
	current := []int{0}
	anchor := coords[0]
	for i := 1; i < len(coords); i++ {
		if DistanceKm(anchor, coords[i]) <= radiusKm {
			current = append(current, i)
			continue
		}
		clusters = append(clusters, current)
		current = []int{i}
		anchor = coords[i]
	}
	return append(clusters, current)
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}
