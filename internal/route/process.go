// Package route post-processes recorded trip paths: noise filtering,
// distance and stop detection. The processing functions never mutate their
// input and always work on a time-sorted copy.
package route

import (
	"math"
	"sort"
	"time"

	"fleet-triptracker/internal/shared/geo"
)

type FilterOptions struct {
	MaxSpeedKmh       float64
	MaxAccelMs2       float64
	MinAccuracyMeters float64
}

func DefaultFilterOptions() FilterOptions {
	return FilterOptions{MaxSpeedKmh: 180, MaxAccelMs2: 5, MinAccuracyMeters: 100}
}

type StopOptions struct {
	MinDuration   time.Duration
	MaxRadius     float64 // meters
	MinConfidence float64
}

func DefaultStopOptions() StopOptions {
	return StopOptions{MinDuration: 3 * time.Minute, MaxRadius: 50, MinConfidence: 0.6}
}

const minDedupGap = time.Second

func sorted(points []Point) []Point {
	out := make([]Point, len(points))
	copy(out, points)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CapturedAt.Before(out[j].CapturedAt)
	})
	return out
}

func (p Point) coord() geo.Coord {
	return geo.Coord{Lat: p.Latitude, Lng: p.Longitude}
}

// FilterAnomalousPoints drops inaccurate, duplicate and physically
// implausible points. The first point is always kept and survivors keep
// their time order.
func FilterAnomalousPoints(points []Point, opts FilterOptions) []Point {
	pts := sorted(points)
	if len(pts) == 0 {
		return pts
	}

	kept := []Point{pts[0]}
	lastSpeed := math.NaN()
	for _, p := range pts[1:] {
		if p.AccuracyMeters != nil && *p.AccuracyMeters > opts.MinAccuracyMeters {
			continue
		}
		last := kept[len(kept)-1]
		elapsed := p.CapturedAt.Sub(last.CapturedAt)
		if elapsed < minDedupGap {
			continue
		}
		speed := geo.SpeedKmh(geo.DistanceKm(last.coord(), p.coord()), elapsed)
		if speed > opts.MaxSpeedKmh {
			continue
		}
		if len(kept) >= 2 && !math.IsNaN(lastSpeed) {
			if accel := geo.AccelerationMs2(lastSpeed, speed, elapsed); math.Abs(accel) > opts.MaxAccelMs2 {
				continue
			}
		}
		kept = append(kept, p)
		lastSpeed = speed
	}
	return kept
}

// ComputeTripDistance sums consecutive great-circle legs in kilometers.
func ComputeTripDistance(points []Point, filterFirst bool) float64 {
	pts := sorted(points)
	if filterFirst {
		pts = FilterAnomalousPoints(pts, DefaultFilterOptions())
	}
	if len(pts) < 2 {
		return 0
	}
	var total float64
	for i := 1; i < len(pts); i++ {
		total += geo.DistanceKm(pts[i-1].coord(), pts[i].coord())
	}
	return total
}

// DetectStopPoints clusters consecutive points around each cluster's first
// member and reports the clusters that lasted long enough and were sampled
// densely enough.
func DetectStopPoints(points []Point, opts StopOptions) []StopPoint {
	stops := []StopPoint{}
	if len(points) < 3 {
		return stops
	}
	pts := sorted(points)

	coords := make([]geo.Coord, len(pts))
	for i, p := range pts {
		coords[i] = p.coord()
	}
	for _, idx := range geo.Cluster(coords, opts.MaxRadius/1000) {
		if stop, ok := closeCluster(pts, coords, idx, opts); ok {
			stops = append(stops, stop)
		}
	}
	return stops
}

func closeCluster(pts []Point, coords []geo.Coord, idx []int, opts StopOptions) (StopPoint, bool) {
	first, last := pts[idx[0]], pts[idx[len(idx)-1]]
	duration := last.CapturedAt.Sub(first.CapturedAt)
	if duration < opts.MinDuration || duration <= 0 {
		return StopPoint{}, false
	}
	confidence := stopConfidence(len(idx), duration)
	if confidence < opts.MinConfidence {
		return StopPoint{}, false
	}

	members := make([]geo.Coord, len(idx))
	for i, j := range idx {
		members[i] = coords[j]
	}
	center := geo.Centroid(members)
	return StopPoint{
		Latitude:   center.Lat,
		Longitude:  center.Lng,
		StartedAt:  first.CapturedAt,
		EndedAt:    last.CapturedAt,
		DurationMs: duration.Milliseconds(),
		Confidence: confidence,
		PointCount: len(idx),
	}, true
}

func stopConfidence(count int, duration time.Duration) float64 {
	perMinute := float64(count) / duration.Minutes()
	span := math.Min(1, float64(duration)/float64(10*time.Minute))
	return math.Min(1, 0.3*perMinute+0.7*span)
}
