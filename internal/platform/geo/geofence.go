// Package geo implements the distance and location-integrity primitives the
// EVV pipeline is built on. Every geofence decision in the system flows
// through CheckFence; no other distance math is permitted in adapters.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by the Haversine formula.
const EarthRadiusMeters = 6371000.0

// Point is a WGS84 coordinate pair.
type Point struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Distance returns the great-circle distance between two points in meters
// using the Haversine formula. Symmetric, and exactly zero for identical
// coordinates.
func Distance(a, b Point) float64 {
	if a == b {
		return 0
	}

	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLng := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return EarthRadiusMeters * c
}

// FenceResult is the outcome of a geofence evaluation.
type FenceResult struct {
	WithinFence    bool    `json:"within_fence"`
	DistanceMeters float64 `json:"distance_meters"`
}

// CheckFence evaluates whether a location falls inside a circular fence of
// effectiveRadius meters around center.
func CheckFence(location, center Point, effectiveRadius float64) FenceResult {
	d := Distance(location, center)
	return FenceResult{
		WithinFence:    d <= effectiveRadius,
		DistanceMeters: d,
	}
}

// EffectiveRadius is the true pass/fail threshold for a geofence check: the
// configured base radius widened by the state's GPS tolerance and the
// accuracy the device reported for this reading.
func EffectiveRadius(baseRadius, stateTolerance, reportedAccuracy float64) float64 {
	return baseRadius + stateTolerance + reportedAccuracy
}
