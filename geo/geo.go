// Package geo holds the distance and area math behind GPS validation and
// board coverage.
package geo

import "math"

const (
	// EarthRadiusMeters is the mean radius used by the haversine formula.
	EarthRadiusMeters = 6371000.0
	// ProximityThresholdMeters is the farthest an agent may stand from a
	// customer's registered location without a manual override.
	ProximityThresholdMeters = 10.0
)

// Point is a latitude/longitude pair in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Distance returns the great-circle distance in meters between a and b.
func Distance(a, b Point) float64 {
	phi1 := a.Lat * math.Pi / 180
	phi2 := b.Lat * math.Pi / 180
	dPhi := (b.Lat - a.Lat) * math.Pi / 180
	dLambda := (b.Lng - a.Lng) * math.Pi / 180

	sinPhi := math.Sin(dPhi / 2)
	sinLambda := math.Sin(dLambda / 2)
	h := sinPhi*sinPhi + math.Cos(phi1)*math.Cos(phi2)*sinLambda*sinLambda
	// Rounding can push h just past 1 for antipodal points.
	h = math.Min(1, math.Max(0, h))

	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// WithinThreshold reports whether distance is close enough to skip an override.
// Exactly the threshold still counts as close.
func WithinThreshold(distance float64) bool {
	return distance <= ProximityThresholdMeters
}
