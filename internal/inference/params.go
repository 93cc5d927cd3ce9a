package inference

import "math"

// Params are the position-inference thresholds. Defaults come from the
// configuration layer; tests construct them directly.
type Params struct {
	// PairSec is the continuous-sighting duration after which a beacon is
	// considered paired to (towed by) a tracker.
	PairSec int
	// DriftM is the radius below which a position delta is treated as GPS
	// drift and ignored.
	DriftM float64
	// GapSec is the sighting gap beyond which a large jump is trusted as a
	// real relocation.
	GapSec int
	// JumpM is the distance a beacon must have moved, combined with a gap,
	// to relocate immediately.
	JumpM float64
	// StopKmh is the speed below which a tracker counts as stopped.
	StopKmh float64
}

const earthRadiusM = 6371000

// DistanceM returns the haversine great-circle distance in meters.
func DistanceM(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}
