package geo

import "math"

// Tier classifies a location fix by its reported accuracy radius.
type Tier string

const (
	TierGood Tier = "good"
	TierFair Tier = "fair"
	TierPoor Tier = "poor"
)

// AccuracyTier buckets an accuracy radius in meters: good <= 50, fair <= 100, poor above.
func AccuracyTier(meters float64) Tier {
	switch {
	case meters <= 50:
		return TierGood
	case meters <= 100:
		return TierFair
	default:
		return TierPoor
	}
}

// AcceptableAccuracy reports whether a fix with the given accuracy may enter the
// system. A ceiling <= 0 falls back to MaxAccuracyMeters.
func AcceptableAccuracy(meters, ceiling float64) bool {
	if ceiling <= 0 {
		ceiling = MaxAccuracyMeters
	}
	if math.IsNaN(meters) || meters < 0 {
		return false
	}
	return meters <= ceiling
}
