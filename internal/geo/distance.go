package geo

import (
	"errors"
	"math"
)

const (
	// EarthRadiusKm is Earth's mean radius in kilometres for Haversine calculation.
	EarthRadiusKm = 6371.0
	// MaxAccuracyMeters is the accuracy ceiling above which a fix is rejected for help requests.
	MaxAccuracyMeters = 150.0
)

// ErrOutOfRange is returned for coordinates that are not finite degrees within
// [-90,90] latitude and [-180,180] longitude.
var ErrOutOfRange = errors.New("coordinate out of range")

// Point is a WGS84 coordinate in degrees.
type Point struct {
	Lat float64
	Lng float64
}

// Validate reports whether p is a usable coordinate.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) || math.IsInf(p.Lat, 0) || math.IsInf(p.Lng, 0) {
		return ErrOutOfRange
	}
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return ErrOutOfRange
	}
	return nil
}

// HaversineKm calculates the great-circle distance between two points in
// kilometres, unrounded. Inputs are assumed valid.
func HaversineKm(a, b Point) float64 {
	const degToRad = math.Pi / 180
	dLat := (b.Lat - a.Lat) * degToRad
	dLng := (b.Lng - a.Lng) * degToRad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(a.Lat*degToRad)*math.Cos(b.Lat*degToRad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// DistanceKm returns the Haversine distance between a and b rounded to one decimal.
func DistanceKm(a, b Point) (float64, error) {
	if err := a.Validate(); err != nil {
		return 0, err
	}
	if err := b.Validate(); err != nil {
		return 0, err
	}
	return math.Round(HaversineKm(a, b)*10) / 10, nil
}
