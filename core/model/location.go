package model

import (
	"fmt"
	"math"
)

// EarthRadiusKM is the mean earth radius used for haversine distances.
const EarthRadiusKM = 6371.0

// DefaultSpeedKMH is the average speed assumed by EstimateETAMinutes when
// no speed is configured.
const DefaultSpeedKMH = 40.0

// Location is a WGS84 coordinate.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// IsZero reports whether both coordinates are zero, which never denotes a
// real request location.
func (l Location) IsZero() bool { return l.Lat == 0 && l.Lng == 0 }

// Validate checks the coordinate ranges and rejects the zero location.
func (l Location) Validate() error {
	if l.IsZero() {
		return fmt.Errorf("location is required")
	}
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lng) {
		return fmt.Errorf("location is not a number")
	}
	if l.Lat < -90 || l.Lat > 90 || l.Lng < -180 || l.Lng > 180 {
		return fmt.Errorf("location %.6f,%.6f out of range", l.Lat, l.Lng)
	}
	return nil
}

func (l Location) String() string { return fmt.Sprintf("%.6f,%.6f", l.Lat, l.Lng) }

// DistanceKM returns the great-circle distance between a and b.
func DistanceKM(a, b Location) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadiusKM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// EstimateETAMinutes converts a straight-line distance into whole minutes at
// the given average speed, rounding up.
func EstimateETAMinutes(distanceKM, speedKMH float64) int {
	if speedKMH <= 0 {
		speedKMH = DefaultSpeedKMH
	}
	return int(math.Ceil(distanceKM / speedKMH * 60))
}
