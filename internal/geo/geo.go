// Package geo provides great-circle distance math for geofence checks.
package geo

import "math"

const earthRadiusMeters = 6371000

// Point is a WGS84 coordinate pair in decimal degrees.
type Point struct {
	Latitude  float64
	Longitude float64
}

// Distance returns the haversine distance between two points in meters.
func Distance(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))

	return earthRadiusMeters * c
}
