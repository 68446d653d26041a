// Package geo implements great-circle distance and bearing used by the
// proximity filters.
package geo

import "math"

// EarthRadiusMeters is the mean Earth radius used by Haversine.
const EarthRadiusMeters = 6371008.8

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

func (p Point) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lon >= -180 && p.Lon <= 180 &&
		!math.IsNaN(p.Lat) && !math.IsNaN(p.Lon)
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(rad float64) float64 { return rad * 180 / math.Pi }

// Distance returns the Haversine distance between a and b in metres.
func Distance(a, b Point) float64 {
	dLat := rad(b.Lat - a.Lat)
	dLon := rad(b.Lon - a.Lon)
	s := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(a.Lat))*math.Cos(rad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push s slightly above 1 for antipodal points
	s = math.Min(1, s)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(s))
}

// Bearing returns the initial bearing from a to b in degrees, [0, 360).
func Bearing(a, b Point) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLon := rad(b.Lon - a.Lon)
	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	return math.Mod(deg(math.Atan2(y, x))+360, 360)
}

// Within reports whether b lies within radius metres of a.
func Within(a, b Point, radius float64) bool {
	return Distance(a, b) <= radius
}

// Destination returns the point reached from p after travelling distance
// metres along bearing degrees.
func Destination(p Point, bearing, distance float64) Point {
	ang := distance / EarthRadiusMeters
	brg := rad(bearing)
	lat1, lon1 := rad(p.Lat), rad(p.Lon)
	lat2 := math.Asin(math.Sin(lat1)*math.Cos(ang) + math.Cos(lat1)*math.Sin(ang)*math.Cos(brg))
	lon2 := lon1 + math.Atan2(math.Sin(brg)*math.Sin(ang)*math.Cos(lat1), math.Cos(ang)-math.Sin(lat1)*math.Sin(lat2))
	lon := math.Mod(deg(lon2)+540, 360) - 180
	return Point{Lat: deg(lat2), Lon: lon}
}
