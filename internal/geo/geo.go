package geo

import (
	"errors"
	"fmt"
	"math"
)

// EarthRadiusMeters is the mean radius used for the spherical approximation.
const EarthRadiusMeters = 6371000.0

// ErrInvalidCoordinate is returned for latitudes outside [-90,90] or
// longitudes outside [-180,180].
var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Fence is a circular area around a center point.
type Fence struct {
	Center       Point   `json:"center"`
	RadiusMeters float64 `json:"radius_meters"`
}

// Validate reports whether p is a usable coordinate.
func (p Point) Validate() error {
	if math.IsNaN(p.Lat) || p.Lat < -90 || p.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidCoordinate, p.Lat)
	}
	if math.IsNaN(p.Lon) || p.Lon < -180 || p.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidCoordinate, p.Lon)
	}
	return nil
}

// Distance returns the great-circle distance in meters between a and b
// using the haversine formula.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := radians(b.Lat - a.Lat)
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	// rounding can push h a hair past 1 for antipodal points
	h = math.Min(1, h)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// WithinRadius reports whether point lies within radiusMeters of center.
// A point exactly on the boundary is inside.
func WithinRadius(center, point Point, radiusMeters float64) (bool, error) {
	if err := center.Validate(); err != nil {
		return false, err
	}
	if err := point.Validate(); err != nil {
		return false, err
	}
	if math.IsNaN(radiusMeters) || radiusMeters < 0 {
		return false, fmt.Errorf("%w: radius %v", ErrInvalidCoordinate, radiusMeters)
	}
	return Distance(center, point) <= radiusMeters, nil
}

// Contains is WithinRadius applied to a fence. It also returns the measured
// distance so callers can record it.
func (f Fence) Contains(p Point) (bool, float64, error) {
	if _, err := WithinRadius(f.Center, p, f.RadiusMeters); err != nil {
		return false, 0, err
	}
	d := Distance(f.Center, p)
	return d <= f.RadiusMeters, d, nil
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
