package geo

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metersNorth returns the latitude delta for a displacement of m meters along a meridian.
func metersNorth(m float64) float64 {
	return m / EarthRadiusMeters * 180 / math.Pi
}

func TestDistanceKnownPairs(t *testing.T) {
	tests := []struct {
		name string
		a, b Point
		want float64
		tol  float64
	}{
		{"same point", Point{12.5, 77.1}, Point{12.5, 77.1}, 0, 1e-9},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111195, 1},
		{"one degree of longitude at equator", Point{0, 0}, Point{0, 1}, 111195, 1},
		{"paris to london", Point{48.8566, 2.3522}, Point{51.5074, -0.1278}, 343_500, 1000},
		{"antipodal", Point{0, 0}, Point{0, 180}, math.Pi * EarthRadiusMeters, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Distance(tt.a, tt.b), tt.tol)
		})
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := Point{-33.8688, 151.2093}
	b := Point{-37.8136, 144.9631}
	assert.InDelta(t, Distance(a, b), Distance(b, a), 1e-6)
}

func TestWithinRadius(t *testing.T) {
	center := Point{0, 0}

	inside, err := WithinRadius(center, Point{metersNorth(50), 0}, 100)
	require.NoError(t, err)
	assert.True(t, inside)

	outside, err := WithinRadius(center, Point{metersNorth(150), 0}, 100)
	require.NoError(t, err)
	assert.False(t, outside)
}

func TestWithinRadiusBoundaryIsInclusive(t *testing.T) {
	center := Point{10, 20}
	p := Point{10 + metersNorth(250), 20}
	d := Distance(center, p)

	ok, err := WithinRadius(center, p, d)
	require.NoError(t, err)
	assert.True(t, ok, "point at exactly the radius must pass")

	ok, err = WithinRadius(center, p, math.Nextafter(d, 0))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithinRadiusRejectsInvalidCoordinates(t *testing.T) {
	tests := []struct {
		name          string
		center, point Point
		radius        float64
	}{
		{"latitude too high", Point{0, 0}, Point{90.0001, 0}, 10},
		{"latitude too low", Point{0, 0}, Point{-91, 0}, 10},
		{"longitude too high", Point{0, 0}, Point{0, 180.5}, 10},
		{"longitude too low", Point{0, -181}, Point{0, 0}, 10},
		{"nan latitude", Point{0, 0}, Point{math.NaN(), 0}, 10},
		{"negative radius", Point{0, 0}, Point{0, 0}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := WithinRadius(tt.center, tt.point, tt.radius)
			assert.False(t, ok)
			assert.True(t, errors.Is(err, ErrInvalidCoordinate), "got %v", err)
		})
	}
}

func TestPointValidateAcceptsExtremes(t *testing.T) {
	for _, p := range []Point{{90, 180}, {-90, -180}, {0, 0}} {
		assert.NoError(t, p.Validate(), "%+v", p)
	}
}

func TestFenceContains(t *testing.T) {
	f := Fence{Center: Point{0, 0}, RadiusMeters: 100}

	ok, d, err := f.Contains(Point{metersNorth(150), 0})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.InDelta(t, 150, d, 0.01)

	_, _, err = f.Contains(Point{100, 0})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}
