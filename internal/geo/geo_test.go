package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceZeroForSamePoint(t *testing.T) {
	assert.Equal(t, 0.0, Distance(40.7128, -74.0060, 40.7128, -74.0060))
}

func TestDistanceKnownPair(t *testing.T) {
	// Paris ↔ London, roughly 343.5 km.
	d := Distance(48.8566, 2.3522, 51.5074, -0.1278)
	assert.InDelta(t, 343500, d, 1500)
}

func TestFenceBoundaryInclusive(t *testing.T) {
	center := Fence{Lat: 40.0, Lon: -74.0, RadiusMeters: 100}

	// One degree of latitude is ~111,139 m, so 100 m is ~0.0008999 degrees.
	within, d := center.Check(40.0008995, -74.0)
	assert.True(t, within, "point just inside should pass (distance %v)", d)

	within, d = center.Check(40.00135, -74.0)
	assert.False(t, within)
	assert.Greater(t, d, 100.0)
}

func TestFenceReportsRoundedDistance(t *testing.T) {
	f := Fence{Lat: 40.0, Lon: -74.0, RadiusMeters: 100}
	_, d := f.Check(40.00135, -74.0)
	assert.Equal(t, d, float64(int64(d)), "distance should be rounded to whole meters")
	assert.InDelta(t, 150, d, 2)
}

func TestFenceCenterAlwaysInside(t *testing.T) {
	f := Fence{Lat: -33.8688, Lon: 151.2093, RadiusMeters: 10}
	within, d := f.Check(-33.8688, 151.2093)
	assert.True(t, within)
	assert.Equal(t, 0.0, d)
}
