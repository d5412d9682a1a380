package geo

import "math"

// earthRadiusMeters is the mean Earth radius used by the haversine formula.
const earthRadiusMeters = 6371000

// Distance returns the great-circle distance in meters between two
// latitude/longitude pairs using the haversine formula.
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Fence is a circular geofence: center plus radius in meters.
type Fence struct {
	Lat          float64
	Lon          float64
	RadiusMeters float64
}

// Check reports whether the point lies inside the fence (boundary inclusive)
// and the measured distance rounded to whole meters, so callers can tell the
// user how far away they are.
func (f Fence) Check(lat, lon float64) (bool, float64) {
	d := math.Round(Distance(f.Lat, f.Lon, lat, lon))
	return d <= f.RadiusMeters, d
}
