package geo

import (
	"math"

	"station-alarm/internal/transit"
)

const EarthRadiusMeters = 6371000.0

func toRad(d float64) float64 { return d * math.Pi / 180 }

// Distance returns the haversine great-circle distance between a and b in meters.
func Distance(a, b transit.Coordinate) float64 {
	dLat := toRad(b.Lat - a.Lat)
	dLon := toRad(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	// Clamp rounding noise so antipodal points do not produce NaN.
	if h > 1 {
		h = 1
	}
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusMeters * c
}

// Bearing returns the initial bearing from a to b in degrees (0-360).
func Bearing(a, b transit.Coordinate) float64 {
	y := math.Sin(toRad(b.Lon-a.Lon)) * math.Cos(toRad(b.Lat))
	x := math.Cos(toRad(a.Lat))*math.Sin(toRad(b.Lat)) - math.Sin(toRad(a.Lat))*math.Cos(toRad(b.Lat))*math.Cos(toRad(b.Lon-a.Lon))
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// CumDistances returns the cumulative distance along pts, starting at 0.
func CumDistances(pts []transit.Coordinate) []float64 {
	n := len(pts)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	sum := 0.0
	for i := 1; i < n; i++ {
		sum += Distance(pts[i-1], pts[i])
		cum[i] = sum
	}
	return cum
}

// Interpolate walks dist meters along the polyline pts and returns the point
// reached together with the bearing of the segment it lies on.
func Interpolate(pts []transit.Coordinate, cum []float64, dist float64) (transit.Coordinate, float64) {
	n := len(pts)
	if n == 0 {
		return transit.Coordinate{}, 0
	}
	if n == 1 || cum[n-1] == 0 {
		return pts[0], 0
	}
	if dist <= 0 {
		return pts[0], Bearing(pts[0], pts[1])
	}
	if dist >= cum[n-1] {
		return pts[n-1], Bearing(pts[n-2], pts[n-1])
	}
	i := 1
	for i < n && cum[i] < dist {
		i++
	}
	if i >= n {
		i = n - 1
	}
	p0, p1 := pts[i-1], pts[i]
	d0, d1 := cum[i-1], cum[i]
	if d1 == d0 {
		return p0, Bearing(p0, p1)
	}
	frac := (dist - d0) / (d1 - d0)
	return transit.Coordinate{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lon: p0.Lon + (p1.Lon-p0.Lon)*frac,
	}, Bearing(p0, p1)
}

// Offset moves c by north/east meters using an equirectangular approximation,
// good enough for the few-meter jitter the replay adds.
func Offset(c transit.Coordinate, northM, eastM float64) transit.Coordinate {
	dLat := northM / EarthRadiusMeters * 180 / math.Pi
	dLon := eastM / (EarthRadiusMeters * math.Cos(toRad(c.Lat))) * 180 / math.Pi
	return transit.Coordinate{Lat: c.Lat + dLat, Lon: c.Lon + dLon}
}
