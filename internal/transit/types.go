package transit

import (
	"math"
	"time"
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable fix. NaN, infinities, out-of-range values
// and the 0,0 "no fix" placeholder are rejected.
func (c Coordinate) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || math.IsInf(c.Lat, 0) || math.IsInf(c.Lon, 0) {
		return false
	}
	if c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return false
	}
	return c.Lat != 0 || c.Lon != 0
}

type Station struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	Location Coordinate `json:"location"`
}

type Line struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	Stations []Station // route order; index±1 means adjacent
}

// IndexOf returns the position of the station with the given id, or -1.
func (l *Line) IndexOf(stationID string) int {
	for i, s := range l.Stations {
		if s.ID == stationID {
			return i
		}
	}
	return -1
}

// Coordinates returns station locations in route order.
func (l *Line) Coordinates() []Coordinate {
	out := make([]Coordinate, len(l.Stations))
	for i, s := range l.Stations {
		out[i] = s.Location
	}
	return out
}

// Sample is one position fix delivered by a position source.
type Sample struct {
	Coordinate
	SpeedMps  *float64  `json:"speedMps,omitempty"` // nil when the device did not report speed
	Timestamp time.Time `json:"timestamp"`
}

// Speed returns a pointer to v, for building samples with a known speed.
func Speed(v float64) *float64 { return &v }
