// Package threshold tunes the arrival-detection radius to train speed and
// line density.
package threshold

import (
	"math"

	"station-alarm/internal/geo"
	"station-alarm/internal/transit"
)

const (
	MinMeters = 220.0
	MaxMeters = 1300.0
)

// Effective returns the arrival radius in meters for a base radius, the current
// speed (m/s) and the line's average station spacing (m). Nil or non-positive
// speed/spacing contribute no adjustment. The result is clamped to [MinMeters, MaxMeters].
func Effective(base float64, speedMps, spacing *float64) float64 {
	v := math.Round(base + speedAdjustment(speedMps) + spacingAdjustment(spacing))
	if v < MinMeters {
		return MinMeters
	}
	if v > MaxMeters {
		return MaxMeters
	}
	return v
}

func speedAdjustment(speedMps *float64) float64 {
	if speedMps == nil || !(*speedMps > 0) || math.IsInf(*speedMps, 0) {
		return 0
	}
	kmh := *speedMps * 3.6
	switch {
	case kmh >= 80:
		return 180
	case kmh >= 60:
		return 120
	case kmh >= 40:
		return 60
	case kmh < 15:
		return -80
	default:
		return 0
	}
}

func spacingAdjustment(spacing *float64) float64 {
	if spacing == nil || !(*spacing > 0) || math.IsInf(*spacing, 0) {
		return 0
	}
	s := *spacing
	switch {
	case s >= 1800:
		return 120
	case s >= 1200:
		return 60
	case s <= 450:
		return -140
	case s <= 700:
		return -80
	default:
		return 0
	}
}

// AverageStationSpacing returns the mean distance between consecutive stations,
// skipping non-finite or zero-length segments. It returns nil when fewer than two
// stations are given or no segment is usable.
func AverageStationSpacing(stations []transit.Station) *float64 {
	if len(stations) < 2 {
		return nil
	}
	var sum float64
	var n int
	for i := 1; i < len(stations); i++ {
		d := geo.Distance(stations[i-1].Location, stations[i].Location)
		if math.IsNaN(d) || math.IsInf(d, 0) || d <= 0 {
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return nil
	}
	avg := sum / float64(n)
	return &avg
}
