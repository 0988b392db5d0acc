package locator

import (
	"errors"
	"math"

	"station-alarm/internal/geo"
	"station-alarm/internal/transit"
)

var ErrInvalidLine = errors.New("line has no stations")

const (
	// Lines longer than this are searched around the hint only.
	windowMinStations = 30
	windowRadius      = 15
)

type Result struct {
	Index    int
	Distance float64
}

// Nearest finds the station closest to sample. With more than 30 stations and a
// valid hint (>= 0), only [hint-15, hint+15] is scanned. Ties go to the lowest index.
func Nearest(sample transit.Coordinate, stations []transit.Station, hint int) (Result, error) {
	n := len(stations)
	if n == 0 {
		return Result{}, ErrInvalidLine
	}
	lo, hi := Window(n, hint)

	best := Result{Index: -1, Distance: math.MaxFloat64}
	for i := lo; i <= hi; i++ {
		d := geo.Distance(sample, stations[i].Location)
		if d < best.Distance {
			best = Result{Index: i, Distance: d}
		}
	}
	if best.Index < 0 {
		// Only reachable with NaN distances; fall back to the window start.
		best = Result{Index: lo, Distance: geo.Distance(sample, stations[lo].Location)}
	}
	return best, nil
}

// Window returns the inclusive index range Nearest scans for a line of n stations.
func Window(n, hint int) (lo, hi int) {
	if n <= windowMinStations || hint < 0 || hint >= n {
		return 0, n - 1
	}
	lo, hi = hint-windowRadius, hint+windowRadius
	if lo < 0 {
		lo = 0
	}
	if hi > n-1 {
		hi = n - 1
	}
	return lo, hi
}
