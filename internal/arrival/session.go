// Package arrival turns a stream of position samples into a stable arrival
// state for one target station.
//
// A Session is the only holder of tracking state. It is not safe for
// concurrent use; callers serialize Update (see tracking.Tracker).
package arrival

import (
	"errors"
	"fmt"
	"math"

	"station-alarm/internal/geo"
	"station-alarm/internal/locator"
	"station-alarm/internal/sampling"
	"station-alarm/internal/threshold"
	"station-alarm/internal/transit"
)

const (
	// JustArrivedMeters means "physically at the platform"; crossing it fires the alarm.
	JustArrivedMeters = 150.0
	// PlatformMeters is how close a sample must be to a station to count toward switching to it.
	PlatformMeters = 100.0
	// StationDepartedMeters away from the confirmed station marks it as departed.
	StationDepartedMeters = 200.0
	// MinDepartureMeters is the floor of the departure threshold.
	MinDepartureMeters = 400.0

	departureMargin     = 150.0
	switchConfirmations = 2

	UnknownIndex = -1
)

var ErrStationNotOnLine = errors.New("station is not on line")

type Direction int

const (
	DirectionUnknown Direction = iota
	Forward
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

type Options struct {
	// BaseThreshold is the configured arrival radius in meters before tuning.
	BaseThreshold float64
	// RearmOnDeparture clears the one-shot latch when the train moves past the
	// departure threshold, so the same target can fire again.
	RearmOnDeparture bool
}

type switchCandidate struct {
	index int
	hits  int
}

type Session struct {
	ID           string
	Line         *transit.Line
	Target       transit.Station
	TargetIndex  int
	CurrentIndex int
	Direction    Direction

	DistanceToTarget       *float64
	NearestStationDistance *float64

	Arrived bool
	// Fired is the one-shot latch: set when the alarm for this approach was handed out.
	Fired bool
	Tier  sampling.Tier

	candidate switchCandidate
	departed  bool
	spacing   *float64
	opts      Options
}

// NewSession starts tracking toward targetID on line. The line must have stations
// and contain the target.
func NewSession(id string, line *transit.Line, targetID string, opts Options) (*Session, error) {
	if line == nil || len(line.Stations) == 0 {
		return nil, locator.ErrInvalidLine
	}
	idx := line.IndexOf(targetID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %s on %s", ErrStationNotOnLine, targetID, line.ID)
	}
	s := &Session{
		ID:           id,
		Line:         line,
		Target:       line.Stations[idx],
		TargetIndex:  idx,
		CurrentIndex: UnknownIndex,
		Tier:         sampling.For(nil),
		candidate:    switchCandidate{index: UnknownIndex},
		spacing:      threshold.AverageStationSpacing(line.Stations),
		opts:         opts,
	}
	return s, nil
}

// Spacing is the cached average station spacing of the line, nil when unknown.
func (s *Session) Spacing() *float64 { return s.spacing }

func (s *Session) Options() Options { return s.opts }

// Result describes what a single Update did.
type Result struct {
	// Applied is false when the sample was dropped or the session is inert.
	Applied bool

	Distance           float64
	Threshold          float64
	DepartureThreshold float64
	Arrived            bool

	// Dispatch is set exactly once per armed approach; the latch is already set
	// and must be rolled back with DispatchFailed if the alert cannot be delivered.
	Dispatch bool
	// Rearmed reports that a departure cleared the latch.
	Rearmed bool

	NearestIndex    int
	NearestDistance float64
	CurrentIndex    int
	StationChanged  bool

	// Tier is the sampling tier wanted at this distance; TierChanged when it
	// differs from the active one (see SetTier).
	Tier        sampling.Tier
	TierChanged bool
}

// DepartureThreshold returns the distance above which arrived is cleared.
func DepartureThreshold(effective float64) float64 {
	return math.Max(effective+departureMargin, MinDepartureMeters)
}

// Update folds one position sample into the session. It never blocks and
// never calls out; side effects are reported through Result.
func (s *Session) Update(sample transit.Sample) Result {
	if s == nil || s.Line == nil || len(s.Line.Stations) == 0 || s.TargetIndex < 0 {
		return Result{CurrentIndex: UnknownIndex, NearestIndex: UnknownIndex}
	}
	if !sample.Coordinate.Valid() {
		return Result{CurrentIndex: s.CurrentIndex, NearestIndex: UnknownIndex, Tier: s.Tier}
	}

	r := Result{Applied: true}
	dist := geo.Distance(sample.Coordinate, s.Target.Location)
	s.DistanceToTarget = &dist
	r.Distance = dist
	r.Threshold = threshold.Effective(s.opts.BaseThreshold, sample.SpeedMps, s.spacing)
	r.DepartureThreshold = DepartureThreshold(r.Threshold)

	switch {
	case dist <= JustArrivedMeters:
		s.Arrived = true
		if !s.Fired {
			s.Fired = true
			r.Dispatch = true
		}
	case dist <= r.Threshold:
		s.Arrived = true
	case dist > r.DepartureThreshold:
		s.Arrived = false
		if s.Fired && s.opts.RearmOnDeparture {
			s.Fired = false
			r.Rearmed = true
		}
	default:
		// hysteresis band: keep previous state
	}
	r.Arrived = s.Arrived

	r.NearestIndex = UnknownIndex
	if near, err := locator.Nearest(sample.Coordinate, s.Line.Stations, s.CurrentIndex); err == nil {
		nd := near.Distance
		s.NearestStationDistance = &nd
		r.NearestIndex = near.Index
		r.NearestDistance = near.Distance
		r.StationChanged = s.updateStation(sample.Coordinate, near)
	}
	r.CurrentIndex = s.CurrentIndex

	r.Tier = sampling.For(s.DistanceToTarget)
	r.TierChanged = r.Tier != s.Tier
	return r
}

func (s *Session) updateStation(at transit.Coordinate, near locator.Result) bool {
	if s.CurrentIndex == UnknownIndex {
		s.setCurrent(near.Index)
		return true
	}
	if !s.departed && geo.Distance(at, s.Line.Stations[s.CurrentIndex].Location) > StationDepartedMeters {
		s.departed = true
	}
	if near.Index == s.CurrentIndex || near.Distance > PlatformMeters {
		s.candidate = switchCandidate{index: UnknownIndex}
		return false
	}
	if s.candidate.index == near.Index {
		s.candidate.hits++
	} else {
		s.candidate = switchCandidate{index: near.Index, hits: 1}
	}
	if s.candidate.hits < switchConfirmations || !s.departed || absInt(near.Index-s.CurrentIndex) != 1 {
		return false
	}
	s.setCurrent(near.Index)
	return true
}

func (s *Session) setCurrent(idx int) {
	s.CurrentIndex = idx
	s.departed = false
	s.candidate = switchCandidate{index: UnknownIndex}
	switch {
	case idx == UnknownIndex:
		s.Direction = DirectionUnknown
	case s.TargetIndex > idx:
		s.Direction = Forward
	default:
		s.Direction = Reverse
	}
}

// SetTier records the sampling tier the position source is now subscribed with.
func (s *Session) SetTier(t sampling.Tier) { s.Tier = t }

// DispatchFailed rolls the one-shot latch back so a later sample retries.
func (s *Session) DispatchFailed() { s.Fired = false }

// Retarget moves the session to another station on the same line. Arrival and
// latch state start over; the current-station estimate is kept.
func (s *Session) Retarget(stationID string) error {
	idx := s.Line.IndexOf(stationID)
	if idx < 0 {
		return fmt.Errorf("%w: %s on %s", ErrStationNotOnLine, stationID, s.Line.ID)
	}
	s.Target = s.Line.Stations[idx]
	s.TargetIndex = idx
	s.DistanceToTarget = nil
	s.Arrived = false
	s.Fired = false
	s.candidate = switchCandidate{index: UnknownIndex}
	s.departed = false
	s.setCurrent(s.CurrentIndex)
	return nil
}

type Status struct {
	SessionID        string   `json:"sessionId"`
	LineID           string   `json:"lineId"`
	TargetID         string   `json:"targetId"`
	TargetName       string   `json:"targetName"`
	DistanceToTarget *float64 `json:"distanceToTarget,omitempty"`
	Arrived          bool     `json:"arrived"`
	Fired            bool     `json:"fired"`
	CurrentIndex     int      `json:"currentIndex"`
	CurrentStation   string   `json:"currentStation,omitempty"`
	Direction        string   `json:"direction"`
	Tier             string   `json:"tier"`
}

func (s *Session) Status() Status {
	st := Status{
		SessionID:        s.ID,
		LineID:           s.Line.ID,
		TargetID:         s.Target.ID,
		TargetName:       s.Target.Name,
		DistanceToTarget: s.DistanceToTarget,
		Arrived:          s.Arrived,
		Fired:            s.Fired,
		CurrentIndex:     s.CurrentIndex,
		Direction:        s.Direction.String(),
		Tier:             s.Tier.String(),
	}
	if s.CurrentIndex >= 0 && s.CurrentIndex < len(s.Line.Stations) {
		st.CurrentStation = s.Line.Stations[s.CurrentIndex].Name
	}
	return st
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
