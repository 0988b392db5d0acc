// Package position delivers GPS samples from a device to the tracker.
package position

import (
	"context"
	"errors"
	"sync"
	"time"

	"station-alarm/internal/geo"
	"station-alarm/internal/publisher"
	"station-alarm/internal/sampling"
	"station-alarm/internal/transit"
)

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrSourceUnavailable = errors.New("position source unavailable")
)

// Handler receives foreground samples one at a time.
type Handler func(transit.Sample)

// BatchHandler receives the samples of one background delivery.
type BatchHandler func(ctx context.Context, samples []transit.Sample)

type Subscription interface {
	Stop() error
}

// Releaser is a Subscription that can be closed without telling the device to
// stop, for handing the watch over to a replacement that is already running.
type Releaser interface {
	Release() error
}

// Source is a foreground watch subscription factory.
type Source interface {
	Watch(ctx context.Context, p sampling.Params, h Handler) (Subscription, error)
}

// BatchSource is the background-capable variant: the OS wakes the app and
// delivers whatever samples it collected.
type BatchSource interface {
	WatchBatches(ctx context.Context, p sampling.Params, h BatchHandler) (Subscription, error)
}

// stationaryEvery is how many minimum intervals may pass before a sample is
// accepted without having moved the minimum distance.
const stationaryEvery = 3

// Throttle applies a watch's minimum time and distance between samples. A
// sample passes when both minimums are met since the last accepted one, or
// when stationaryEvery intervals have gone by, so a train dwelling at a
// platform still reports.
type Throttle struct {
	params sampling.Params

	mu       sync.Mutex
	has      bool
	lastAt   time.Time
	lastCoor transit.Coordinate
}

func NewThrottle(p sampling.Params) *Throttle {
	return &Throttle{params: p}
}

func (t *Throttle) Accept(s transit.Sample, received time.Time) bool {
	at := s.Timestamp
	if at.IsZero() {
		at = received
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.has {
		t.has, t.lastAt, t.lastCoor = true, at, s.Coordinate
		return true
	}
	elapsed := at.Sub(t.lastAt)
	if elapsed < t.params.MinInterval {
		return false
	}
	if elapsed < stationaryEvery*t.params.MinInterval && geo.Distance(t.lastCoor, s.Coordinate) < t.params.MinDistanceM {
		return false
	}
	t.lastAt, t.lastCoor = at, s.Coordinate
	return true
}

// ToSample converts a wire position into a Sample. Negative speeds, which some
// platforms report for "unknown", become nil.
func ToSample(m publisher.PositionMessage) transit.Sample {
	s := transit.Sample{
		Coordinate: transit.Coordinate{Lat: m.Lat, Lon: m.Lon},
		Timestamp:  m.Timestamp,
	}
	if m.SpeedMps != nil && *m.SpeedMps >= 0 {
		v := *m.SpeedMps
		s.SpeedMps = &v
	}
	return s
}
