// Package sim replays a train running along a line and publishes the position
// samples a phone on board would report.
package sim

import (
	"context"
	"errors"
	"log"
	"math/rand/v2"
	"time"

	"station-alarm/internal/geo"
	mmetrics "station-alarm/internal/metrics"
	"station-alarm/internal/publisher"
	"station-alarm/internal/transit"
)

type Publisher interface {
	PublishJSON(subject string, v any) error
}

type Options struct {
	DeviceID        string
	PublishInterval time.Duration
	SpeedMultiplier float64
	CruiseSpeedMps  float64
	Dwell           time.Duration
	// JitterM is the standard deviation of simulated GPS noise, per axis.
	JitterM float64
	// BatchSize above 1 groups samples into background deliveries.
	BatchSize int
	Seed      uint64
}

type Replay struct {
	line    *transit.Line
	pts     []transit.Coordinate
	cum     []float64
	times   []time.Duration
	dists   []float64
	pub     Publisher
	opts    Options
	metrics *mmetrics.Collector
	rng     *rand.Rand
}

func NewReplay(line *transit.Line, pub Publisher, opts Options, metrics *mmetrics.Collector) (*Replay, error) {
	if line == nil || len(line.Stations) < 2 {
		return nil, errors.New("replay needs a line with at least two stations")
	}
	if opts.CruiseSpeedMps <= 0 {
		return nil, errors.New("replay needs a positive cruise speed")
	}
	if opts.SpeedMultiplier <= 0 {
		opts.SpeedMultiplier = 1
	}
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = time.Second
	}
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	r := &Replay{
		line:    line,
		pts:     line.Coordinates(),
		pub:     pub,
		opts:    opts,
		metrics: metrics,
		rng:     rand.New(rand.NewPCG(seed, seed>>1)),
	}
	r.cum = geo.CumDistances(r.pts)
	r.times, r.dists = buildSchedule(r.cum, opts.CruiseSpeedMps, opts.Dwell)
	return r, nil
}

// buildSchedule constructs a time->distance schedule: constant cruise speed
// between stations and a dwell at every station except the last.
func buildSchedule(stationDists []float64, cruiseMps float64, dwell time.Duration) ([]time.Duration, []float64) {
	var times []time.Duration
	var dists []float64
	var t time.Duration
	n := len(stationDists)
	for i, d := range stationDists {
		if i > 0 {
			seg := d - stationDists[i-1]
			t += time.Duration(seg / cruiseMps * float64(time.Second))
		}
		times = append(times, t)
		dists = append(dists, d)
		if dwell > 0 && i < n-1 {
			t += dwell
			times = append(times, t)
			dists = append(dists, d)
		}
	}
	return times, dists
}

func interpolateDistAtTime(times []time.Duration, dists []float64, at time.Duration) float64 {
	n := len(times)
	if n == 0 {
		return 0
	}
	if at <= times[0] {
		return dists[0]
	}
	if at >= times[n-1] {
		return dists[n-1]
	}
	// find segment i s.t. times[i] <= at < times[i+1]
	i := 0
	for i+1 < n && at >= times[i+1] {
		i++
	}
	dt := times[i+1] - times[i]
	if dt <= 0 {
		return dists[i]
	}
	frac := float64(at-times[i]) / float64(dt)
	return dists[i] + (dists[i+1]-dists[i])*frac
}

// Duration is the simulated run time from first to last station.
func (r *Replay) Duration() time.Duration { return r.times[len(r.times)-1] }

// At returns the noiseless position, bearing and distance travelled at
// simulated time elapsed.
func (r *Replay) At(elapsed time.Duration) (transit.Coordinate, float64, float64) {
	dist := interpolateDistAtTime(r.times, r.dists, elapsed)
	c, bearing := geo.Interpolate(r.pts, r.cum, dist)
	return c, bearing, dist
}

func (r *Replay) jitter(c transit.Coordinate) transit.Coordinate {
	if r.opts.JitterM <= 0 {
		return c
	}
	return geo.Offset(c, r.rng.NormFloat64()*r.opts.JitterM, r.rng.NormFloat64()*r.opts.JitterM)
}

// Run publishes samples until the train reaches the last station or ctx is done.
func (r *Replay) Run(ctx context.Context) error {
	subject := publisher.Subject("positions", r.opts.DeviceID)
	if r.opts.BatchSize > 1 {
		subject = publisher.Subject("positions", r.opts.DeviceID, "background")
	}
	total := r.Duration()
	totalDist := r.cum[len(r.cum)-1]
	log.Printf("replaying line %s: %d stations, %.1f km, %s simulated (x%.1f)", r.line.ID, len(r.line.Stations), totalDist/1000, total, r.opts.SpeedMultiplier)

	tick := time.NewTicker(r.opts.PublishInterval)
	defer tick.Stop()

	start := time.Now()
	var batch []publisher.PositionMessage
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.pub.PublishJSON(subject, publisher.BatchMessage{Locations: batch}); err != nil {
			log.Printf("publish batch error: %v", err)
		}
		batch = nil
	}

	var last transit.Coordinate
	var lastElapsed time.Duration
	hasLast := false
	nextStation := 0
	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case now := <-tick.C:
			tickStart := time.Now()
			elapsed := time.Duration(float64(now.Sub(start)) * r.opts.SpeedMultiplier)
			if elapsed > total {
				elapsed = total
			}
			pos, bearing, dist := r.At(elapsed)
			for nextStation < len(r.cum) && dist >= r.cum[nextStation] {
				log.Printf("line %s reached station %d/%d %s", r.line.ID, nextStation+1, len(r.line.Stations), r.line.Stations[nextStation].Name)
				nextStation++
			}

			// estimate speed from the previous true position in simulated time
			var speed *float64
			if hasLast {
				if dt := (elapsed - lastElapsed).Seconds(); dt > 0 {
					v := geo.Distance(last, pos) / dt
					speed = &v
				}
			}
			last, lastElapsed, hasLast = pos, elapsed, true

			reported := r.jitter(pos)
			pm := publisher.PositionMessage{
				DeviceID:  r.opts.DeviceID,
				LineID:    r.line.ID,
				Timestamp: now.UTC(),
				Lat:       reported.Lat,
				Lon:       reported.Lon,
				Bearing:   bearing,
				Progress:  dist / totalDist,
				SpeedMps:  speed,
			}
			if r.opts.BatchSize > 1 {
				batch = append(batch, pm)
				if len(batch) >= r.opts.BatchSize {
					flush()
				}
			} else if err := r.pub.PublishJSON(subject, pm); err != nil {
				log.Printf("publish error for %s: %v", r.opts.DeviceID, err)
			}
			if r.metrics != nil {
				r.metrics.TickDuration.Observe(time.Since(tickStart).Seconds())
			}
			if elapsed >= total {
				flush()
				log.Printf("replay of line %s finished", r.line.ID)
				return nil
			}
		}
	}
}
