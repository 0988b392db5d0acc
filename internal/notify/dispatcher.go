package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"
)

var (
	// ErrCooldown is returned when a dispatch lands inside the cooldown window.
	ErrCooldown = errors.New("alert suppressed by cooldown")
	// ErrRetryAfterCooldown is the ErrCooldown variant returned when the attempt
	// that opened the window failed, so nothing reached the device yet.
	ErrRetryAfterCooldown = fmt.Errorf("%w after failed attempt", ErrCooldown)
	// ErrDispatch wraps failures of the underlying alert channel.
	ErrDispatch = errors.New("alert dispatch failed")
)

type Alert struct {
	SessionID string          `json:"sessionId"`
	StationID string          `json:"stationId"`
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	PlaySound bool            `json:"playSound"`
	Vibration []time.Duration `json:"-"`
	// Repeat marks a vibration-only resend of an alert already shown.
	Repeat bool `json:"repeat,omitempty"`
}

// Alerter is the device alert channel.
type Alerter interface {
	Dispatch(ctx context.Context, a Alert) error
	CancelAll(ctx context.Context) error
}

type DispatcherMetrics interface {
	AlertDispatchedInc()
	AlertFailedInc()
	AlertSuppressedInc()
}

type Options struct {
	Cooldown time.Duration
	// VibrationRepeats resends the vibration pattern this many times after the
	// alert, RepeatInterval apart.
	VibrationRepeats int
	RepeatInterval   time.Duration
}

// Dispatcher guards an Alerter with a cooldown window shared by every caller,
// so foreground and background deliveries cannot stack alerts.
type Dispatcher struct {
	alerter Alerter
	opts    Options
	metrics DispatcherMetrics
	now     func() time.Time

	mu         sync.Mutex
	last       time.Time
	lastFailed bool
	timers     []*time.Timer
}

func NewDispatcher(a Alerter, opts Options, m DispatcherMetrics) *Dispatcher {
	return &Dispatcher{alerter: a, opts: opts, metrics: m, now: time.Now}
}

// Dispatch sends a through the alerter unless another dispatch happened within
// the cooldown. The cooldown starts when the attempt is made and is kept even
// if the alerter fails; suppressions inside a window opened by a failed attempt
// return ErrRetryAfterCooldown.
func (d *Dispatcher) Dispatch(ctx context.Context, a Alert) error {
	d.mu.Lock()
	now := d.now()
	if !d.last.IsZero() && now.Sub(d.last) < d.opts.Cooldown {
		failed := d.lastFailed
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.AlertSuppressedInc()
		}
		if failed {
			return ErrRetryAfterCooldown
		}
		return ErrCooldown
	}
	d.last = now
	d.lastFailed = false
	d.mu.Unlock()

	if err := d.alerter.Dispatch(ctx, a); err != nil {
		d.mu.Lock()
		if d.last.Equal(now) {
			d.lastFailed = true
		}
		d.mu.Unlock()
		if d.metrics != nil {
			d.metrics.AlertFailedInc()
		}
		return fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	if d.metrics != nil {
		d.metrics.AlertDispatchedInc()
	}
	if len(a.Vibration) > 0 {
		d.scheduleRepeats(a)
	}
	return nil
}

func (d *Dispatcher) scheduleRepeats(a Alert) {
	if d.opts.VibrationRepeats <= 0 || d.opts.RepeatInterval <= 0 {
		return
	}
	repeat := Alert{SessionID: a.SessionID, StationID: a.StationID, Vibration: a.Vibration, Repeat: true}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := 1; i <= d.opts.VibrationRepeats; i++ {
		var t *time.Timer
		t = time.AfterFunc(time.Duration(i)*d.opts.RepeatInterval, func() {
			// t is assigned under d.mu, so read it only once the lock is held.
			d.mu.Lock()
			d.timers = slices.DeleteFunc(d.timers, func(p *time.Timer) bool { return p == t })
			d.mu.Unlock()
			if err := d.alerter.Dispatch(context.Background(), repeat); err != nil {
				log.Printf("vibration repeat station=%s: %v", repeat.StationID, err)
			}
		})
		d.timers = append(d.timers, t)
	}
}

// Pending returns the number of scheduled vibration repeats that have neither
// fired nor been cancelled.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// CancelAll stops pending vibration repeats and clears alerts on the device.
func (d *Dispatcher) CancelAll(ctx context.Context) error {
	d.mu.Lock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.timers = nil
	d.mu.Unlock()
	return d.alerter.CancelAll(ctx)
}
