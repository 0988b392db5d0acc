// Package tracking owns the single active tracking session: it starts and stops
// the position subscriptions around it, feeds samples to the arrival state
// machine one at a time, and carries out the side effects an update asks for.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"station-alarm/internal/arrival"
	"station-alarm/internal/background"
	"station-alarm/internal/bridge"
	"station-alarm/internal/locator"
	mmetrics "station-alarm/internal/metrics"
	"station-alarm/internal/notify"
	"station-alarm/internal/position"
	"station-alarm/internal/sampling"
	"station-alarm/internal/transit"
)

var (
	ErrNoSession      = errors.New("no active tracking session")
	ErrUnknownStation = errors.New("unknown station")
)

type Dispatcher interface {
	Dispatch(ctx context.Context, a notify.Alert) error
	CancelAll(ctx context.Context) error
}

// TaskRunner starts and stops named background location tasks.
type TaskRunner interface {
	Start(ctx context.Context, name string, p sampling.Params, h position.BatchHandler) error
	Stop(name string) error
	IsRunning(name string) bool
}

type Options struct {
	BaseThreshold    float64
	RearmOnDeparture bool
}

// Deps are the collaborators a Tracker drives. Tasks and Background may be nil
// when no background delivery path is available.
type Deps struct {
	Source      position.Source
	Tasks       TaskRunner
	Background  position.BatchHandler
	Permissions position.PermissionChecker
	Bridge      *bridge.Bridge
	Dispatcher  Dispatcher
}

type Tracker struct {
	root    context.Context
	deps    Deps
	opts    Options
	metrics *mmetrics.Collector
	newID   func() string

	mu      sync.Mutex
	session *arrival.Session
	sub     position.Subscription
}

// NewTracker builds a tracker. Subscriptions it opens live until ctx is done
// or the session stops, independent of the context of the call that started them.
func NewTracker(ctx context.Context, deps Deps, opts Options, metrics *mmetrics.Collector) *Tracker {
	return &Tracker{
		root:    ctx,
		deps:    deps,
		opts:    opts,
		metrics: metrics,
		newID:   uuid.NewString,
	}
}

// Start begins tracking toward stationID on line, replacing any active session.
// A base threshold of zero uses the configured default. On failure nothing is
// left running.
func (t *Tracker) Start(ctx context.Context, line *transit.Line, stationID string, base float64) (arrival.Status, error) {
	if line == nil || len(line.Stations) == 0 {
		t.startFailed("invalid")
		return arrival.Status{}, locator.ErrInvalidLine
	}
	if line.IndexOf(stationID) < 0 {
		t.startFailed("invalid")
		return arrival.Status{}, fmt.Errorf("%w: %s on line %s", ErrUnknownStation, stationID, line.ID)
	}
	if err := position.Require(ctx, t.deps.Permissions); err != nil {
		t.startFailed(failureReason(err))
		return arrival.Status{}, err
	}
	if base <= 0 {
		base = t.opts.BaseThreshold
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.session != nil {
		log.Printf("replacing session %s", t.session.ID)
		if err := t.stopLocked(ctx); err != nil {
			log.Printf("stop previous session: %v", err)
		}
	}

	s, err := arrival.NewSession(t.newID(), line, stationID, arrival.Options{BaseThreshold: base, RearmOnDeparture: t.opts.RearmOnDeparture})
	if err != nil {
		t.startFailed("invalid")
		return arrival.Status{}, err
	}

	if err := t.deps.Bridge.SaveSession(ctx, targetRecord(s), lineMeta(s)); err != nil {
		t.bridgeErr("save_session")
		log.Printf("persist session %s: %v", s.ID, err)
	}

	params := sampling.ParamsFor(s.Tier)
	sub, err := t.deps.Source.Watch(t.root, params, t.onSample)
	if err != nil {
		t.rollback(ctx)
		t.startFailed("source")
		return arrival.Status{}, fmt.Errorf("start tracking: %w", err)
	}
	if t.deps.Tasks != nil && t.deps.Background != nil {
		if err := t.deps.Tasks.Start(t.root, background.TaskName, params, t.deps.Background); err != nil {
			if serr := sub.Stop(); serr != nil {
				log.Printf("rollback foreground watch: %v", serr)
			}
			t.rollback(ctx)
			t.startFailed("source")
			return arrival.Status{}, fmt.Errorf("start tracking: %w", err)
		}
	}

	t.session = s
	t.sub = sub
	if t.metrics != nil {
		t.metrics.SessionsStarted.Inc()
		t.metrics.SessionActive.Set(1)
	}
	log.Printf("session %s started line=%s target=%s (%s) base=%.0fm", s.ID, line.ID, s.Target.ID, s.Target.Name, base)
	return s.Status(), nil
}

func (t *Tracker) rollback(ctx context.Context) {
	if err := t.deps.Bridge.Clear(ctx); err != nil {
		t.bridgeErr("clear")
		log.Printf("rollback bridge: %v", err)
	}
}

func (t *Tracker) onSample(s transit.Sample) {
	if _, err := t.HandleSample(t.root, s); err != nil && !errors.Is(err, ErrNoSession) {
		log.Printf("handle sample: %v", err)
	}
}

// HandleSample folds one foreground sample into the session and performs the
// dispatch and resubscription it calls for. Calls are serialized.
func (t *Tracker) HandleSample(ctx context.Context, sample transit.Sample) (arrival.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	if s == nil {
		t.processed("inert")
		return arrival.Result{CurrentIndex: arrival.UnknownIndex, NearestIndex: arrival.UnknownIndex}, ErrNoSession
	}

	start := time.Now()
	r := s.Update(sample)
	if t.metrics != nil {
		t.metrics.UpdateDuration.Observe(time.Since(start).Seconds())
	}
	if !r.Applied {
		t.processed("dropped")
		return r, nil
	}
	t.processed("applied")

	if r.StationChanged && r.CurrentIndex >= 0 {
		if t.metrics != nil {
			t.metrics.StationSwitches.Inc()
		}
		log.Printf("session %s current station %d/%d %s direction=%s", s.ID, r.CurrentIndex+1, len(s.Line.Stations), s.Line.Stations[r.CurrentIndex].Name, s.Direction)
	}
	if r.Dispatch {
		t.dispatchLocked(ctx, s, r.Distance)
	}
	if r.Rearmed {
		if err := t.deps.Bridge.ClearFired(ctx); err != nil {
			t.bridgeErr("clear_fired")
			log.Printf("session %s rearm: %v", s.ID, err)
		}
		log.Printf("session %s rearmed at %.0fm", s.ID, r.Distance)
	}
	if r.TierChanged {
		t.resubscribeLocked(s, r.Tier)
	}
	return r, nil
}

func (t *Tracker) dispatchLocked(ctx context.Context, s *arrival.Session, distance float64) {
	fired, err := t.deps.Bridge.Fired(ctx, s.ID, s.Target.ID)
	if err != nil {
		t.bridgeErr("read_fired")
		log.Printf("session %s fired marker unreadable: %v", s.ID, err)
	}
	if fired {
		log.Printf("session %s arrival at %s already alerted", s.ID, s.Target.ID)
		return
	}

	err = t.deps.Dispatcher.Dispatch(ctx, notify.ArrivalAlert(s.ID, s.Target.ID, s.Target.Name))
	switch {
	case errors.Is(err, notify.ErrRetryAfterCooldown):
		// Nothing reached the device; retry once the window closes.
		s.DispatchFailed()
		log.Printf("session %s arrival alert held by cooldown after a failed attempt", s.ID)
		return
	case errors.Is(err, notify.ErrCooldown):
		log.Printf("session %s arrival alert suppressed by cooldown", s.ID)
		return
	case err != nil:
		s.DispatchFailed()
		log.Printf("session %s arrival alert failed, will retry: %v", s.ID, err)
		return
	}
	log.Printf("session %s arrival alert dispatched station=%s distance=%.0fm", s.ID, s.Target.ID, distance)
	if err := t.deps.Bridge.MarkFired(ctx, bridge.FiredRecord{SessionID: s.ID, StationID: s.Target.ID, At: time.Now().UTC()}); err != nil {
		t.bridgeErr("mark_fired")
		log.Printf("session %s mark fired: %v", s.ID, err)
	}
}

// resubscribeLocked opens the new tier's subscription before closing the old
// one. On failure the session stays on its current tier and the next sample
// tries again.
func (t *Tracker) resubscribeLocked(s *arrival.Session, tier sampling.Tier) {
	p := sampling.ParamsFor(tier)
	sub, err := t.deps.Source.Watch(t.root, p, t.onSample)
	if err != nil {
		if t.metrics != nil {
			t.metrics.ResubscribeErrors.Inc()
		}
		log.Printf("session %s resubscribe tier=%s failed, staying on %s: %v", s.ID, tier, s.Tier, err)
		return
	}
	old := t.sub
	t.sub = sub
	prev := s.Tier
	s.SetTier(tier)
	if old != nil {
		if err := old.Stop(); err != nil {
			log.Printf("session %s stop %s watch: %v", s.ID, prev, err)
		}
	}
	if t.deps.Tasks != nil && t.deps.Background != nil && t.deps.Tasks.IsRunning(background.TaskName) {
		if err := t.deps.Tasks.Start(t.root, background.TaskName, p, t.deps.Background); err != nil {
			log.Printf("session %s background task keeps %s params: %v", s.ID, prev, err)
		}
	}
	if t.metrics != nil {
		t.metrics.TierChanges.WithLabelValues(tier.String()).Inc()
	}
	log.Printf("session %s tier %s -> %s", s.ID, prev, tier)
}

// Stop ends the session. Every teardown step runs even if an earlier one
// fails; the failures are returned joined.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopLocked(ctx)
}

func (t *Tracker) stopLocked(ctx context.Context) error {
	var errs []error
	if t.sub != nil {
		if err := t.sub.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
		}
		t.sub = nil
	}
	if t.deps.Tasks != nil {
		if err := t.deps.Tasks.Stop(background.TaskName); err != nil {
			errs = append(errs, err)
		}
	}
	if err := t.deps.Dispatcher.CancelAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("cancel alerts: %w", err))
	}
	if err := t.deps.Bridge.Clear(ctx); err != nil {
		t.bridgeErr("clear")
		errs = append(errs, err)
	}
	if t.session != nil {
		log.Printf("session %s stopped", t.session.ID)
		if t.metrics != nil {
			t.metrics.SessionsStopped.Inc()
		}
	}
	t.session = nil
	if t.metrics != nil {
		t.metrics.SessionActive.Set(0)
	}
	return errors.Join(errs...)
}

// Retarget moves the active session to another station of its line. The alarm
// re-arms for the new target.
func (t *Tracker) Retarget(ctx context.Context, stationID string) (arrival.Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.session
	if s == nil {
		return arrival.Status{}, ErrNoSession
	}
	prev := s.Target.ID
	if err := s.Retarget(stationID); err != nil {
		return arrival.Status{}, fmt.Errorf("%w: %v", ErrUnknownStation, err)
	}
	if err := t.deps.Dispatcher.CancelAll(ctx); err != nil {
		log.Printf("session %s cancel alerts on retarget: %v", s.ID, err)
	}
	if err := t.deps.Bridge.SaveSession(ctx, targetRecord(s), lineMeta(s)); err != nil {
		t.bridgeErr("save_session")
		log.Printf("persist retarget %s: %v", s.ID, err)
	}
	log.Printf("session %s retarget %s -> %s", s.ID, prev, s.Target.ID)
	return s.Status(), nil
}

// Status reports the active session, or false when idle.
func (t *Tracker) Status() (arrival.Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session == nil {
		return arrival.Status{}, false
	}
	return t.session.Status(), true
}

func targetRecord(s *arrival.Session) bridge.TargetRecord {
	o := s.Options()
	return bridge.TargetRecord{
		SessionID:        s.ID,
		LineID:           s.Line.ID,
		StationID:        s.Target.ID,
		Name:             s.Target.Name,
		Lat:              s.Target.Location.Lat,
		Lon:              s.Target.Location.Lon,
		BaseThresholdM:   o.BaseThreshold,
		RearmOnDeparture: o.RearmOnDeparture,
	}
}

func lineMeta(s *arrival.Session) bridge.LineMeta {
	return bridge.LineMeta{LineID: s.Line.ID, AvgStationSpacingM: s.Spacing()}
}

func failureReason(err error) string {
	if errors.Is(err, position.ErrPermissionDenied) {
		return "permission"
	}
	return "source"
}

func (t *Tracker) startFailed(reason string) {
	if t.metrics != nil {
		t.metrics.StartFailures.WithLabelValues(reason).Inc()
	}
}

func (t *Tracker) processed(outcome string) {
	if t.metrics != nil {
		t.metrics.SamplesProcessed.WithLabelValues(outcome).Inc()
	}
}

func (t *Tracker) bridgeErr(op string) {
	if t.metrics != nil {
		t.metrics.BridgeErrors.WithLabelValues(op).Inc()
	}
}
