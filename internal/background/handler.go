// Package background judges samples delivered to the OS-managed background
// location task. The process may have been suspended between deliveries, so
// each invocation starts from what the persistence bridge holds.
package background

import (
	"context"
	"errors"
	"log"
	"time"

	"station-alarm/internal/arrival"
	"station-alarm/internal/bridge"
	"station-alarm/internal/geo"
	"station-alarm/internal/notify"
	"station-alarm/internal/position"
	"station-alarm/internal/sampling"
	"station-alarm/internal/threshold"
	"station-alarm/internal/transit"
)

// TaskName identifies the background location task across restarts.
const TaskName = "station-alarm-background-location"

type AlertDispatcher interface {
	Dispatch(ctx context.Context, a notify.Alert) error
}

// TaskRunner is the registry the background task runs in. The handler uses it
// to move the running task to the tier its latest distance calls for.
type TaskRunner interface {
	Params(name string) (sampling.Params, bool)
	Start(ctx context.Context, name string, p sampling.Params, h position.BatchHandler) error
}

type Metrics interface {
	BackgroundInvocationInc(outcome string)
	BridgeErrorInc(op string)
}

type Handler struct {
	bridge     *bridge.Bridge
	dispatcher AlertDispatcher
	tasks      TaskRunner
	metrics    Metrics
	now        func() time.Time
}

// NewHandler builds the background handler. tasks may be nil, in which case
// the task keeps whatever parameters it was started with.
func NewHandler(b *bridge.Bridge, d AlertDispatcher, tasks TaskRunner, m Metrics) *Handler {
	return &Handler{bridge: b, dispatcher: d, tasks: tasks, metrics: m, now: time.Now}
}

type Outcome struct {
	Inert     bool
	Distance  *float64
	Threshold float64
	// Arrived reports the last sample inside the effective arrival threshold.
	Arrived    bool
	Dispatched bool
	// AlreadyFired means this approach was alerted earlier, by either path.
	AlreadyFired bool
	Suppressed   bool
	Rearmed      bool
	// Tier is the sampling tier for the last distance; TierChanged reports that
	// the background task was restarted with it.
	Tier        sampling.Tier
	TierChanged bool
}

func (o Outcome) label() string {
	switch {
	case o.Inert:
		return "inert"
	case o.Dispatched:
		return "dispatched"
	case o.AlreadyFired:
		return "already_fired"
	case o.Suppressed:
		return "suppressed"
	case o.Rearmed:
		return "rearmed"
	default:
		return "tracking"
	}
}

// Handle is the position.BatchHandler for the background task.
func (h *Handler) Handle(ctx context.Context, samples []transit.Sample) {
	out, err := h.Evaluate(ctx, samples)
	if err != nil {
		log.Printf("background delivery samples=%d: %v", len(samples), err)
		h.invocation("error")
		return
	}
	h.invocation(out.label())
}

// Evaluate judges one delivery. Samples are taken in order and evaluation stops
// at the first one that fires. The alarm goes out inside the just-arrived
// radius, the same point the foreground path fires at; the effective threshold
// only decides arrived and departure.
func (h *Handler) Evaluate(ctx context.Context, samples []transit.Sample) (Outcome, error) {
	out, err := h.evaluate(ctx, samples)
	if out.Distance != nil {
		h.retune(ctx, &out)
	}
	return out, err
}

func (h *Handler) evaluate(ctx context.Context, samples []transit.Sample) (Outcome, error) {
	target, err := h.bridge.Target(ctx)
	if err != nil {
		h.bridgeErr("read_target")
		return Outcome{}, err
	}
	if target == nil {
		return Outcome{Inert: true}, nil
	}
	var spacing *float64
	meta, err := h.bridge.LineMeta(ctx)
	if err != nil {
		h.bridgeErr("read_line_meta")
		log.Printf("background line meta unavailable, tuning without spacing: %v", err)
	} else if meta != nil {
		spacing = meta.AvgStationSpacingM
	}

	loc := transit.Coordinate{Lat: target.Lat, Lon: target.Lon}
	var out Outcome
	for _, s := range samples {
		if !s.Coordinate.Valid() {
			continue
		}
		dist := geo.Distance(s.Coordinate, loc)
		out.Distance = &dist
		out.Threshold = threshold.Effective(target.BaseThresholdM, s.SpeedMps, spacing)
		out.Arrived = dist <= out.Threshold

		if dist <= arrival.JustArrivedMeters {
			done, err := h.fire(ctx, target, &out)
			if err != nil {
				return out, err
			}
			if done {
				return out, nil
			}
			continue
		}
		if dist > arrival.DepartureThreshold(out.Threshold) && target.RearmOnDeparture {
			fired, err := h.bridge.Fired(ctx, target.SessionID, target.StationID)
			if err != nil {
				h.bridgeErr("read_fired")
				continue
			}
			if fired {
				if err := h.bridge.ClearFired(ctx); err != nil {
					h.bridgeErr("clear_fired")
					continue
				}
				out.Rearmed = true
			}
		}
	}
	return out, nil
}

// fire dispatches the arrival alarm unless it already went out. It reports
// whether this approach is now settled.
func (h *Handler) fire(ctx context.Context, target *bridge.TargetRecord, out *Outcome) (bool, error) {
	fired, err := h.bridge.Fired(ctx, target.SessionID, target.StationID)
	if err != nil {
		// Unreadable marker: dispatch anyway, the cooldown bounds duplicates.
		h.bridgeErr("read_fired")
		log.Printf("background fired marker unreadable: %v", err)
	}
	if fired {
		out.AlreadyFired = true
		return true, nil
	}

	err = h.dispatcher.Dispatch(ctx, notify.ArrivalAlert(target.SessionID, target.StationID, target.Name))
	switch {
	case errors.Is(err, notify.ErrRetryAfterCooldown):
		// The attempt that opened the window failed; a later sample retries.
		out.Suppressed = true
		return false, nil
	case errors.Is(err, notify.ErrCooldown):
		out.Suppressed = true
		return true, nil
	case err != nil:
		// Marker stays unset so the next delivery retries.
		return false, err
	}
	out.Dispatched = true
	log.Printf("background alarm dispatched session=%s station=%s distance=%.0fm", target.SessionID, target.StationID, *out.Distance)
	if err := h.bridge.MarkFired(ctx, bridge.FiredRecord{SessionID: target.SessionID, StationID: target.StationID, At: h.now().UTC()}); err != nil {
		h.bridgeErr("mark_fired")
		log.Printf("background mark fired: %v", err)
	}
	return true, nil
}

// retune restarts the running background task when the last distance calls
// for another tier. A task that is not running is left alone.
func (h *Handler) retune(ctx context.Context, out *Outcome) {
	out.Tier = sampling.For(out.Distance)
	if h.tasks == nil {
		return
	}
	cur, ok := h.tasks.Params(TaskName)
	if !ok || cur.Tier == out.Tier {
		return
	}
	if err := h.tasks.Start(ctx, TaskName, sampling.ParamsFor(out.Tier), h.Handle); err != nil {
		log.Printf("background task keeps tier=%s, restart as %s failed: %v", cur.Tier, out.Tier, err)
		return
	}
	out.TierChanged = true
	log.Printf("background task tier %s -> %s distance=%.0fm", cur.Tier, out.Tier, *out.Distance)
}

func (h *Handler) invocation(outcome string) {
	if h.metrics != nil {
		h.metrics.BackgroundInvocationInc(outcome)
	}
}

func (h *Handler) bridgeErr(op string) {
	if h.metrics != nil {
		h.metrics.BridgeErrorInc(op)
	}
}
