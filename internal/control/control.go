// Package control serves start/stop/retarget/status commands for the tracker
// over NATS request/reply on alarm.<device>.control.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"station-alarm/internal/arrival"
	"station-alarm/internal/locator"
	"station-alarm/internal/position"
	"station-alarm/internal/publisher"
	"station-alarm/internal/tracking"
	"station-alarm/internal/transit"
)

const (
	ActionStart    = "start"
	ActionStop     = "stop"
	ActionRetarget = "retarget"
	ActionStatus   = "status"
)

var ErrBadRequest = errors.New("bad request")

type LineLoader interface {
	LoadLine(ctx context.Context, lineID string) (*transit.Line, error)
}

type Tracker interface {
	Start(ctx context.Context, line *transit.Line, stationID string, base float64) (arrival.Status, error)
	Stop(ctx context.Context) error
	Retarget(ctx context.Context, stationID string) (arrival.Status, error)
	Status() (arrival.Status, bool)
}

type Command struct {
	Action         string  `json:"action"`
	LineID         string  `json:"lineId,omitempty"`
	StationID      string  `json:"stationId,omitempty"`
	BaseThresholdM float64 `json:"baseThresholdM,omitempty"`
}

type Reply struct {
	OK     bool            `json:"ok"`
	Code   string          `json:"code,omitempty"`
	Error  string          `json:"error,omitempty"`
	Active bool            `json:"active"`
	Status *arrival.Status `json:"status,omitempty"`
}

type Handler struct {
	tracker Tracker
	lines   LineLoader
	timeout time.Duration
}

func NewHandler(t Tracker, lines LineLoader, timeout time.Duration) *Handler {
	return &Handler{tracker: t, lines: lines, timeout: timeout}
}

// Handle executes one command and describes the outcome. Errors are reported in
// the reply, never returned.
func (h *Handler) Handle(ctx context.Context, cmd Command) Reply {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	switch cmd.Action {
	case ActionStart:
		if cmd.LineID == "" || cmd.StationID == "" {
			return failure(fmt.Errorf("%w: start needs lineId and stationId", ErrBadRequest))
		}
		line, err := h.lines.LoadLine(ctx, cmd.LineID)
		if err != nil {
			return failure(fmt.Errorf("load line %s: %w", cmd.LineID, err))
		}
		st, err := h.tracker.Start(ctx, line, cmd.StationID, cmd.BaseThresholdM)
		if err != nil {
			return failure(err)
		}
		return Reply{OK: true, Active: true, Status: &st}
	case ActionStop:
		if err := h.tracker.Stop(ctx); err != nil {
			// The session is gone either way; the error lists what did not clean up.
			return failure(err)
		}
		return Reply{OK: true}
	case ActionRetarget:
		if cmd.StationID == "" {
			return failure(fmt.Errorf("%w: retarget needs stationId", ErrBadRequest))
		}
		st, err := h.tracker.Retarget(ctx, cmd.StationID)
		if err != nil {
			return failure(err)
		}
		return Reply{OK: true, Active: true, Status: &st}
	case ActionStatus:
		st, ok := h.tracker.Status()
		if !ok {
			return Reply{OK: true}
		}
		return Reply{OK: true, Active: true, Status: &st}
	default:
		return failure(fmt.Errorf("%w: unknown action %q", ErrBadRequest, cmd.Action))
	}
}

func failure(err error) Reply {
	return Reply{Code: code(err), Error: err.Error()}
}

func code(err error) string {
	switch {
	case errors.Is(err, position.ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, position.ErrSourceUnavailable):
		return "source_unavailable"
	case errors.Is(err, tracking.ErrNoSession):
		return "no_session"
	case errors.Is(err, tracking.ErrUnknownStation):
		return "unknown_station"
	case errors.Is(err, locator.ErrInvalidLine):
		return "invalid_line"
	case errors.Is(err, ErrBadRequest):
		return "bad_request"
	default:
		return "internal"
	}
}

// Serve answers commands on alarm.<device>.control until the subscription is
// drained or the connection closes.
func Serve(ctx context.Context, nc *nats.Conn, deviceID string, h *Handler) (*nats.Subscription, error) {
	subject := publisher.Subject("alarm", deviceID, "control")
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var cmd Command
		var r Reply
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			r = failure(fmt.Errorf("%w: %v", ErrBadRequest, err))
		} else {
			r = h.Handle(ctx, cmd)
		}
		if !r.OK {
			log.Printf("control %s action=%q: %s", msg.Subject, cmd.Action, r.Error)
		}
		if msg.Reply == "" {
			return
		}
		b, err := json.Marshal(r)
		if err != nil {
			log.Printf("control marshal reply: %v", err)
			return
		}
		if err := msg.Respond(b); err != nil {
			log.Printf("control respond: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	log.Printf("control listening on %s", subject)
	return sub, nil
}
