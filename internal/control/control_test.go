package control

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"station-alarm/internal/arrival"
	"station-alarm/internal/position"
	"station-alarm/internal/tracking"
	"station-alarm/internal/transit"
)

type fakeLines map[string]*transit.Line

func (f fakeLines) LoadLine(_ context.Context, id string) (*transit.Line, error) {
	l, ok := f[id]
	if !ok {
		return nil, fmt.Errorf("line %s not found", id)
	}
	return l, nil
}

type fakeTracker struct {
	startErr error
	stopErr  error
	active   *arrival.Status
	base     float64
}

func (f *fakeTracker) Start(_ context.Context, line *transit.Line, stationID string, base float64) (arrival.Status, error) {
	if f.startErr != nil {
		return arrival.Status{}, f.startErr
	}
	f.base = base
	f.active = &arrival.Status{SessionID: "s1", LineID: line.ID, TargetID: stationID, CurrentIndex: arrival.UnknownIndex}
	return *f.active, nil
}

func (f *fakeTracker) Stop(context.Context) error {
	f.active = nil
	return f.stopErr
}

func (f *fakeTracker) Retarget(_ context.Context, stationID string) (arrival.Status, error) {
	if f.active == nil {
		return arrival.Status{}, tracking.ErrNoSession
	}
	f.active.TargetID = stationID
	return *f.active, nil
}

func (f *fakeTracker) Status() (arrival.Status, bool) {
	if f.active == nil {
		return arrival.Status{}, false
	}
	return *f.active, true
}

func TestHandle(t *testing.T) {
	lines := fakeLines{"JY": {ID: "JY", Stations: []transit.Station{{ID: "JY01"}, {ID: "JY02"}}}}

	tests := []struct {
		name     string
		tracker  *fakeTracker
		cmd      Command
		wantOK   bool
		wantCode string
		active   bool
	}{
		{"start", &fakeTracker{}, Command{Action: ActionStart, LineID: "JY", StationID: "JY02"}, true, "", true},
		{"start missing station", &fakeTracker{}, Command{Action: ActionStart, LineID: "JY"}, false, "bad_request", false},
		{"start unknown line", &fakeTracker{}, Command{Action: ActionStart, LineID: "XX", StationID: "X1"}, false, "internal", false},
		{"start denied", &fakeTracker{startErr: fmt.Errorf("%w: allow location", position.ErrPermissionDenied)},
			Command{Action: ActionStart, LineID: "JY", StationID: "JY02"}, false, "permission_denied", false},
		{"start source down", &fakeTracker{startErr: fmt.Errorf("start tracking: %w", position.ErrSourceUnavailable)},
			Command{Action: ActionStart, LineID: "JY", StationID: "JY02"}, false, "source_unavailable", false},
		{"retarget idle", &fakeTracker{}, Command{Action: ActionRetarget, StationID: "JY01"}, false, "no_session", false},
		{"retarget", &fakeTracker{active: &arrival.Status{TargetID: "JY02"}}, Command{Action: ActionRetarget, StationID: "JY01"}, true, "", true},
		{"status idle", &fakeTracker{}, Command{Action: ActionStatus}, true, "", false},
		{"status active", &fakeTracker{active: &arrival.Status{TargetID: "JY02"}}, Command{Action: ActionStatus}, true, "", true},
		{"stop", &fakeTracker{active: &arrival.Status{}}, Command{Action: ActionStop}, true, "", false},
		{"stop partial failure", &fakeTracker{active: &arrival.Status{}, stopErr: errors.New("cancel alerts: boom")},
			Command{Action: ActionStop}, false, "internal", false},
		{"unknown action", &fakeTracker{}, Command{Action: "snooze"}, false, "bad_request", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.tracker, lines, 0)
			r := h.Handle(context.Background(), tt.cmd)
			if r.OK != tt.wantOK || r.Code != tt.wantCode || r.Active != tt.active {
				t.Errorf("reply = %+v, want ok=%v code=%q active=%v", r, tt.wantOK, tt.wantCode, tt.active)
			}
			if r.OK && r.Active && r.Status == nil {
				t.Error("active reply should carry a status")
			}
		})
	}
}

func TestHandle_StartPassesBaseThreshold(t *testing.T) {
	tr := &fakeTracker{}
	lines := fakeLines{"JY": {ID: "JY", Stations: []transit.Station{{ID: "JY01"}}}}
	r := NewHandler(tr, lines, 0).Handle(context.Background(), Command{Action: ActionStart, LineID: "JY", StationID: "JY01", BaseThresholdM: 300})
	if !r.OK || tr.base != 300 {
		t.Errorf("base threshold not forwarded: reply=%+v base=%v", r, tr.base)
	}
	if r.Status.TargetID != "JY01" {
		t.Errorf("status target = %s", r.Status.TargetID)
	}
}
