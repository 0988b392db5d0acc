package background

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"station-alarm/internal/bridge"
	"station-alarm/internal/geo"
	"station-alarm/internal/notify"
	"station-alarm/internal/position"
	"station-alarm/internal/sampling"
	"station-alarm/internal/transit"
)

type fakeDispatcher struct {
	alerts []notify.Alert
	err    error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, a notify.Alert) error {
	if f.err != nil {
		return f.err
	}
	f.alerts = append(f.alerts, a)
	return nil
}

var shinjuku = transit.Coordinate{Lat: 35.690921, Lon: 139.700258}

func setup(t *testing.T, rearm bool) (*Handler, *bridge.Bridge, *fakeDispatcher) {
	t.Helper()
	b := bridge.New(bridge.NewMemoryStore())
	spacing := 1000.0
	err := b.SaveSession(context.Background(), bridge.TargetRecord{
		SessionID:        "s1",
		LineID:           "JY",
		StationID:        "JY17",
		Name:             "Shinjuku",
		Lat:              shinjuku.Lat,
		Lon:              shinjuku.Lon,
		BaseThresholdM:   500,
		RearmOnDeparture: rearm,
	}, bridge.LineMeta{LineID: "JY", AvgStationSpacingM: &spacing})
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDispatcher{}
	return NewHandler(b, d, nil, nil), b, d
}

func south(meters float64) transit.Sample {
	return transit.Sample{Coordinate: geo.Offset(shinjuku, -meters, 0), Timestamp: time.Now()}
}

func TestEvaluate_InertWithoutSession(t *testing.T) {
	h := NewHandler(bridge.New(bridge.NewMemoryStore()), &fakeDispatcher{}, nil, nil)
	out, err := h.Evaluate(context.Background(), []transit.Sample{south(10)})
	if err != nil || !out.Inert {
		t.Fatalf("expected inert, got %+v %v", out, err)
	}
}

func TestEvaluate_FiresOncePerApproach(t *testing.T) {
	h, b, d := setup(t, false)
	ctx := context.Background()

	out, err := h.Evaluate(ctx, []transit.Sample{south(3000), south(1500)})
	if err != nil || out.Dispatched {
		t.Fatalf("far samples should not fire: %+v %v", out, err)
	}
	if out.Distance == nil || math.Abs(*out.Distance-1500) > 1 {
		t.Errorf("distance should reflect the last sample, got %v", out.Distance)
	}

	out, err = h.Evaluate(ctx, []transit.Sample{south(900), south(450)})
	if err != nil || out.Dispatched || !out.Arrived {
		t.Fatalf("450m is inside the 500m threshold but short of the platform: %+v %v", out, err)
	}

	out, err = h.Evaluate(ctx, []transit.Sample{south(200), south(120)})
	if err != nil || !out.Dispatched {
		t.Fatalf("120m should fire: %+v %v", out, err)
	}
	if len(d.alerts) != 1 || d.alerts[0].StationID != "JY17" || d.alerts[0].SessionID != "s1" {
		t.Fatalf("unexpected alerts %+v", d.alerts)
	}
	if fired, _ := b.Fired(ctx, "s1", "JY17"); !fired {
		t.Error("dispatch should persist the fired marker")
	}

	out, _ = h.Evaluate(ctx, []transit.Sample{south(100)})
	if out.Dispatched || !out.AlreadyFired {
		t.Errorf("second delivery should see the marker: %+v", out)
	}
	if len(d.alerts) != 1 {
		t.Errorf("alerts = %d, want 1", len(d.alerts))
	}
}

func TestEvaluate_RespectsForegroundMarker(t *testing.T) {
	h, b, d := setup(t, false)
	ctx := context.Background()
	_ = b.MarkFired(ctx, bridge.FiredRecord{SessionID: "s1", StationID: "JY17"})

	out, _ := h.Evaluate(ctx, []transit.Sample{south(50)})
	if !out.AlreadyFired || len(d.alerts) != 0 {
		t.Errorf("foreground marker should prevent a second alarm: %+v", out)
	}
}

func TestEvaluate_CooldownSuppression(t *testing.T) {
	h, b, d := setup(t, false)
	d.err = notify.ErrCooldown
	out, err := h.Evaluate(context.Background(), []transit.Sample{south(50)})
	if err != nil || !out.Suppressed {
		t.Fatalf("expected suppressed, got %+v %v", out, err)
	}
	if fired, _ := b.Fired(context.Background(), "s1", "JY17"); fired {
		t.Error("suppressed dispatch must not set the marker")
	}
}

func TestEvaluate_DispatchFailureRetries(t *testing.T) {
	h, b, d := setup(t, false)
	ctx := context.Background()
	d.err = errors.Join(notify.ErrDispatch, errors.New("channel down"))

	if _, err := h.Evaluate(ctx, []transit.Sample{south(50)}); !errors.Is(err, notify.ErrDispatch) {
		t.Fatalf("expected ErrDispatch, got %v", err)
	}
	if fired, _ := b.Fired(ctx, "s1", "JY17"); fired {
		t.Fatal("failed dispatch must leave the marker unset")
	}

	d.err = nil
	out, err := h.Evaluate(ctx, []transit.Sample{south(40)})
	if err != nil || !out.Dispatched {
		t.Errorf("next delivery should retry: %+v %v", out, err)
	}
}

func TestEvaluate_RearmOnDeparture(t *testing.T) {
	h, b, d := setup(t, true)
	ctx := context.Background()

	if out, _ := h.Evaluate(ctx, []transit.Sample{south(60)}); !out.Dispatched {
		t.Fatal("expected dispatch")
	}
	out, _ := h.Evaluate(ctx, []transit.Sample{south(2000)})
	if !out.Rearmed {
		t.Fatalf("departure should rearm: %+v", out)
	}
	if fired, _ := b.Fired(ctx, "s1", "JY17"); fired {
		t.Error("rearm should clear the marker")
	}
	if out, _ := h.Evaluate(ctx, []transit.Sample{south(60)}); !out.Dispatched || len(d.alerts) != 2 {
		t.Errorf("return after rearm should fire again: %+v alerts=%d", out, len(d.alerts))
	}
}

func TestEvaluate_NoRearmByDefault(t *testing.T) {
	h, b, _ := setup(t, false)
	ctx := context.Background()
	h.Evaluate(ctx, []transit.Sample{south(60)})
	out, _ := h.Evaluate(ctx, []transit.Sample{south(2000)})
	if out.Rearmed {
		t.Error("rearm disabled, marker should stay")
	}
	if fired, _ := b.Fired(ctx, "s1", "JY17"); !fired {
		t.Error("marker should remain set")
	}
}

func TestEvaluate_SkipsInvalidSamples(t *testing.T) {
	h, _, d := setup(t, false)
	out, err := h.Evaluate(context.Background(), []transit.Sample{{Coordinate: transit.Coordinate{Lat: math.NaN()}}, {}})
	if err != nil || out.Distance != nil || len(d.alerts) != 0 {
		t.Errorf("invalid samples should be ignored: %+v %v", out, err)
	}
}

func TestEvaluate_FastTrainDenseLine(t *testing.T) {
	b := bridge.New(bridge.NewMemoryStore())
	ctx := context.Background()
	spacing := 700.0
	err := b.SaveSession(ctx, bridge.TargetRecord{
		SessionID: "s1", LineID: "JY", StationID: "JY17", Name: "Shinjuku",
		Lat: shinjuku.Lat, Lon: shinjuku.Lon, BaseThresholdM: 300,
	}, bridge.LineMeta{LineID: "JY", AvgStationSpacingM: &spacing})
	if err != nil {
		t.Fatal(err)
	}
	d := &fakeDispatcher{}
	h := NewHandler(b, d, nil, nil)
	fast := func(m float64) transit.Sample {
		s := south(m)
		s.SpeedMps = transit.Speed(25)
		return s
	}

	out, err := h.Evaluate(ctx, []transit.Sample{fast(390)})
	if err != nil {
		t.Fatal(err)
	}
	if out.Threshold != 400 || !out.Arrived || out.Dispatched || len(d.alerts) != 0 {
		t.Fatalf("390m at 90 km/h: want arrived without dispatch at threshold 400, got %+v alerts=%d", out, len(d.alerts))
	}
	out, _ = h.Evaluate(ctx, []transit.Sample{fast(100)})
	if !out.Dispatched || len(d.alerts) != 1 {
		t.Errorf("100m should fire exactly once: %+v alerts=%d", out, len(d.alerts))
	}
}

func TestEvaluate_RetryAfterFailedCooldown(t *testing.T) {
	h, b, d := setup(t, false)
	ctx := context.Background()
	d.err = notify.ErrRetryAfterCooldown

	out, err := h.Evaluate(ctx, []transit.Sample{south(100), south(90)})
	if err != nil || !out.Suppressed || out.Dispatched {
		t.Fatalf("expected a suppressed, unsettled delivery: %+v %v", out, err)
	}
	if fired, _ := b.Fired(ctx, "s1", "JY17"); fired {
		t.Fatal("marker must stay unset")
	}

	d.err = nil
	if out, _ := h.Evaluate(ctx, []transit.Sample{south(80)}); !out.Dispatched {
		t.Errorf("delivery after the window should fire: %+v", out)
	}
}

type fakeTasks struct {
	running *sampling.Params
	fail    error
	starts  []sampling.Tier
}

func (f *fakeTasks) Params(string) (sampling.Params, bool) {
	if f.running == nil {
		return sampling.Params{}, false
	}
	return *f.running, true
}

func (f *fakeTasks) Start(_ context.Context, _ string, p sampling.Params, _ position.BatchHandler) error {
	if f.fail != nil {
		return f.fail
	}
	f.running = &p
	f.starts = append(f.starts, p.Tier)
	return nil
}

func TestEvaluate_RetunesBackgroundTask(t *testing.T) {
	tests := []struct {
		name        string
		running     bool
		fail        error
		distance    float64
		wantTier    sampling.Tier
		wantStarts  []sampling.Tier
		wantChanged bool
	}{
		{"far stays far", true, nil, 8000, sampling.Far, nil, false},
		{"mid distance", true, nil, 3000, sampling.Mid, []sampling.Tier{sampling.Mid}, true},
		{"near distance", true, nil, 1000, sampling.Near, []sampling.Tier{sampling.Near}, true},
		{"task not running", false, nil, 1000, sampling.Near, nil, false},
		{"restart fails", true, position.ErrSourceUnavailable, 1000, sampling.Near, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, b, d := setup(t, false)
			tasks := &fakeTasks{fail: tt.fail}
			if tt.running {
				far := sampling.ParamsFor(sampling.Far)
				tasks.running = &far
			}
			h := NewHandler(b, d, tasks, nil)

			out, err := h.Evaluate(context.Background(), []transit.Sample{south(tt.distance)})
			if err != nil {
				t.Fatal(err)
			}
			if out.Tier != tt.wantTier || out.TierChanged != tt.wantChanged {
				t.Errorf("tier=%s changed=%v, want %s %v", out.Tier, out.TierChanged, tt.wantTier, tt.wantChanged)
			}
			if len(tasks.starts) != len(tt.wantStarts) {
				t.Fatalf("restarts = %v, want %v", tasks.starts, tt.wantStarts)
			}
			for i := range tt.wantStarts {
				if tasks.starts[i] != tt.wantStarts[i] {
					t.Errorf("restart %d tier = %s, want %s", i, tasks.starts[i], tt.wantStarts[i])
				}
			}
		})
	}
}
