package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCollectors(t *testing.T) {
	c := NewCollector(500, 8*time.Second)
	c.AlertsDispatched.Inc()
	c.TierChanges.WithLabelValues("near").Inc()
	c.SamplesProcessed.WithLabelValues("applied").Add(3)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		"station_alarm_alerts_dispatched_total 1",
		`station_alarm_tier_changes_total{tier="near"} 1`,
		`station_alarm_samples_processed_total{outcome="applied"} 3`,
		"station_alarm_base_threshold_meters 500",
		"station_alarm_dispatch_cooldown_seconds 8",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
