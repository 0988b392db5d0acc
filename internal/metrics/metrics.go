package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Collector struct {
	reg *prometheus.Registry

	SessionActive   prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsStopped prometheus.Counter
	StartFailures   *prometheus.CounterVec // reason label: permission|source|invalid

	SamplesReceived  *prometheus.CounterVec // path label: foreground|background
	SamplesThrottled *prometheus.CounterVec
	SampleDecodeErrs *prometheus.CounterVec
	SamplesProcessed *prometheus.CounterVec // outcome label: applied|dropped|inert

	AlertsDispatched  prometheus.Counter
	AlertsFailed      prometheus.Counter
	AlertsSuppressed  prometheus.Counter
	StationSwitches   prometheus.Counter
	TierChanges       *prometheus.CounterVec // tier label: the tier switched to
	ResubscribeErrors prometheus.Counter

	BridgeErrors          *prometheus.CounterVec // op label
	BackgroundInvocations *prometheus.CounterVec // outcome label

	NATSPublished   prometheus.Counter
	NATSPublishErrs prometheus.Counter
	NATSConnected   prometheus.Gauge

	UpdateDuration  prometheus.Histogram
	PublishDuration prometheus.Histogram
	TickDuration    prometheus.Histogram

	BaseThreshold prometheus.Gauge // meters
	Cooldown      prometheus.Gauge // seconds
}

func NewCollector(baseThreshold float64, cooldown time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		SessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "station_alarm_session_active",
			Help: "1 while a tracking session is active.",
		}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_sessions_started_total",
			Help: "Total tracking sessions started.",
		}),
		SessionsStopped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_sessions_stopped_total",
			Help: "Total tracking sessions stopped.",
		}),
		StartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_start_failures_total",
			Help: "Tracking starts that failed, by reason.",
		}, []string{"reason"}),
		SamplesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_samples_received_total",
			Help: "Position samples received from the device.",
		}, []string{"path"}),
		SamplesThrottled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_samples_throttled_total",
			Help: "Position samples discarded by the tier throttle.",
		}, []string{"path"}),
		SampleDecodeErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_sample_decode_errors_total",
			Help: "Position messages that could not be decoded.",
		}, []string{"path"}),
		SamplesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_samples_processed_total",
			Help: "Samples handed to the arrival state machine, by outcome.",
		}, []string{"outcome"}),
		AlertsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_alerts_dispatched_total",
			Help: "Arrival alerts delivered to the device.",
		}),
		AlertsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_alerts_failed_total",
			Help: "Arrival alerts the alert channel rejected.",
		}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_alerts_suppressed_total",
			Help: "Arrival alerts dropped by the dispatch cooldown.",
		}),
		StationSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_station_switches_total",
			Help: "Confirmed changes of the current station.",
		}),
		TierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_tier_changes_total",
			Help: "Sampling tier switches, by new tier.",
		}, []string{"tier"}),
		ResubscribeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_resubscribe_errors_total",
			Help: "Failed position source resubscriptions.",
		}),
		BridgeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_bridge_errors_total",
			Help: "Persistence bridge failures, by operation.",
		}, []string{"op"}),
		BackgroundInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_alarm_background_invocations_total",
			Help: "Background location deliveries, by outcome.",
		}, []string{"outcome"}),
		NATSPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_nats_published_total",
			Help: "Total NATS messages published.",
		}),
		NATSPublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "station_alarm_nats_publish_errors_total",
			Help: "Total NATS publish errors.",
		}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "station_alarm_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		UpdateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "station_alarm_update_duration_seconds",
			Help:    "Duration of one arrival state machine update.",
			Buckets: prometheus.ExponentialBuckets(0.00001, 2, 15),
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "station_alarm_publish_duration_seconds",
			Help:    "Duration to marshal and publish a NATS message.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "station_alarm_replay_tick_duration_seconds",
			Help:    "Duration of replay tick computations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		}),
		BaseThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "station_alarm_base_threshold_meters",
			Help: "Configured base arrival threshold.",
		}),
		Cooldown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "station_alarm_dispatch_cooldown_seconds",
			Help: "Alert dispatch cooldown window.",
		}),
	}

	reg.MustRegister(
		c.SessionActive, c.SessionsStarted, c.SessionsStopped, c.StartFailures,
		c.SamplesReceived, c.SamplesThrottled, c.SampleDecodeErrs, c.SamplesProcessed,
		c.AlertsDispatched, c.AlertsFailed, c.AlertsSuppressed,
		c.StationSwitches, c.TierChanges, c.ResubscribeErrors,
		c.BridgeErrors, c.BackgroundInvocations,
		c.NATSPublished, c.NATSPublishErrs, c.NATSConnected,
		c.UpdateDuration, c.PublishDuration, c.TickDuration,
		c.BaseThreshold, c.Cooldown,
	)

	c.BaseThreshold.Set(baseThreshold)
	c.Cooldown.Set(cooldown.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
