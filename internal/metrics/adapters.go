package metrics

import (
	"time"

	"station-alarm/internal/background"
	"station-alarm/internal/notify"
	"station-alarm/internal/position"
	"station-alarm/internal/publisher"
)

// The adapters below expose a Collector through the narrow metrics interfaces
// each package declares. A nil collector yields a nil interface.

func ForPublisher(c *Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}

func ForSource(c *Collector) position.SourceMetrics {
	if c == nil {
		return nil
	}
	return &sourceMetrics{c: c}
}

type sourceMetrics struct{ c *Collector }

func (s *sourceMetrics) SampleReceivedInc(path string)  { s.c.SamplesReceived.WithLabelValues(path).Inc() }
func (s *sourceMetrics) SampleThrottledInc(path string) { s.c.SamplesThrottled.WithLabelValues(path).Inc() }
func (s *sourceMetrics) SampleDecodeErrInc(path string) { s.c.SampleDecodeErrs.WithLabelValues(path).Inc() }

func ForDispatcher(c *Collector) notify.DispatcherMetrics {
	if c == nil {
		return nil
	}
	return &dispatchMetrics{c: c}
}

type dispatchMetrics struct{ c *Collector }

func (d *dispatchMetrics) AlertDispatchedInc() { d.c.AlertsDispatched.Inc() }
func (d *dispatchMetrics) AlertFailedInc()     { d.c.AlertsFailed.Inc() }
func (d *dispatchMetrics) AlertSuppressedInc() { d.c.AlertsSuppressed.Inc() }

func ForBackground(c *Collector) background.Metrics {
	if c == nil {
		return nil
	}
	return &backgroundMetrics{c: c}
}

type backgroundMetrics struct{ c *Collector }

func (b *backgroundMetrics) BackgroundInvocationInc(outcome string) {
	b.c.BackgroundInvocations.WithLabelValues(outcome).Inc()
}
func (b *backgroundMetrics) BridgeErrorInc(op string) { b.c.BridgeErrors.WithLabelValues(op).Inc() }
