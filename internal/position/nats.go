package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"station-alarm/internal/publisher"
	"station-alarm/internal/sampling"
	"station-alarm/internal/transit"
)

type SourceMetrics interface {
	SampleReceivedInc(path string)
	SampleThrottledInc(path string)
	SampleDecodeErrInc(path string)
}

// NATSSource subscribes to samples a device publishes on
// positions.<device> (foreground) and positions.<device>.background (batches).
// Before each subscription the watch parameters are announced on
// devices.<device>.watch so the device can reconfigure its GPS.
type NATSSource struct {
	pub      *publisher.NATSPublisher
	deviceID string
	metrics  SourceMetrics
}

func NewNATSSource(pub *publisher.NATSPublisher, deviceID string, m SourceMetrics) *NATSSource {
	return &NATSSource{pub: pub, deviceID: deviceID, metrics: m}
}

type watchMessage struct {
	sampling.Params
	Background bool      `json:"background"`
	Active     bool      `json:"active"`
	At         time.Time `json:"at"`
}

type natsSubscription struct {
	sub    *nats.Subscription
	onStop func()
	once   sync.Once
}

func (s *natsSubscription) Stop() error { return s.close(true) }

// Release unsubscribes without the inactive announcement.
func (s *natsSubscription) Release() error { return s.close(false) }

func (s *natsSubscription) close(announce bool) error {
	var err error
	s.once.Do(func() {
		if announce && s.onStop != nil {
			s.onStop()
		}
		err = s.sub.Unsubscribe()
		if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrBadSubscription) {
			err = nil
		}
	})
	return err
}

func (n *NATSSource) announce(p sampling.Params, background, active bool) error {
	subject := publisher.Subject("devices", n.deviceID, "watch")
	if background {
		subject = publisher.Subject("devices", n.deviceID, "watch", "background")
	}
	return n.pub.PublishJSON(subject, watchMessage{Params: p, Background: background, Active: active, At: time.Now().UTC()})
}

func (n *NATSSource) Watch(ctx context.Context, p sampling.Params, h Handler) (Subscription, error) {
	nc := n.pub.Conn()
	if nc == nil || !nc.IsConnected() {
		return nil, fmt.Errorf("%w: nats not connected", ErrSourceUnavailable)
	}
	if err := n.announce(p, false, true); err != nil {
		return nil, fmt.Errorf("%w: announce watch: %v", ErrSourceUnavailable, err)
	}
	throttle := NewThrottle(p)
	subject := publisher.Subject("positions", n.deviceID)
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var pm publisher.PositionMessage
		if err := json.Unmarshal(msg.Data, &pm); err != nil {
			n.decodeErr("foreground")
			log.Printf("decode position subject=%s: %v", msg.Subject, err)
			return
		}
		n.received("foreground")
		s := ToSample(pm)
		if !throttle.Accept(s, time.Now()) {
			n.throttled("foreground")
			return
		}
		h(s)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrSourceUnavailable, subject, err)
	}
	log.Printf("watching %s tier=%s interval=%s distance=%.0fm", subject, p.TierName, p.MinInterval, p.MinDistanceM)
	return &natsSubscription{sub: sub}, nil
}

func (n *NATSSource) WatchBatches(ctx context.Context, p sampling.Params, h BatchHandler) (Subscription, error) {
	nc := n.pub.Conn()
	if nc == nil || !nc.IsConnected() {
		return nil, fmt.Errorf("%w: nats not connected", ErrSourceUnavailable)
	}
	if err := n.announce(p, true, true); err != nil {
		return nil, fmt.Errorf("%w: announce background watch: %v", ErrSourceUnavailable, err)
	}
	subject := publisher.Subject("positions", n.deviceID, "background")
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		var bm publisher.BatchMessage
		if err := json.Unmarshal(msg.Data, &bm); err != nil {
			n.decodeErr("background")
			log.Printf("decode background batch subject=%s: %v", msg.Subject, err)
			return
		}
		samples := make([]transit.Sample, 0, len(bm.Locations))
		for _, pm := range bm.Locations {
			n.received("background")
			samples = append(samples, ToSample(pm))
		}
		h(ctx, samples)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrSourceUnavailable, subject, err)
	}
	onStop := func() {
		if err := n.announce(p, true, false); err != nil {
			log.Printf("announce background stop: %v", err)
		}
	}
	return &natsSubscription{sub: sub, onStop: onStop}, nil
}

func (n *NATSSource) received(path string) {
	if n.metrics != nil {
		n.metrics.SampleReceivedInc(path)
	}
}

func (n *NATSSource) throttled(path string) {
	if n.metrics != nil {
		n.metrics.SampleThrottledInc(path)
	}
}

func (n *NATSSource) decodeErr(path string) {
	if n.metrics != nil {
		n.metrics.SampleDecodeErrInc(path)
	}
}
