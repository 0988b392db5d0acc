package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSPublisher struct {
	nc          *nats.Conn
	logSubjects bool
	metrics     PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

// Connect dials NATS with connection-state logging and metrics hooks.
func Connect(url, name string, m PublisherMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return nc, nil
}

func NewNATSPublisher(nc *nats.Conn, logSubjects bool, m PublisherMetrics) *NATSPublisher {
	return &NATSPublisher{nc: nc, logSubjects: logSubjects, metrics: m}
}

func (p *NATSPublisher) Conn() *nats.Conn { return p.nc }

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// PositionMessage is the wire form of one position sample.
type PositionMessage struct {
	DeviceID  string    `json:"deviceId"`
	LineID    string    `json:"lineId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing,omitempty"`
	Progress  float64   `json:"progress,omitempty"`
	SpeedMps  *float64  `json:"speedMps,omitempty"`
}

// BatchMessage carries the samples of one background delivery.
type BatchMessage struct {
	Locations []PositionMessage `json:"locations"`
}

// PublishJSON marshals v and publishes it on subject.
func (p *NATSPublisher) PublishJSON(subject string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats publish subject=%s", subject)
	}
	start := time.Now()
	err = p.nc.Publish(subject, b)
	p.observe(start, err)
	return err
}

// RequestJSON publishes v on subject and decodes the reply into out.
func (p *NATSPublisher) RequestJSON(ctx context.Context, subject string, v, out any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Printf("nats request subject=%s", subject)
	}
	start := time.Now()
	msg, err := p.nc.RequestWithContext(ctx, subject, b)
	p.observe(start, err)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, out); err != nil {
		return fmt.Errorf("decode reply on %s: %w", subject, err)
	}
	return nil
}

func (p *NATSPublisher) observe(start time.Time, err error) {
	if p.metrics == nil {
		return
	}
	p.metrics.PublishObserve(time.Since(start))
	if err != nil {
		p.metrics.NATSPublishErrInc()
	} else {
		p.metrics.NATSPublishedInc()
	}
}

// Subject joins tokens into a NATS subject, sanitizing each token.
func Subject(tokens ...string) string {
	out := make([]string, len(tokens))
	for i, t := range tokens {
		out[i] = SubjectToken(t)
	}
	return strings.Join(out, ".")
}

func SubjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
