package notify

import (
	"context"
	"fmt"
	"time"

	"station-alarm/internal/publisher"
)

// Presentation controls how the device shows alerts. It is fixed when the
// alerter is built and travels with every alert.
type Presentation struct {
	ShowAlert bool `json:"showAlert"`
	PlaySound bool `json:"playSound"`
	SetBadge  bool `json:"setBadge"`
}

// DefaultPresentation shows the alert and plays sound without touching the badge.
var DefaultPresentation = Presentation{ShowAlert: true, PlaySound: true, SetBadge: false}

type alertMessage struct {
	Alert
	VibrationMs  []int64      `json:"vibrationMs,omitempty"`
	Presentation Presentation `json:"presentation"`
	SentAt       time.Time    `json:"sentAt"`
}

type ackMessage struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATSAlerter delivers alerts to a device over NATS. With a positive AckTimeout
// the device must acknowledge each alert; otherwise alerts are fire-and-forget.
type NATSAlerter struct {
	pub          *publisher.NATSPublisher
	deviceID     string
	presentation Presentation
	ackTimeout   time.Duration
}

func NewNATSAlerter(pub *publisher.NATSPublisher, deviceID string, p Presentation, ackTimeout time.Duration) *NATSAlerter {
	return &NATSAlerter{pub: pub, deviceID: deviceID, presentation: p, ackTimeout: ackTimeout}
}

func (n *NATSAlerter) Dispatch(ctx context.Context, a Alert) error {
	msg := alertMessage{Alert: a, Presentation: n.presentation, SentAt: time.Now().UTC()}
	if !n.presentation.PlaySound {
		msg.PlaySound = false
	}
	for _, d := range a.Vibration {
		msg.VibrationMs = append(msg.VibrationMs, d.Milliseconds())
	}
	subject := publisher.Subject("devices", n.deviceID, "alerts")
	if n.ackTimeout <= 0 {
		return n.pub.PublishJSON(subject, msg)
	}
	ctx, cancel := context.WithTimeout(ctx, n.ackTimeout)
	defer cancel()
	var ack ackMessage
	if err := n.pub.RequestJSON(ctx, subject, msg, &ack); err != nil {
		return fmt.Errorf("deliver alert: %w", err)
	}
	if !ack.OK {
		return fmt.Errorf("device rejected alert: %s", ack.Error)
	}
	return nil
}

func (n *NATSAlerter) CancelAll(ctx context.Context) error {
	return n.pub.PublishJSON(publisher.Subject("devices", n.deviceID, "alerts", "cancel"), struct {
		At time.Time `json:"at"`
	}{At: time.Now().UTC()})
}
