package position

import (
	"context"
	"fmt"
	"strings"
	"time"

	"station-alarm/internal/publisher"
)

type Permissions struct {
	Location           bool `json:"location"`
	BackgroundLocation bool `json:"backgroundLocation"`
	Notifications      bool `json:"notifications"`
}

// Missing lists the permissions not granted, in the order a user would be asked.
func (p Permissions) Missing() []string {
	var out []string
	if !p.Location {
		out = append(out, "location")
	}
	if !p.BackgroundLocation {
		out = append(out, "background location")
	}
	if !p.Notifications {
		out = append(out, "notifications")
	}
	return out
}

type PermissionChecker interface {
	Check(ctx context.Context) (Permissions, error)
}

// Require returns ErrPermissionDenied naming every missing permission.
func Require(ctx context.Context, c PermissionChecker) error {
	p, err := c.Check(ctx)
	if err != nil {
		return err
	}
	if missing := p.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: allow %s in the device settings to use the station alarm", ErrPermissionDenied, strings.Join(missing, ", "))
	}
	return nil
}

// StaticPermissions always reports the same grants.
type StaticPermissions Permissions

func (s StaticPermissions) Check(context.Context) (Permissions, error) {
	return Permissions(s), nil
}

// NATSPermissions asks the device over devices.<device>.permissions.
type NATSPermissions struct {
	pub      *publisher.NATSPublisher
	deviceID string
	timeout  time.Duration
}

func NewNATSPermissions(pub *publisher.NATSPublisher, deviceID string, timeout time.Duration) *NATSPermissions {
	return &NATSPermissions{pub: pub, deviceID: deviceID, timeout: timeout}
}

func (n *NATSPermissions) Check(ctx context.Context) (Permissions, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	var p Permissions
	req := struct {
		Request []string `json:"request"`
	}{Request: []string{"location", "backgroundLocation", "notifications"}}
	if err := n.pub.RequestJSON(ctx, publisher.Subject("devices", n.deviceID, "permissions"), req, &p); err != nil {
		return Permissions{}, fmt.Errorf("%w: permission check: %v", ErrSourceUnavailable, err)
	}
	return p, nil
}
