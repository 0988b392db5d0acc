package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	KeyTargetStation = "target_station"
	KeyLineMeta      = "line_meta"
	KeyArrivalFired  = "arrival_fired"
)

// TargetRecord is everything the background path needs to judge a sample.
type TargetRecord struct {
	SessionID        string  `json:"sessionId"`
	LineID           string  `json:"lineId"`
	StationID        string  `json:"id"`
	Name             string  `json:"name"`
	Lat              float64 `json:"latitude"`
	Lon              float64 `json:"longitude"`
	BaseThresholdM   float64 `json:"baseThresholdM"`
	RearmOnDeparture bool    `json:"rearmOnDeparture,omitempty"`
}

type LineMeta struct {
	LineID             string   `json:"lineId"`
	AvgStationSpacingM *float64 `json:"avgStationSpacingM,omitempty"`
}

// FiredRecord marks that the alarm for a station was delivered in a session.
type FiredRecord struct {
	SessionID string    `json:"sessionId"`
	StationID string    `json:"stationId"`
	At        time.Time `json:"at"`
}

// Bridge reads and writes session records as JSON in a Store.
type Bridge struct {
	store Store
}

func New(store Store) *Bridge {
	return &Bridge{store: store}
}

func (b *Bridge) Close() error { return b.store.Close() }

// SaveSession writes the target and line records for a newly started session.
// Any stale arrival marker from an earlier session is removed.
func (b *Bridge) SaveSession(ctx context.Context, target TargetRecord, meta LineMeta) error {
	if err := b.setJSON(ctx, KeyTargetStation, target); err != nil {
		return err
	}
	if err := b.setJSON(ctx, KeyLineMeta, meta); err != nil {
		return err
	}
	return b.ClearFired(ctx)
}

// Target returns the persisted target, or nil if no session is active.
func (b *Bridge) Target(ctx context.Context) (*TargetRecord, error) {
	var t TargetRecord
	ok, err := b.getJSON(ctx, KeyTargetStation, &t)
	if err != nil || !ok {
		return nil, err
	}
	return &t, nil
}

func (b *Bridge) LineMeta(ctx context.Context) (*LineMeta, error) {
	var m LineMeta
	ok, err := b.getJSON(ctx, KeyLineMeta, &m)
	if err != nil || !ok {
		return nil, err
	}
	return &m, nil
}

func (b *Bridge) MarkFired(ctx context.Context, rec FiredRecord) error {
	return b.setJSON(ctx, KeyArrivalFired, rec)
}

// Fired reports whether the alarm for stationID already went out in sessionID.
func (b *Bridge) Fired(ctx context.Context, sessionID, stationID string) (bool, error) {
	var rec FiredRecord
	ok, err := b.getJSON(ctx, KeyArrivalFired, &rec)
	if err != nil || !ok {
		return false, err
	}
	return rec.SessionID == sessionID && rec.StationID == stationID, nil
}

func (b *Bridge) ClearFired(ctx context.Context) error {
	if err := b.store.Delete(ctx, KeyArrivalFired); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrPersistence, KeyArrivalFired, err)
	}
	return nil
}

// Clear removes every session key. All deletes are attempted.
func (b *Bridge) Clear(ctx context.Context) error {
	var errs []error
	for _, k := range []string{KeyTargetStation, KeyLineMeta, KeyArrivalFired} {
		if err := b.store.Delete(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("%w: delete %s: %v", ErrPersistence, k, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bridge) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: json marshal %s: %v", ErrPersistence, key, err)
	}
	if err := b.store.Set(ctx, key, data); err != nil {
		return fmt.Errorf("%w: set %s: %v", ErrPersistence, key, err)
	}
	return nil
}

func (b *Bridge) getJSON(ctx context.Context, key string, dest any) (bool, error) {
	data, ok, err := b.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("%w: get %s: %v", ErrPersistence, key, err)
	}
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("%w: json unmarshal %s: %v", ErrPersistence, key, err)
	}
	return true, nil
}
