package sampling

import "time"

type Tier int

const (
	Far Tier = iota
	Mid
	Near
)

func (t Tier) String() string {
	switch t {
	case Far:
		return "far"
	case Mid:
		return "mid"
	case Near:
		return "near"
	default:
		return "unknown"
	}
}

type Accuracy string

const (
	AccuracyBalanced Accuracy = "balanced"
	AccuracyHigh     Accuracy = "high"
	AccuracyHighest  Accuracy = "highest"
)

// Params is the watch configuration a position source is (re)subscribed with.
type Params struct {
	Tier          Tier          `json:"-"`
	TierName      string        `json:"tier"`
	Accuracy      Accuracy      `json:"accuracy"`
	MinInterval   time.Duration `json:"-"`
	MinIntervalMs int64         `json:"minIntervalMs"`
	MinDistanceM  float64       `json:"minDistanceM"`
}

const (
	farAbove = 5000.0
	midAbove = 2000.0
)

// For picks the tier for a distance to target. Unknown distance starts far.
func For(distance *float64) Tier {
	if distance == nil {
		return Far
	}
	switch d := *distance; {
	case d > farAbove:
		return Far
	case d > midAbove:
		return Mid
	default:
		return Near
	}
}

// ParamsFor returns the watch parameters of a tier.
func ParamsFor(t Tier) Params {
	var p Params
	switch t {
	case Far:
		p = Params{Accuracy: AccuracyBalanced, MinInterval: 30 * time.Second, MinDistanceM: 250}
	case Mid:
		p = Params{Accuracy: AccuracyHigh, MinInterval: 10 * time.Second, MinDistanceM: 50}
	default:
		t = Near
		p = Params{Accuracy: AccuracyHighest, MinInterval: 3 * time.Second, MinDistanceM: 10}
	}
	p.Tier = t
	p.TierName = t.String()
	p.MinIntervalMs = p.MinInterval.Milliseconds()
	return p
}
