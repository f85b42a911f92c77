package sensor

import (
	"fmt"
	"math"
	"time"
)

// Channel identifies one of the monitored sensor channels.
type Channel string

const (
	ChannelVibration   Channel = "vibration"
	ChannelTemperature Channel = "temperature"
	ChannelLoad        Channel = "load"
)

// Valid value ranges per channel. Readings outside these bounds are
// rejected at ingestion and never reach the analytics path.
const (
	VibrationMin   = 0.0
	VibrationMax   = 100.0
	TemperatureMin = -50.0
	TemperatureMax = 200.0
	LoadMin        = 0.0
	LoadMax        = 100.0
)

// Channels returns all channels in a fixed order. Iteration over this
// slice keeps derived computations deterministic.
func Channels() []Channel {
	return []Channel{ChannelVibration, ChannelTemperature, ChannelLoad}
}

// Reading is a single immutable sensor observation for one machine.
type Reading struct {
	TenantID    string
	MachineID   string
	Timestamp   time.Time
	Vibration   float64
	Temperature float64
	Load        float64
}

// Value returns the reading's value on the given channel.
func (r Reading) Value(ch Channel) float64 {
	switch ch {
	case ChannelVibration:
		return r.Vibration
	case ChannelTemperature:
		return r.Temperature
	case ChannelLoad:
		return r.Load
	}
	return 0
}

// Validate checks identifiers and per-channel value ranges.
func (r Reading) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("reading missing tenant id")
	}
	if r.MachineID == "" {
		return fmt.Errorf("reading missing machine id")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("reading missing timestamp")
	}
	if err := checkRange(ChannelVibration, r.Vibration, VibrationMin, VibrationMax); err != nil {
		return err
	}
	if err := checkRange(ChannelTemperature, r.Temperature, TemperatureMin, TemperatureMax); err != nil {
		return err
	}
	return checkRange(ChannelLoad, r.Load, LoadMin, LoadMax)
}

func checkRange(ch Channel, v, min, max float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%s value is not a finite number", ch)
	}
	if v < min || v > max {
		return fmt.Errorf("%s value %.2f outside [%.2f, %.2f]", ch, v, min, max)
	}
	return nil
}
