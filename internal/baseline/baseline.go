package baseline

import (
	"errors"
	"math"
	"time"

	"machine-watch/internal/sensor"
)

var (
	// ErrNotEstablished marks a channel with too little history to serve
	// as a normal-behaviour reference. Anomaly detection for that channel
	// is suspended rather than producing spurious results.
	ErrNotEstablished = errors.New("baseline: not established")

	// ErrCorruptHistory indicates the recompute input was unusable. The
	// previous baseline stays in place.
	ErrCorruptHistory = errors.New("baseline: corrupt or insufficient history")
)

// ChannelStats holds the rolling statistics for one sensor channel.
type ChannelStats struct {
	Mean      float64
	Std       float64
	Samples   int
	UpdatedAt time.Time
}

// Stats is the per-machine baseline, replaced wholesale on each
// recompute. Fields are never mutated after construction.
type Stats struct {
	TenantID   string
	MachineID  string
	Channels   map[sensor.Channel]ChannelStats
	MinSamples int
	UpdatedAt  time.Time
}

// Established reports whether the channel has enough history for
// anomaly detection.
func (s *Stats) Established(ch sensor.Channel) bool {
	if s == nil {
		return false
	}
	cs, ok := s.Channels[ch]
	return ok && cs.Samples >= s.MinSamples
}

// Channel returns the channel stats and whether detection may use them.
func (s *Stats) Channel(ch sensor.Channel) (ChannelStats, bool) {
	if !s.Established(ch) {
		return ChannelStats{}, false
	}
	return s.Channels[ch], true
}

// Compute derives fresh baseline stats from a trailing history window.
// Readings that fail validation are dropped; if fewer than minSamples
// valid readings remain the history is treated as corrupt and the
// caller keeps its previous baseline.
func Compute(tenantID, machineID string, history []sensor.Reading, minSamples int, now time.Time) (*Stats, error) {
	valid := history[:0:0]
	for _, r := range history {
		if r.Validate() == nil {
			valid = append(valid, r)
		}
	}
	if len(valid) < minSamples {
		return nil, ErrCorruptHistory
	}

	channels := make(map[sensor.Channel]ChannelStats, 3)
	for _, ch := range sensor.Channels() {
		var sum float64
		for _, r := range valid {
			sum += r.Value(ch)
		}
		mean := sum / float64(len(valid))

		var variance float64
		for _, r := range valid {
			diff := r.Value(ch) - mean
			variance += diff * diff
		}
		variance /= float64(len(valid))

		channels[ch] = ChannelStats{
			Mean:      mean,
			Std:       math.Sqrt(variance),
			Samples:   len(valid),
			UpdatedAt: now,
		}
	}

	return &Stats{
		TenantID:   tenantID,
		MachineID:  machineID,
		Channels:   channels,
		MinSamples: minSamples,
		UpdatedAt:  now,
	}, nil
}
