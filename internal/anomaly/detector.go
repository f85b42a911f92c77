package anomaly

import (
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"machine-watch/internal/baseline"
	"machine-watch/internal/sensor"
)

// Kind classifies what tripped the detector.
type Kind string

const (
	KindVibration   Kind = "vibration"
	KindTemperature Kind = "temperature"
	KindLoad        Kind = "load"
	KindCombined    Kind = "combined"
)

// Event records one detected anomaly. Immutable once created.
type Event struct {
	ID        string
	TenantID  string
	MachineID string
	Timestamp time.Time
	Kind      Kind
	// Deviation is the signed number of standard deviations from the
	// baseline mean; for combined events, the one with the largest
	// magnitude across the affected channels.
	Deviation float64
	Channels  []sensor.Channel
}

// Detector compares readings against a machine's established baseline.
type Detector struct {
	sigma  float64
	logger zerolog.Logger
}

// NewDetector constructs a detector flagging deviations beyond sigma
// standard deviations.
func NewDetector(sigma float64, logger zerolog.Logger) *Detector {
	if sigma <= 0 {
		sigma = 3
	}
	return &Detector{
		sigma:  sigma,
		logger: logger.With().Str("component", "anomaly_detector").Logger(),
	}
}

// Detect evaluates a single reading. Channels without an established
// baseline are skipped silently; with no baseline at all the reading is
// never flagged. Returns nil when nothing exceeds the threshold.
func (d *Detector) Detect(stats *baseline.Stats, r sensor.Reading) *Event {
	var (
		flagged  []sensor.Channel
		worst    float64
		worstAbs float64
	)

	for _, ch := range sensor.Channels() {
		cs, ok := stats.Channel(ch)
		if !ok {
			continue
		}

		z := deviation(r.Value(ch), cs, d.sigma)
		if math.Abs(z) <= d.sigma {
			continue
		}

		flagged = append(flagged, ch)
		if math.Abs(z) > worstAbs {
			worst = z
			worstAbs = math.Abs(z)
		}
	}

	if len(flagged) == 0 {
		return nil
	}

	kind := channelKind(flagged[0])
	if len(flagged) > 1 {
		// A single combined event avoids double-counting toward severity.
		kind = KindCombined
	}

	event := &Event{
		ID:        uuid.NewString(),
		TenantID:  r.TenantID,
		MachineID: r.MachineID,
		Timestamp: r.Timestamp,
		Kind:      kind,
		Deviation: worst,
		Channels:  flagged,
	}

	d.logger.Info().
		Str("tenant", r.TenantID).
		Str("machine", r.MachineID).
		Str("kind", string(kind)).
		Float64("deviation", worst).
		Msg("anomaly detected")

	return event
}

// deviation computes the signed z-score. A zero standard deviation
// means any drift from the mean is significant, so the score is pinned
// just past twice the detection threshold.
func deviation(value float64, cs baseline.ChannelStats, sigma float64) float64 {
	diff := value - cs.Mean
	if cs.Std == 0 {
		if diff == 0 {
			return 0
		}
		return math.Copysign(2*sigma, diff)
	}
	return diff / cs.Std
}

func channelKind(ch sensor.Channel) Kind {
	switch ch {
	case sensor.ChannelVibration:
		return KindVibration
	case sensor.ChannelTemperature:
		return KindTemperature
	case sensor.ChannelLoad:
		return KindLoad
	}
	return KindCombined
}
