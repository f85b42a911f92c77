package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"machine-watch/internal/feature"
	"machine-watch/internal/sensor"
)

// StatisticalOptions parameterise the in-process predictor.
type StatisticalOptions struct {
	SampleInterval time.Duration
	Version        string
}

// Statistical is the default predictor: a regression over the window
// features that projects the vibration trend across each horizon. It
// serves until a trained model endpoint is configured.
type Statistical struct {
	opts StatisticalOptions
}

// NewStatistical constructs the statistical predictor.
func NewStatistical(opts StatisticalOptions) *Statistical {
	if opts.SampleInterval <= 0 {
		opts.SampleInterval = 5 * time.Minute
	}
	if opts.Version == "" {
		opts.Version = "statistical-v1"
	}
	return &Statistical{opts: opts}
}

var horizons = []time.Duration{24 * time.Hour, 7 * 24 * time.Hour, 30 * 24 * time.Hour}

// Predict derives the three horizon percentages deterministically from
// the feature vector.
func (s *Statistical) Predict(ctx context.Context, tenantID, machineID string, ts time.Time, v feature.Vector) (Record, error) {
	if len(v) != feature.Length {
		return Record{}, fmt.Errorf("statistical predictor: malformed feature vector length %d", len(v))
	}

	vibMean := v.Mean(sensor.ChannelVibration)
	vibSlope := v.Slope(sensor.ChannelVibration)
	vibStd := v.Std(sensor.ChannelVibration)
	tempMean := v.Mean(sensor.ChannelTemperature)
	loadMean := v.Mean(sensor.ChannelLoad)

	// Stress contributed by operating level, independent of trend.
	level := 0.5*vibMean/sensor.VibrationMax +
		0.3*math.Abs(tempMean-60)/140 +
		0.2*loadMean/sensor.LoadMax

	pcts := make([]float64, len(horizons))
	for i, h := range horizons {
		samples := float64(h / s.opts.SampleInterval)
		projected := vibMean + vibSlope*samples
		overrun := (projected - 40) / (sensor.VibrationMax - 40)
		pcts[i] = 100 * (0.6*math.Max(overrun, 0) + 0.4*level)
	}

	// Noisier windows earn lower confidence.
	confidence := 0.95 - vibStd/40

	return Record{
		TenantID:     tenantID,
		MachineID:    machineID,
		Timestamp:    ts,
		Risk24h:      clampPct(pcts[0]),
		Risk7d:       clampPct(pcts[1]),
		Risk30d:      clampPct(pcts[2]),
		Confidence:   clampConfidence(confidence),
		ModelVersion: s.opts.Version,
	}, nil
}

var _ Predictor = (*Statistical)(nil)
