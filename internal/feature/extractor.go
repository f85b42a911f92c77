package feature

import (
	"errors"
	"math"
	"sort"
	"time"

	"machine-watch/internal/sensor"
)

// ErrInsufficientData is returned when a window holds fewer samples
// than the configured minimum. Callers must not substitute a
// degenerate vector.
var ErrInsufficientData = errors.New("feature: insufficient data in window")

// Length is the fixed feature vector length: five statistical features
// per channel plus dominant frequency and amplitude for vibration.
const Length = 5*3 + 2

// Statistical feature offsets within a channel block.
const (
	offMean = iota
	offStd
	offMin
	offMax
	offSlope
	statsPerChannel
)

// Frequency feature positions.
const (
	IdxDominantFreq = statsPerChannel * 3
	IdxDominantAmp  = IdxDominantFreq + 1
)

// Vector is a fixed-length ordered feature sequence derived from one
// window of readings.
type Vector []float64

// At returns the statistical feature for a channel; channels are laid
// out in sensor.Channels() order.
func (v Vector) At(ch sensor.Channel, off int) float64 {
	for i, c := range sensor.Channels() {
		if c == ch {
			return v[i*statsPerChannel+off]
		}
	}
	return 0
}

// Mean returns the window mean for a channel.
func (v Vector) Mean(ch sensor.Channel) float64 { return v.At(ch, offMean) }

// Std returns the window standard deviation for a channel.
func (v Vector) Std(ch sensor.Channel) float64 { return v.At(ch, offStd) }

// Slope returns the linear trend slope for a channel, in channel units
// per sample.
func (v Vector) Slope(ch sensor.Channel) float64 { return v.At(ch, offSlope) }

// Config parameterises extraction.
type Config struct {
	MinSamples     int
	SampleInterval time.Duration
}

// Extractor converts a time-ordered window of readings into a feature
// vector. Pure: no side effects, no retained state.
type Extractor struct {
	cfg Config
}

// NewExtractor constructs an extractor.
func NewExtractor(cfg Config) *Extractor {
	if cfg.MinSamples < 4 {
		cfg.MinSamples = 4
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 5 * time.Minute
	}
	return &Extractor{cfg: cfg}
}

// Extract computes the feature vector for one machine's window. The
// window is sorted by timestamp before computation so out-of-order
// arrivals do not skew the trend slope.
func (e *Extractor) Extract(window []sensor.Reading) (Vector, error) {
	if len(window) < e.cfg.MinSamples {
		return nil, ErrInsufficientData
	}

	ordered := make([]sensor.Reading, len(window))
	copy(ordered, window)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	v := make(Vector, Length)
	for i, ch := range sensor.Channels() {
		values := make([]float64, len(ordered))
		for j, r := range ordered {
			values[j] = r.Value(ch)
		}
		base := i * statsPerChannel
		v[base+offMean], v[base+offStd] = meanStd(values)
		v[base+offMin], v[base+offMax] = minMax(values)
		v[base+offSlope] = slope(values)
	}

	vibration := make([]float64, len(ordered))
	for j, r := range ordered {
		vibration[j] = r.Vibration
	}
	v[IdxDominantFreq], v[IdxDominantAmp] = dominantFrequency(vibration, e.cfg.SampleInterval)

	return v, nil
}

func meanStd(values []float64) (float64, float64) {
	var sum float64
	for _, x := range values {
		sum += x
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, x := range values {
		diff := x - mean
		variance += diff * diff
	}
	variance /= float64(len(values))
	return mean, math.Sqrt(variance)
}

func minMax(values []float64) (float64, float64) {
	min, max := values[0], values[0]
	for _, x := range values[1:] {
		if x < min {
			min = x
		}
		if x > max {
			max = x
		}
	}
	return min, max
}

// slope fits a least-squares line over sample index and returns its
// gradient in channel units per sample.
func slope(values []float64) float64 {
	n := float64(len(values))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range values {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// dominantFrequency runs a direct DFT over the vibration series and
// returns the strongest non-DC bin as a frequency in Hz together with
// its normalised amplitude.
func dominantFrequency(values []float64, interval time.Duration) (float64, float64) {
	n := len(values)
	if n < 2 {
		return 0, 0
	}

	bestBin := 0
	bestAmp := 0.0
	for k := 1; k <= n/2; k++ {
		var re, im float64
		for t, x := range values {
			angle := 2 * math.Pi * float64(k) * float64(t) / float64(n)
			re += x * math.Cos(angle)
			im -= x * math.Sin(angle)
		}
		amp := 2 * math.Hypot(re, im) / float64(n)
		if amp > bestAmp {
			bestAmp = amp
			bestBin = k
		}
	}
	if bestBin == 0 {
		return 0, 0
	}

	sampleRate := 1 / interval.Seconds()
	freq := float64(bestBin) * sampleRate / float64(n)
	return freq, bestAmp
}
