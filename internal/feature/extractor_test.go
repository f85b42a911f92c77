package feature

import (
	"errors"
	"math"
	"testing"
	"time"

	"machine-watch/internal/sensor"
)

const interval = 5 * time.Minute

func makeWindow(n int, fill func(i int, r *sensor.Reading)) []sensor.Reading {
	start := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	window := make([]sensor.Reading, n)
	for i := range window {
		window[i] = sensor.Reading{
			TenantID:    "t1",
			MachineID:   "m1",
			Timestamp:   start.Add(time.Duration(i) * interval),
			Vibration:   20,
			Temperature: 60,
			Load:        50,
		}
		fill(i, &window[i])
	}
	return window
}

func TestExtractInsufficientData(t *testing.T) {
	e := NewExtractor(Config{MinSamples: 12, SampleInterval: interval})
	_, err := e.Extract(makeWindow(11, func(int, *sensor.Reading) {}))
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestExtractVectorLength(t *testing.T) {
	e := NewExtractor(Config{MinSamples: 4, SampleInterval: interval})
	v, err := e.Extract(makeWindow(16, func(int, *sensor.Reading) {}))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if len(v) != Length {
		t.Fatalf("vector length %d, want %d", len(v), Length)
	}
}

func TestExtractStats(t *testing.T) {
	e := NewExtractor(Config{MinSamples: 4, SampleInterval: interval})
	v, err := e.Extract(makeWindow(10, func(i int, r *sensor.Reading) {
		r.Temperature = 50 + float64(i) // linear rise, slope 1 per sample
	}))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	if got := v.Mean(sensor.ChannelTemperature); math.Abs(got-54.5) > 1e-9 {
		t.Fatalf("temperature mean %f, want 54.5", got)
	}
	if got := v.Slope(sensor.ChannelTemperature); math.Abs(got-1) > 1e-9 {
		t.Fatalf("temperature slope %f, want 1", got)
	}
	if got := v.Std(sensor.ChannelVibration); got != 0 {
		t.Fatalf("constant vibration std %f, want 0", got)
	}
	if got := v.At(sensor.ChannelTemperature, offMin); got != 50 {
		t.Fatalf("temperature min %f, want 50", got)
	}
	if got := v.At(sensor.ChannelTemperature, offMax); got != 59 {
		t.Fatalf("temperature max %f, want 59", got)
	}
}

func TestExtractSortsOutOfOrder(t *testing.T) {
	e := NewExtractor(Config{MinSamples: 4, SampleInterval: interval})
	window := makeWindow(8, func(i int, r *sensor.Reading) {
		r.Load = 40 + float64(i)
	})
	window[0], window[7] = window[7], window[0]
	window[2], window[5] = window[5], window[2]

	v, err := e.Extract(window)
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}
	if got := v.Slope(sensor.ChannelLoad); math.Abs(got-1) > 1e-9 {
		t.Fatalf("slope after shuffle %f, want 1", got)
	}
}

func TestDominantFrequencyOfSine(t *testing.T) {
	const n = 64
	const cycles = 8

	e := NewExtractor(Config{MinSamples: 4, SampleInterval: interval})
	v, err := e.Extract(makeWindow(n, func(i int, r *sensor.Reading) {
		r.Vibration = 50 + 10*math.Sin(2*math.Pi*cycles*float64(i)/n)
	}))
	if err != nil {
		t.Fatalf("extract failed: %v", err)
	}

	wantFreq := cycles / (n * interval.Seconds())
	if got := v[IdxDominantFreq]; math.Abs(got-wantFreq) > 1e-12 {
		t.Fatalf("dominant frequency %g, want %g", got, wantFreq)
	}
	if got := v[IdxDominantAmp]; math.Abs(got-10) > 1e-6 {
		t.Fatalf("dominant amplitude %f, want 10", got)
	}
}
