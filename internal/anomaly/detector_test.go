package anomaly

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"machine-watch/internal/baseline"
	"machine-watch/internal/sensor"
)

func established(mean, std float64) *baseline.Stats {
	channels := make(map[sensor.Channel]baseline.ChannelStats)
	for _, ch := range sensor.Channels() {
		channels[ch] = baseline.ChannelStats{Mean: mean, Std: std, Samples: 500}
	}
	// Keep temperature and load centred so single-channel tests only
	// trip vibration.
	channels[sensor.ChannelTemperature] = baseline.ChannelStats{Mean: 60, Std: 5, Samples: 500}
	channels[sensor.ChannelLoad] = baseline.ChannelStats{Mean: 50, Std: 5, Samples: 500}

	return &baseline.Stats{
		TenantID:   "t1",
		MachineID:  "m1",
		Channels:   channels,
		MinSamples: 100,
	}
}

func reading(vib, temp, load float64) sensor.Reading {
	return sensor.Reading{
		TenantID:    "t1",
		MachineID:   "m1",
		Timestamp:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Vibration:   vib,
		Temperature: temp,
		Load:        load,
	}
}

func TestDetectWithinThreshold(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())
	// z = 2.5, inside 3 standard deviations
	if ev := d.Detect(established(20, 2), reading(25, 60, 50)); ev != nil {
		t.Fatalf("reading within threshold flagged: %+v", ev)
	}
}

func TestDetectSingleChannel(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())
	ev := d.Detect(established(20, 2), reading(27, 60, 50))
	if ev == nil {
		t.Fatal("deviation of 3.5 sigma not flagged")
	}
	if ev.Kind != KindVibration {
		t.Fatalf("kind %s, want vibration", ev.Kind)
	}
	if math.Abs(ev.Deviation-3.5) > 1e-9 {
		t.Fatalf("deviation %f, want 3.5", ev.Deviation)
	}
	if len(ev.Channels) != 1 || ev.Channels[0] != sensor.ChannelVibration {
		t.Fatalf("channels %v, want [vibration]", ev.Channels)
	}
	if ev.ID == "" || ev.TenantID != "t1" || ev.MachineID != "m1" {
		t.Fatalf("event identity incomplete: %+v", ev)
	}
}

func TestDetectNegativeDeviation(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())
	ev := d.Detect(established(20, 2), reading(12, 60, 50))
	if ev == nil {
		t.Fatal("drop of 4 sigma not flagged")
	}
	if math.Abs(ev.Deviation+4) > 1e-9 {
		t.Fatalf("deviation %f, want -4", ev.Deviation)
	}
}

func TestDetectCombined(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())
	// vibration z = 5, temperature z = 4: one combined event carrying
	// the larger magnitude.
	ev := d.Detect(established(20, 2), reading(30, 80, 50))
	if ev == nil {
		t.Fatal("multi-channel deviation not flagged")
	}
	if ev.Kind != KindCombined {
		t.Fatalf("kind %s, want combined", ev.Kind)
	}
	if len(ev.Channels) != 2 {
		t.Fatalf("channels %v, want two entries", ev.Channels)
	}
	if math.Abs(ev.Deviation-5) > 1e-9 {
		t.Fatalf("deviation %f, want 5 (largest magnitude)", ev.Deviation)
	}
}

func TestDetectUnestablishedBaseline(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())

	stats := established(20, 2)
	for ch, cs := range stats.Channels {
		cs.Samples = 10 // below MinSamples
		stats.Channels[ch] = cs
	}
	if ev := d.Detect(stats, reading(90, 150, 99)); ev != nil {
		t.Fatalf("unestablished baseline produced event: %+v", ev)
	}

	if ev := d.Detect(nil, reading(90, 150, 99)); ev != nil {
		t.Fatalf("missing baseline produced event: %+v", ev)
	}
}

func TestDetectZeroStd(t *testing.T) {
	d := NewDetector(3, zerolog.Nop())
	stats := established(20, 0)

	ev := d.Detect(stats, reading(20.5, 60, 50))
	if ev == nil {
		t.Fatal("drift from zero-variance baseline not flagged")
	}
	// Pinned just past twice the threshold.
	if math.Abs(ev.Deviation-6) > 1e-9 {
		t.Fatalf("deviation %f, want 6", ev.Deviation)
	}

	if ev := d.Detect(stats, reading(20, 60, 50)); ev != nil {
		t.Fatalf("exact-mean reading on zero-variance baseline flagged: %+v", ev)
	}
}
