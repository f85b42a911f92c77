package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"machine-watch/internal/alerting"
	"machine-watch/internal/anomaly"
	"machine-watch/internal/baseline"
	"machine-watch/internal/feature"
	"machine-watch/internal/health"
	"machine-watch/internal/recommend"
	"machine-watch/internal/risk"
	"machine-watch/internal/sensor"
	"machine-watch/internal/storage"
)

const interval = 5 * time.Minute

type fakeReadings struct {
	window   []sensor.Reading
	earliest time.Time
	machines []storage.MachineRef

	calls   int32
	release chan struct{}
}

func (f *fakeReadings) InsertReading(ctx context.Context, r sensor.Reading) error { return nil }

func (f *fakeReadings) GetWindow(ctx context.Context, ref storage.MachineRef, start, end time.Time) ([]sensor.Reading, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.release != nil {
		<-f.release
	}
	return f.window, nil
}

func (f *fakeReadings) GetHistoricalWindow(ctx context.Context, ref storage.MachineRef, days int) ([]sensor.Reading, error) {
	return f.window, nil
}

func (f *fakeReadings) EarliestReading(ctx context.Context, ref storage.MachineRef) (time.Time, error) {
	if f.earliest.IsZero() {
		return time.Time{}, errors.New("no readings")
	}
	return f.earliest, nil
}

func (f *fakeReadings) ListActiveMachines(ctx context.Context, since time.Time) ([]storage.MachineRef, error) {
	return f.machines, nil
}

var _ storage.ReadingStore = (*fakeReadings)(nil)

type fakeDerived struct {
	mu          sync.Mutex
	riskUpserts int
	healthRecs  []health.Record
	events      []anomaly.Event
}

func (f *fakeDerived) UpsertHealthScore(ctx context.Context, rec health.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthRecs = append(f.healthRecs, rec)
	return nil
}

func (f *fakeDerived) ListHealthScores(ctx context.Context, ref storage.MachineRef, from, to time.Time) ([]health.Record, error) {
	return nil, nil
}

func (f *fakeDerived) InsertAnomalyEvent(ctx context.Context, ev anomaly.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeDerived) ListAnomalyEvents(ctx context.Context, ref storage.MachineRef, from, to time.Time) ([]anomaly.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]anomaly.Event(nil), f.events...), nil
}

func (f *fakeDerived) UpsertRiskRecord(ctx context.Context, rec risk.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.riskUpserts++
	return nil
}

var _ storage.DerivedStore = (*fakeDerived)(nil)

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (c *captureNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notes = append(c.notes, n)
	return nil
}

func readings(n int, vib float64, end time.Time) []sensor.Reading {
	out := make([]sensor.Reading, n)
	for i := range out {
		out[i] = sensor.Reading{
			TenantID:    "t1",
			MachineID:   "m1",
			Timestamp:   end.Add(-time.Duration(n-1-i) * interval),
			Vibration:   vib,
			Temperature: 60,
			Load:        50,
		}
	}
	return out
}

func analyticsDeps(store *fakeReadings, derived storage.DerivedStore, notifier alerting.Notifier) Deps {
	return Deps{
		Readings:   store,
		Derived:    derived,
		Baselines:  baseline.NewStore(),
		Extractor:  feature.NewExtractor(feature.Config{MinSamples: 12, SampleInterval: interval}),
		Detector:   anomaly.NewDetector(3, zerolog.Nop()),
		Calculator: health.NewCalculator(health.Config{MinWindow: time.Hour, AnomalyWeight: 4, TrendWeight: 20}),
		Predictor:  risk.NewStatistical(risk.StatisticalOptions{SampleInterval: interval}),
		Alerts:     alerting.NewGenerator(alerting.Config{}, nil, zerolog.Nop()),
		Resolver:   recommend.NewResolver(zerolog.Nop()),
		Notifier:   notifier,
	}
}

func seedBaseline(t *testing.T, deps Deps, vib float64, end time.Time) {
	t.Helper()
	stats, err := baseline.Compute("t1", "m1", readings(100, vib, end.Add(-24*time.Hour)), 50, end)
	if err != nil {
		t.Fatalf("seed baseline: %v", err)
	}
	deps.Baselines.Replace(stats)
}

func TestTriggerDegradedMachineRaisesHighAlert(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeReadings{window: readings(24, 80, end)}
	derived := &fakeDerived{}
	notifier := &captureNotifier{}

	deps := analyticsDeps(store, derived, notifier)
	seedBaseline(t, deps, 20, end)

	pipe := New(Options{FeatureWindow: 24 * time.Hour, SampleInterval: interval, HighChannels: []string{"sms", "email"}, Channels: []string{"email"}}, deps, zerolog.Nop())

	ref := storage.MachineRef{TenantID: "t1", MachineID: "m1"}
	if err := pipe.Trigger(context.Background(), ref, end); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}

	if len(derived.events) != 1 {
		t.Fatalf("anomaly events persisted %d, want 1", len(derived.events))
	}
	if len(derived.healthRecs) != 1 {
		t.Fatalf("health records persisted %d, want 1", len(derived.healthRecs))
	}
	if derived.healthRecs[0].Score >= 60 {
		t.Fatalf("degraded machine scored %d, want below 60", derived.healthRecs[0].Score)
	}
	if derived.riskUpserts != 1 {
		t.Fatalf("risk upserts %d, want 1", derived.riskUpserts)
	}

	if len(notifier.notes) != 1 {
		t.Fatalf("notifications %d, want 1", len(notifier.notes))
	}
	note := notifier.notes[0]
	if note.Alert.Severity != alerting.SeverityHigh {
		t.Fatalf("severity %s, want high", note.Alert.Severity)
	}
	if !strings.Contains(note.MessageEN, "Urgency: immediate") {
		t.Fatalf("high alert message missing urgency line: %q", note.MessageEN)
	}
	if len(note.Channels) != 2 || note.Channels[0] != "sms" {
		t.Fatalf("high severity routing %v, want the high channel set", note.Channels)
	}
}

func TestTriggerHealthyMachineStaysQuiet(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeReadings{window: readings(24, 20, end)}
	notifier := &captureNotifier{}

	deps := analyticsDeps(store, &fakeDerived{}, notifier)
	seedBaseline(t, deps, 20, end)

	pipe := New(Options{FeatureWindow: 24 * time.Hour, SampleInterval: interval}, deps, zerolog.Nop())
	if err := pipe.Trigger(context.Background(), storage.MachineRef{TenantID: "t1", MachineID: "m1"}, end); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if len(notifier.notes) != 0 {
		t.Fatalf("healthy machine produced %d notifications", len(notifier.notes))
	}
}

func TestTriggerCoalescesConcurrentRuns(t *testing.T) {
	store := &fakeReadings{release: make(chan struct{})}
	deps := analyticsDeps(store, nil, nil)
	pipe := New(Options{FeatureWindow: 24 * time.Hour}, deps, zerolog.Nop())

	ref := storage.MachineRef{TenantID: "t1", MachineID: "m1"}
	done := make(chan error, 1)
	go func() {
		done <- pipe.Trigger(context.Background(), ref, time.Now())
	}()

	for atomic.LoadInt32(&store.calls) == 0 {
		time.Sleep(time.Millisecond)
	}

	// Both arrive while the first run is still in flight and coalesce
	// into a single follow-up.
	if err := pipe.Trigger(context.Background(), ref, time.Now()); err != nil {
		t.Fatalf("coalesced trigger errored: %v", err)
	}
	if err := pipe.Trigger(context.Background(), ref, time.Now()); err != nil {
		t.Fatalf("coalesced trigger errored: %v", err)
	}

	store.release <- struct{}{}
	store.release <- struct{}{}

	if err := <-done; err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if got := atomic.LoadInt32(&store.calls); got != 2 {
		t.Fatalf("process ran %d times, want 2 (initial plus one coalesced)", got)
	}
}

func TestTriggerDeactivatedMachine(t *testing.T) {
	deps := analyticsDeps(&fakeReadings{}, nil, nil)
	pipe := New(Options{}, deps, zerolog.Nop())

	ref := storage.MachineRef{TenantID: "t1", MachineID: "m1"}
	pipe.Deactivate(ref)
	if err := pipe.Trigger(context.Background(), ref, time.Now()); !errors.Is(err, ErrMachineDeactivated) {
		t.Fatalf("expected ErrMachineDeactivated, got %v", err)
	}

	pipe.Reactivate(ref)
	if err := pipe.Trigger(context.Background(), ref, time.Now()); err != nil {
		t.Fatalf("reactivated trigger failed: %v", err)
	}
}

func TestRiskGatedOnTrainingHistory(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	derived := &fakeDerived{}
	store := &fakeReadings{window: readings(24, 20, end), earliest: end.AddDate(0, 0, -10)}

	deps := analyticsDeps(store, derived, nil)
	seedBaseline(t, deps, 20, end)

	pipe := New(Options{FeatureWindow: 24 * time.Hour, MinHistoryDays: 30}, deps, zerolog.Nop())
	ref := storage.MachineRef{TenantID: "t1", MachineID: "m1"}
	if err := pipe.Trigger(context.Background(), ref, end); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if derived.riskUpserts != 0 {
		t.Fatalf("risk predicted with only 10 days of history: %d upserts", derived.riskUpserts)
	}

	store.earliest = end.AddDate(0, 0, -40)
	if err := pipe.Trigger(context.Background(), ref, end.Add(interval)); err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if derived.riskUpserts != 1 {
		t.Fatalf("risk upserts %d, want 1 once history suffices", derived.riskUpserts)
	}
}

func TestRunSweepVisitsAllMachines(t *testing.T) {
	store := &fakeReadings{machines: []storage.MachineRef{
		{TenantID: "t1", MachineID: "m1"},
		{TenantID: "t1", MachineID: "m2"},
		{TenantID: "t2", MachineID: "m1"},
	}}
	deps := analyticsDeps(store, nil, nil)
	pipe := New(Options{FeatureWindow: 24 * time.Hour}, deps, zerolog.Nop())

	if err := pipe.RunSweep(context.Background(), time.Now()); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if got := atomic.LoadInt32(&store.calls); got != 3 {
		t.Fatalf("sweep processed %d machines, want 3", got)
	}
}

func TestRunBaselineJobSwapsBaselines(t *testing.T) {
	end := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store := &fakeReadings{
		window:   readings(100, 25, end),
		machines: []storage.MachineRef{{TenantID: "t1", MachineID: "m1"}},
	}
	deps := analyticsDeps(store, nil, nil)
	pipe := New(Options{FeatureWindow: 24 * time.Hour, BaselineHistoryDays: 90, BaselineMinSamples: 50}, deps, zerolog.Nop())

	if err := pipe.RunBaselineJob(context.Background(), end); err != nil {
		t.Fatalf("baseline job failed: %v", err)
	}
	stats := deps.Baselines.Get("t1", "m1")
	if stats == nil {
		t.Fatal("baseline not installed")
	}
	cs, ok := stats.Channel(sensor.ChannelVibration)
	if !ok || cs.Mean != 25 {
		t.Fatalf("baseline vibration mean %f, want 25", cs.Mean)
	}

	// Corrupt history keeps the previous baseline in place.
	for i := range store.window {
		store.window[i].Vibration = 500
	}
	if err := pipe.RunBaselineJob(context.Background(), end.Add(time.Hour)); err != nil {
		t.Fatalf("baseline job failed: %v", err)
	}
	if got := deps.Baselines.Get("t1", "m1"); got != stats {
		t.Fatal("corrupt history replaced the previous baseline")
	}
}
