package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"machine-watch/internal/alerting"
	"machine-watch/internal/anomaly"
	"machine-watch/internal/baseline"
	"machine-watch/internal/feature"
	"machine-watch/internal/health"
	"machine-watch/internal/recommend"
	"machine-watch/internal/risk"
	"machine-watch/internal/sensor"
	"machine-watch/internal/service"
	"machine-watch/internal/storage"
)

// Simulate drives a synthetic machine through the full analytics
// pipeline without touching the database, printing any alert and
// recommendation it produces.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.TenantID == "" || opts.MachineID == "" {
		return errors.New("--tenant and --machine are required")
	}
	if opts.Hours <= 0 {
		opts.Hours = 48
	}

	interval := a.Config.Pipeline.SampleInterval
	end := time.Now().UTC().Truncate(interval)
	start := end.Add(-time.Duration(opts.Hours) * time.Hour)

	mem := &memReadingStore{}
	for ts := start; !ts.After(end); ts = ts.Add(interval) {
		mem.readings = append(mem.readings, syntheticReading(opts, ts, end))
	}

	baselines := baseline.NewStore()
	stats, err := baseline.Compute(opts.TenantID, opts.MachineID, mem.readings[:len(mem.readings)/2], 10, end)
	if err != nil {
		return fmt.Errorf("compute simulation baseline: %w", err)
	}
	baselines.Replace(stats)

	deps := service.Deps{
		Readings:  mem,
		Baselines: baselines,
		Extractor: feature.NewExtractor(feature.Config{
			MinSamples:     a.Config.Pipeline.MinFeatureSamples,
			SampleInterval: interval,
		}),
		Detector: anomaly.NewDetector(a.Config.Baseline.DetectionSigma, a.Logger),
		Calculator: health.NewCalculator(health.Config{
			MinWindow:     a.Config.Health.MinWindow,
			AnomalyWeight: a.Config.Health.AnomalyWeight,
			TrendWeight:   a.Config.Health.TrendWeight,
		}),
		Predictor: risk.NewStatistical(risk.StatisticalOptions{
			SampleInterval: interval,
			Version:        a.Config.Model.ActiveVersion,
		}),
		Alerts:   alerting.NewGenerator(a.generatorConfig(), nil, a.Logger),
		Resolver: recommend.NewResolver(a.Logger),
		Notifier: consoleNotifier{},
	}

	pipe := service.New(service.Options{
		FeatureWindow:  a.Config.Pipeline.FeatureWindow,
		SampleInterval: interval,
		Channels:       a.Config.Alerting.Channels,
		HighChannels:   a.Config.Alerting.HighChannels,
	}, deps, a.Logger)

	return pipe.Trigger(ctx, storage.MachineRef{TenantID: opts.TenantID, MachineID: opts.MachineID}, end)
}

// syntheticReading produces a healthy profile, optionally degrading
// vibration and temperature over the final quarter of the run.
func syntheticReading(opts SimulateOptions, ts, end time.Time) sensor.Reading {
	elapsed := end.Sub(ts).Hours()
	phase := ts.Unix() / 60

	r := sensor.Reading{
		TenantID:    opts.TenantID,
		MachineID:   opts.MachineID,
		Timestamp:   ts,
		Vibration:   18 + 2*math.Sin(float64(phase)/7),
		Temperature: 58 + 3*math.Sin(float64(phase)/11),
		Load:        50 + 5*math.Sin(float64(phase)/13),
	}

	if opts.InjectFault && elapsed < float64(opts.Hours)/4 {
		ramp := 1 - elapsed/(float64(opts.Hours)/4)
		r.Vibration += 55 * ramp
		r.Temperature += 60 * ramp
	}
	return r
}

// memReadingStore serves a fixed set of readings for simulation runs.
type memReadingStore struct {
	readings []sensor.Reading
}

func (m *memReadingStore) InsertReading(ctx context.Context, r sensor.Reading) error {
	m.readings = append(m.readings, r)
	return nil
}

func (m *memReadingStore) GetWindow(ctx context.Context, ref storage.MachineRef, start, end time.Time) ([]sensor.Reading, error) {
	out := make([]sensor.Reading, 0)
	for _, r := range m.readings {
		if r.TenantID != ref.TenantID || r.MachineID != ref.MachineID {
			continue
		}
		if r.Timestamp.Before(start) || r.Timestamp.After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *memReadingStore) GetHistoricalWindow(ctx context.Context, ref storage.MachineRef, days int) ([]sensor.Reading, error) {
	end := time.Now().UTC()
	return m.GetWindow(ctx, ref, end.AddDate(0, 0, -days), end)
}

func (m *memReadingStore) EarliestReading(ctx context.Context, ref storage.MachineRef) (time.Time, error) {
	var earliest time.Time
	for _, r := range m.readings {
		if r.TenantID != ref.TenantID || r.MachineID != ref.MachineID {
			continue
		}
		if earliest.IsZero() || r.Timestamp.Before(earliest) {
			earliest = r.Timestamp
		}
	}
	if earliest.IsZero() {
		return time.Time{}, errors.New("no readings")
	}
	return earliest, nil
}

func (m *memReadingStore) ListActiveMachines(ctx context.Context, since time.Time) ([]storage.MachineRef, error) {
	seen := make(map[storage.MachineRef]bool)
	refs := make([]storage.MachineRef, 0)
	for _, r := range m.readings {
		ref := storage.MachineRef{TenantID: r.TenantID, MachineID: r.MachineID}
		if !seen[ref] && !r.Timestamp.Before(since) {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

var _ storage.ReadingStore = (*memReadingStore)(nil)

// consoleNotifier prints notifications instead of dispatching them.
type consoleNotifier struct{}

func (consoleNotifier) Notify(ctx context.Context, n alerting.Notification) error {
	fmt.Fprintf(os.Stdout, "--- %s alert for %s ---\n%s\n%s", n.Alert.Severity, n.Alert.MachineID, n.MessageEN, n.MessageHI)
	return nil
}

var _ alerting.Notifier = consoleNotifier{}
