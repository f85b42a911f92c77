package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
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

// ErrMachineDeactivated rejects new pipeline triggers for a machine
// taken out of service. Historical reads stay available.
var ErrMachineDeactivated = errors.New("service: machine deactivated")

// Options tune the orchestration layer.
type Options struct {
	FeatureWindow       time.Duration
	SampleInterval      time.Duration
	MinHistoryDays      int
	BaselineHistoryDays int
	BaselineMinSamples  int
	Channels            []string
	HighChannels        []string
	SweepLockKey        int64
	BaselineLockKey     int64
}

// Deps collects the pipeline's collaborators. Stores may be nil for
// simulation runs; the pipeline degrades to in-memory behaviour.
type Deps struct {
	Readings        storage.ReadingStore
	Derived         storage.DerivedStore
	Recommendations storage.RecommendationStore
	Locker          storage.AdvisoryLocker
	Baselines       *baseline.Store
	Extractor       *feature.Extractor
	Detector        *anomaly.Detector
	Calculator      *health.Calculator
	Predictor       risk.Predictor
	Alerts          *alerting.Generator
	Resolver        *recommend.Resolver
	Notifier        alerting.Notifier
}

// gate serialises recomputes per machine. A trigger arriving while one
// is in flight sets pending, so the pipeline runs once more rather
// than once per trigger.
type gate struct {
	running bool
	pending bool
}

// Pipeline runs the per-machine analytics path: anomaly detection,
// health scoring, and failure risk prediction feeding the alert
// generator. Machines are fully independent of each other.
type Pipeline struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	mu          sync.Mutex
	gates       map[string]*gate
	deactivated map[string]bool
}

// New constructs the pipeline.
func New(opts Options, deps Deps, logger zerolog.Logger) *Pipeline {
	if opts.FeatureWindow <= 0 {
		opts.FeatureWindow = 24 * time.Hour
	}
	return &Pipeline{
		opts:        opts,
		deps:        deps,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		gates:       make(map[string]*gate),
		deactivated: make(map[string]bool),
	}
}

func machineKey(ref storage.MachineRef) string {
	return ref.TenantID + "/" + ref.MachineID
}

// Deactivate stops accepting new triggers for a machine. In-flight
// work completes; its output is simply not actioned further.
func (p *Pipeline) Deactivate(ref storage.MachineRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deactivated[machineKey(ref)] = true
}

// Reactivate re-enables triggers for a machine.
func (p *Pipeline) Reactivate(ref storage.MachineRef) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.deactivated, machineKey(ref))
}

// Trigger runs the analytics path for one machine at one evaluation
// point. At most one recompute runs per machine; concurrent triggers
// coalesce into a single follow-up run.
func (p *Pipeline) Trigger(ctx context.Context, ref storage.MachineRef, ts time.Time) error {
	key := machineKey(ref)

	p.mu.Lock()
	if p.deactivated[key] {
		p.mu.Unlock()
		return ErrMachineDeactivated
	}
	g := p.gates[key]
	if g == nil {
		g = &gate{}
		p.gates[key] = g
	}
	if g.running {
		g.pending = true
		p.mu.Unlock()
		return nil
	}
	g.running = true
	p.mu.Unlock()

	var lastErr error
	for {
		lastErr = p.process(ctx, ref, ts)

		p.mu.Lock()
		if g.pending {
			g.pending = false
			p.mu.Unlock()
			continue
		}
		g.running = false
		p.mu.Unlock()
		return lastErr
	}
}

// process executes one recompute: detect, score, predict, alert.
func (p *Pipeline) process(ctx context.Context, ref storage.MachineRef, ts time.Time) error {
	window, err := p.deps.Readings.GetWindow(ctx, ref, ts.Add(-p.opts.FeatureWindow), ts)
	if err != nil {
		return fmt.Errorf("fetch window: %w", err)
	}
	if len(window) == 0 {
		p.logger.Debug().Str("machine", ref.MachineID).Time("bucket", ts).Msg("no readings in window")
		return nil
	}

	latest := window[len(window)-1]

	event := p.deps.Detector.Detect(p.deps.Baselines.Get(ref.TenantID, ref.MachineID), latest)
	if event != nil && p.deps.Derived != nil {
		if err := p.deps.Derived.InsertAnomalyEvent(ctx, *event); err != nil {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("failed to persist anomaly event")
		}
	}

	healthRec := p.computeHealth(ctx, ref, ts, window, event)
	riskRec := p.computeRisk(ctx, ref, ts, window)

	input := alerting.Input{
		TenantID:  ref.TenantID,
		MachineID: ref.MachineID,
		Timestamp: ts,
		Health:    healthRec,
		Risk:      riskRec,
		Anomaly:   event,
	}
	alert, err := p.deps.Alerts.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("evaluate alert rules: %w", err)
	}
	if alert != nil {
		p.actionAlert(ctx, *alert)
	}
	return nil
}

// computeHealth scores the machine over the current window. An
// insufficient window is a legitimate state, not a failure.
func (p *Pipeline) computeHealth(ctx context.Context, ref storage.MachineRef, ts time.Time, window []sensor.Reading, event *anomaly.Event) *health.Record {
	var anomalies []anomaly.Event
	if p.deps.Derived != nil {
		listed, err := p.deps.Derived.ListAnomalyEvents(ctx, ref, ts.Add(-p.opts.FeatureWindow), ts)
		if err != nil {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("failed to list anomaly events")
		} else {
			anomalies = listed
		}
	} else if event != nil {
		anomalies = []anomaly.Event{*event}
	}

	rec, err := p.deps.Calculator.Calculate(window, anomalies)
	if err != nil {
		if errors.Is(err, health.ErrInsufficientData) {
			p.logger.Debug().Str("machine", ref.MachineID).Msg("health score skipped: insufficient window")
		} else {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("health score failed")
		}
		return nil
	}

	if p.deps.Derived != nil {
		if err := p.deps.Derived.UpsertHealthScore(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("failed to persist health score")
		}
	}
	return &rec
}

// computeRisk runs feature extraction and the failure risk predictor.
// Model capability failures never propagate: the predictor falls back
// to its cache, and machines without enough training history are
// skipped until they accumulate it.
func (p *Pipeline) computeRisk(ctx context.Context, ref storage.MachineRef, ts time.Time, window []sensor.Reading) *risk.Record {
	vector, err := p.deps.Extractor.Extract(window)
	if err != nil {
		if errors.Is(err, feature.ErrInsufficientData) {
			p.logger.Debug().Str("machine", ref.MachineID).Msg("risk prediction skipped: insufficient window")
		} else {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("feature extraction failed")
		}
		return nil
	}

	if p.opts.MinHistoryDays > 0 {
		earliest, err := p.deps.Readings.EarliestReading(ctx, ref)
		if err != nil {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("failed to read machine history span")
			return nil
		}
		if ts.Sub(earliest) < time.Duration(p.opts.MinHistoryDays)*24*time.Hour {
			p.logger.Debug().Str("machine", ref.MachineID).Msg("risk prediction unavailable: below minimum history")
			return nil
		}
	}

	rec, err := p.deps.Predictor.Predict(ctx, ref.TenantID, ref.MachineID, ts, vector)
	if err != nil {
		if errors.Is(err, risk.ErrPredictionUnavailable) {
			p.logger.Warn().Err(err).Str("machine", ref.MachineID).Msg("risk prediction unavailable")
		} else {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("risk prediction failed")
		}
		return nil
	}

	if p.deps.Derived != nil {
		if err := p.deps.Derived.UpsertRiskRecord(ctx, rec); err != nil {
			p.logger.Error().Err(err).Str("machine", ref.MachineID).Msg("failed to persist risk record")
		}
	}
	return &rec
}

// actionAlert resolves maintenance guidance for an alert and hands the
// notification to the external dispatcher.
func (p *Pipeline) actionAlert(ctx context.Context, alert alerting.Alert) {
	rec, err := p.deps.Resolver.Resolve(alert)
	if err != nil {
		p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("recommendation construction failed")
		return
	}

	if p.deps.Recommendations != nil {
		actions, err := json.Marshal(rec.Actions)
		if err != nil {
			p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to marshal recommendation actions")
		} else {
			row := storage.RecommendationRow{
				ID:            rec.ID,
				AlertID:       rec.AlertID,
				Actions:       actions,
				Urgency:       rec.Urgency,
				EstimatedTime: rec.EstimatedTime,
			}
			if err := p.deps.Recommendations.InsertRecommendation(ctx, alert.ID, row); err != nil {
				p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist recommendation")
			}
		}
	}

	if p.deps.Notifier == nil {
		return
	}
	en, hi := recommend.Messages(alert, rec)
	note := alerting.Notification{
		Alert:     alert,
		MessageEN: en,
		MessageHI: hi,
		Channels:  p.channelHint(alert.Severity),
	}
	if err := p.deps.Notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to dispatch alert")
	}
}

// channelHint selects delivery channels from notification preferences
// by severity.
func (p *Pipeline) channelHint(severity alerting.Severity) []string {
	if severity == alerting.SeverityHigh && len(p.opts.HighChannels) > 0 {
		return p.opts.HighChannels
	}
	return p.opts.Channels
}

// RaiseSystemAlert opens and dispatches a platform-level alert. Wired
// into the risk predictor's fallback path and the model registry.
func (p *Pipeline) RaiseSystemAlert(ctx context.Context, component, message string) {
	alert := p.deps.Alerts.RaiseSystem(ctx, component, message)
	if p.deps.Notifier == nil || alert == nil {
		return
	}
	note := alerting.Notification{
		Alert:     *alert,
		MessageEN: fmt.Sprintf("[System Alert] %s: %s", component, message),
		MessageHI: fmt.Sprintf("[सिस्टम चेतावनी] %s: %s", component, message),
		Channels:  p.channelHint(alerting.SeverityHigh),
	}
	if err := p.deps.Notifier.Notify(ctx, note); err != nil {
		p.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to dispatch system alert")
	}
}

// RunSweep triggers the pipeline for every recently active machine.
// One machine's failure never blocks the others.
func (p *Pipeline) RunSweep(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx, p.opts.SweepLockKey)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Time("bucket", bucket).Msg("skip sweep: advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	machines, err := p.deps.Readings.ListActiveMachines(ctx, bucket.Add(-p.opts.FeatureWindow))
	if err != nil {
		return fmt.Errorf("list active machines: %w", err)
	}

	for _, ref := range machines {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := p.Trigger(ctx, ref, bucket); err != nil {
			if errors.Is(err, ErrMachineDeactivated) {
				continue
			}
			p.logger.Error().Err(err).Str("tenant", ref.TenantID).Str("machine", ref.MachineID).Msg("pipeline run failed")
		}
	}
	return nil
}

// RunBaselineJob recomputes every machine's baseline from trailing
// history. Decoupled from the per-reading path: it communicates only
// through the baseline store's atomic swap. Corrupt history keeps the
// previous baseline in place with a soft warning.
func (p *Pipeline) RunBaselineJob(ctx context.Context, bucket time.Time) error {
	unlock, proceed, err := p.acquireLock(ctx, p.opts.BaselineLockKey)
	if err != nil {
		return err
	}
	if !proceed {
		p.logger.Debug().Time("bucket", bucket).Msg("skip baseline job: advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	machines, err := p.deps.Readings.ListActiveMachines(ctx, bucket.AddDate(0, 0, -p.opts.BaselineHistoryDays))
	if err != nil {
		return fmt.Errorf("list machines for baseline: %w", err)
	}

	recomputed, kept := 0, 0
	for _, ref := range machines {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		history, err := p.deps.Readings.GetHistoricalWindow(ctx, ref, p.opts.BaselineHistoryDays)
		if err != nil {
			p.logger.Warn().Err(err).Str("machine", ref.MachineID).Msg("baseline history fetch failed; keeping previous baseline")
			kept++
			continue
		}

		stats, err := baseline.Compute(ref.TenantID, ref.MachineID, history, p.opts.BaselineMinSamples, bucket)
		if err != nil {
			p.logger.Warn().Err(err).Str("machine", ref.MachineID).Msg("baseline recompute rejected input; keeping previous baseline")
			kept++
			continue
		}

		p.deps.Baselines.Replace(stats)
		recomputed++
	}

	p.logger.Info().Int("recomputed", recomputed).Int("kept", kept).Msg("baseline job complete")
	return nil
}

func (p *Pipeline) acquireLock(ctx context.Context, key int64) (func(), bool, error) {
	if key == 0 || p.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := p.deps.Locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
