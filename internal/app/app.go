package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"machine-watch/internal/alerting"
	"machine-watch/internal/anomaly"
	"machine-watch/internal/baseline"
	"machine-watch/internal/config"
	"machine-watch/internal/feature"
	"machine-watch/internal/health"
	"machine-watch/internal/recommend"
	"machine-watch/internal/risk"
	"machine-watch/internal/scheduler"
	"machine-watch/internal/service"
	"machine-watch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		return alerting.NewWebhookNotifier(cfg.URL, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) generatorConfig() alerting.Config {
	cfg := a.Config.Alerting
	return alerting.Config{
		MergeWindow:   cfg.MergeWindow,
		MaxMerges:     cfg.MaxMerges,
		RiskHigh:      decimal.NewFromFloat(cfg.RiskHighPct),
		RiskMedium:    decimal.NewFromFloat(cfg.RiskMediumPct),
		HealthMedium:  cfg.HealthMedium,
		DeviationHigh: cfg.DeviationHigh,
	}
}

// newPipeline wires the analytics components around the given store.
// The system-alert path is routed back into the pipeline once it
// exists, so the predictor and registry can raise platform alerts.
func (a *App) newPipeline(store *storage.Store, notifier alerting.Notifier) *service.Pipeline {
	var pipe *service.Pipeline
	systemAlert := func(ctx context.Context, component, message string) {
		if pipe != nil {
			pipe.RaiseSystemAlert(ctx, component, message)
		}
	}

	registry := risk.NewRegistry(a.Config.Model.ActiveVersion, a.Config.Model.MinAccuracy, systemAlert, a.Logger)

	var predictor risk.Predictor
	if a.Config.Model.BaseURL != "" {
		client := risk.NewEndpointClient(risk.EndpointOptions{
			BaseURL:   a.Config.Model.BaseURL,
			Timeout:   a.Config.Model.RequestTimeout,
			UserAgent: a.Config.App.Name + "/" + a.Config.App.Environment,
		}, a.Logger)
		predictor = risk.NewRemote(client, registry, systemAlert, a.Logger)
	} else {
		predictor = risk.NewStatistical(risk.StatisticalOptions{
			SampleInterval: a.Config.Pipeline.SampleInterval,
			Version:        a.Config.Model.ActiveVersion,
		})
	}

	var alertStore alerting.Store
	var deps service.Deps
	if store != nil {
		alertStore = store
		deps.Readings = store
		deps.Derived = store
		deps.Recommendations = store
		deps.Locker = store
	}

	deps.Baselines = baseline.NewStore()
	deps.Extractor = feature.NewExtractor(feature.Config{
		MinSamples:     a.Config.Pipeline.MinFeatureSamples,
		SampleInterval: a.Config.Pipeline.SampleInterval,
	})
	deps.Detector = anomaly.NewDetector(a.Config.Baseline.DetectionSigma, a.Logger)
	deps.Calculator = health.NewCalculator(health.Config{
		MinWindow:     a.Config.Health.MinWindow,
		AnomalyWeight: a.Config.Health.AnomalyWeight,
		TrendWeight:   a.Config.Health.TrendWeight,
	})
	deps.Predictor = predictor
	deps.Alerts = alerting.NewGenerator(a.generatorConfig(), alertStore, a.Logger)
	deps.Resolver = recommend.NewResolver(a.Logger)
	deps.Notifier = notifier

	pipe = service.New(service.Options{
		FeatureWindow:       a.Config.Pipeline.FeatureWindow,
		SampleInterval:      a.Config.Pipeline.SampleInterval,
		MinHistoryDays:      a.Config.Model.MinHistoryDays,
		BaselineHistoryDays: a.Config.Baseline.HistoryDays,
		BaselineMinSamples:  a.Config.Baseline.MinSamples,
		Channels:            a.Config.Alerting.Channels,
		HighChannels:        a.Config.Alerting.HighChannels,
		SweepLockKey:        a.Config.Pipeline.AdvisoryLockKey,
		BaselineLockKey:     a.Config.Baseline.AdvisoryLockKey,
	}, deps, a.Logger)

	return pipe
}

// Run executes the long-running analytics service: the sampling sweep
// and the weekly baseline job, decoupled schedulers sharing only the
// baseline store.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn is required to run the analytics service")
	}
	if closeStore != nil {
		defer closeStore()
	}

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("alerting.webhook not configured; alerts will be persisted but not dispatched")
	}

	pipe := a.newPipeline(store, notifier)

	// Seed baselines immediately; the weekly job keeps them fresh.
	if err := pipe.RunBaselineJob(ctx, time.Now().UTC()); err != nil {
		a.Logger.Warn().Err(err).Msg("initial baseline pass failed; detection suspended until next pass")
	}

	sweepSched := scheduler.New(scheduler.Options{
		Name:         "sampling_sweep",
		Interval:     a.Config.Pipeline.SampleInterval,
		AlignToStart: a.Config.Pipeline.AlignToBucket,
		StartupDelay: a.Config.Pipeline.StartupDelay,
	}, a.Logger)

	baselineSched := scheduler.New(scheduler.Options{
		Name:         "baseline_recompute",
		Interval:     a.Config.Baseline.RecomputeInterval,
		AlignToStart: true,
	}, a.Logger)

	go func() {
		if err := baselineSched.Run(ctx, pipe.RunBaselineJob); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("baseline scheduler terminated with error")
		}
	}()

	a.Logger.Info().Msg("starting analytics service")
	err = sweepSched.Run(ctx, pipe.RunSweep)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("analytics service stopped")
	return nil
}

// Acknowledge marks an alert acknowledged exactly once.
func (a *App) Acknowledge(ctx context.Context, alertID, userID string) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot acknowledge")
	}
	if closeStore != nil {
		defer closeStore()
	}

	generator := alerting.NewGenerator(a.generatorConfig(), store, a.Logger)
	return generator.Acknowledge(ctx, alertID, userID, time.Now().UTC())
}

// ExportOptions hold parameters for exporting historical records.
type ExportOptions struct {
	TenantID  string
	MachineID string
	From      *time.Time
	To        *time.Time
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	TenantID  string
	MachineID string
	Limit     int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	TenantID    string
	MachineID   string
	Hours       int
	InjectFault bool
}

// BackfillOptions configure the backfill job.
type BackfillOptions struct {
	TenantID  string
	MachineID string
	From      time.Time
	To        time.Time
	DryRun    bool
}
