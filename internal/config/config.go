package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"machine-watch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Baseline  BaselineConfig  `mapstructure:"baseline"`
	Health    HealthConfig    `mapstructure:"health"`
	Model     ModelConfig     `mapstructure:"model"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// PipelineConfig governs the per-reading analytics path.
type PipelineConfig struct {
	SampleInterval    time.Duration `mapstructure:"sample_interval"`
	FeatureWindow     time.Duration `mapstructure:"feature_window"`
	MinFeatureSamples int           `mapstructure:"min_feature_samples"`
	AlignToBucket     bool          `mapstructure:"align_to_bucket"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
}

// BaselineConfig governs the weekly baseline recompute job.
type BaselineConfig struct {
	RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
	HistoryDays       int           `mapstructure:"history_days"`
	MinSamples        int           `mapstructure:"min_samples"`
	DetectionSigma    float64       `mapstructure:"detection_sigma"`
	AdvisoryLockKey   int64         `mapstructure:"advisory_lock_key"`
}

// HealthConfig tunes the health score calculator.
type HealthConfig struct {
	MinWindow     time.Duration `mapstructure:"min_window"`
	AnomalyWeight float64       `mapstructure:"anomaly_weight"`
	TrendWeight   float64       `mapstructure:"trend_weight"`
}

// ModelConfig describes the failure-risk model capability.
type ModelConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ActiveVersion  string        `mapstructure:"active_version"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinAccuracy    float64       `mapstructure:"min_accuracy"`
	MinHistoryDays int           `mapstructure:"min_history_days"`
}

// AlertingConfig defines alert thresholds, consolidation, and routing.
type AlertingConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	MergeWindow    time.Duration `mapstructure:"merge_window"`
	MaxMerges      int           `mapstructure:"max_merges"`
	RiskHighPct    float64       `mapstructure:"risk_high_pct"`
	RiskMediumPct  float64       `mapstructure:"risk_medium_pct"`
	HealthMedium   int           `mapstructure:"health_medium"`
	DeviationHigh  float64       `mapstructure:"deviation_high"`
	Channels       []string      `mapstructure:"channels"`
	HighChannels   []string      `mapstructure:"high_channels"`
	Webhook        WebhookConfig `mapstructure:"webhook"`
}

// WebhookConfig describes the external notification dispatcher endpoint.
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MACHINEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "machinewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("pipeline.sample_interval", "5m")
	v.SetDefault("pipeline.feature_window", "24h")
	v.SetDefault("pipeline.min_feature_samples", 12)
	v.SetDefault("pipeline.align_to_bucket", true)
	v.SetDefault("pipeline.startup_delay", "0s")
	v.SetDefault("pipeline.advisory_lock_key", int64(0x6d616368))

	v.SetDefault("baseline.recompute_interval", "168h")
	v.SetDefault("baseline.history_days", 90)
	v.SetDefault("baseline.min_samples", 100)
	v.SetDefault("baseline.detection_sigma", 3.0)
	v.SetDefault("baseline.advisory_lock_key", int64(0x62617365))

	v.SetDefault("health.min_window", "1h")
	v.SetDefault("health.anomaly_weight", 4.0)
	v.SetDefault("health.trend_weight", 20.0)

	v.SetDefault("model.active_version", "statistical-v1")
	v.SetDefault("model.request_timeout", "10s")
	v.SetDefault("model.min_accuracy", 0.75)
	v.SetDefault("model.min_history_days", 30)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.merge_window", "1h")
	v.SetDefault("alerting.max_merges", 25)
	v.SetDefault("alerting.risk_high_pct", 70.0)
	v.SetDefault("alerting.risk_medium_pct", 40.0)
	v.SetDefault("alerting.health_medium", 60)
	v.SetDefault("alerting.deviation_high", 4.0)
	v.SetDefault("alerting.channels", []string{"email"})
	v.SetDefault("alerting.high_channels", []string{"sms", "email"})
	v.SetDefault("alerting.webhook.enabled", false)
	v.SetDefault("alerting.webhook.timeout", "10s")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Pipeline.SampleInterval <= 0 {
		return fmt.Errorf("pipeline.sample_interval must be greater than zero")
	}
	if c.Pipeline.FeatureWindow < c.Pipeline.SampleInterval {
		return fmt.Errorf("pipeline.feature_window must cover at least one sample interval")
	}
	if c.Pipeline.MinFeatureSamples < 4 {
		return fmt.Errorf("pipeline.min_feature_samples must be at least 4")
	}
	if c.Baseline.HistoryDays <= 0 {
		return fmt.Errorf("baseline.history_days must be greater than zero")
	}
	if c.Baseline.MinSamples <= 1 {
		return fmt.Errorf("baseline.min_samples must be greater than one")
	}
	if c.Baseline.DetectionSigma <= 0 {
		return fmt.Errorf("baseline.detection_sigma must be greater than zero")
	}
	if c.Model.MinAccuracy <= 0 || c.Model.MinAccuracy > 1 {
		return fmt.Errorf("model.min_accuracy must be in (0, 1]")
	}
	if c.Alerting.MergeWindow <= 0 {
		return fmt.Errorf("alerting.merge_window must be greater than zero")
	}
	if c.Alerting.RiskMediumPct >= c.Alerting.RiskHighPct {
		return fmt.Errorf("alerting.risk_medium_pct must be below alerting.risk_high_pct")
	}
	if c.Alerting.Webhook.Enabled && c.Alerting.Webhook.URL == "" {
		return fmt.Errorf("alerting.webhook.url is required when webhook is enabled")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
