package risk

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"machine-watch/internal/feature"
)

var (
	// ErrPredictionUnavailable means no usable risk estimate exists for
	// the machine: not enough training history and nothing cached.
	ErrPredictionUnavailable = errors.New("risk: prediction unavailable")

	// ErrModelCapability marks a transient model endpoint failure.
	ErrModelCapability = errors.New("risk: model capability error")
)

// Level buckets a horizon percentage for display.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

var (
	levelHighFloor   = decimal.NewFromInt(70)
	levelMediumFloor = decimal.NewFromInt(40)
)

// Classify maps a risk percentage to its level: > 70 high, 40-70
// medium, < 40 low.
func Classify(pct decimal.Decimal) Level {
	switch {
	case pct.GreaterThan(levelHighFloor):
		return LevelHigh
	case pct.GreaterThanOrEqual(levelMediumFloor):
		return LevelMedium
	default:
		return LevelLow
	}
}

// Record is one multi-horizon failure risk estimate. Immutable.
type Record struct {
	TenantID     string
	MachineID    string
	Timestamp    time.Time
	Risk24h      decimal.Decimal
	Risk7d       decimal.Decimal
	Risk30d      decimal.Decimal
	Confidence   decimal.Decimal
	ModelVersion string
	// Stale marks a cached record served because the model capability
	// was unreachable.
	Stale bool
}

// MaxHorizon returns the largest of the three horizon percentages.
func (r Record) MaxHorizon() decimal.Decimal {
	max := r.Risk24h
	if r.Risk7d.GreaterThan(max) {
		max = r.Risk7d
	}
	if r.Risk30d.GreaterThan(max) {
		max = r.Risk30d
	}
	return max
}

// Predictor estimates failure risk from a feature vector. Any
// estimation technique may stand behind this boundary as long as the
// three horizon percentages stay in [0,100] and confidence in [0,1].
type Predictor interface {
	Predict(ctx context.Context, tenantID, machineID string, ts time.Time, v feature.Vector) (Record, error)
}

// SystemAlertFunc raises a system-level alert, distinct from machine
// alerts. Wired by the pipeline to the alert generator.
type SystemAlertFunc func(ctx context.Context, component, message string)

func clampPct(v float64) decimal.Decimal {
	if v < 0 {
		v = 0
	}
	if v > 100 {
		v = 100
	}
	return decimal.NewFromFloat(v).Round(2)
}

func clampConfidence(v float64) decimal.Decimal {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	return decimal.NewFromFloat(v).Round(3)
}
