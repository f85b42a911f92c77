package alerting

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"machine-watch/internal/anomaly"
	"machine-watch/internal/health"
	"machine-watch/internal/risk"
)

// Store persists alert lifecycle changes. Optional: a nil store keeps
// alerts in memory only (simulation, tests).
type Store interface {
	InsertAlert(ctx context.Context, alert Alert) error
	UpdateAlert(ctx context.Context, alert Alert) error
	GetAlert(ctx context.Context, id string) (Alert, error)
	MarkAcknowledged(ctx context.Context, id, user string, ts time.Time) error
}

// Config tunes rule thresholds and consolidation.
type Config struct {
	MergeWindow   time.Duration
	MaxMerges     int
	RiskHigh      decimal.Decimal
	RiskMedium    decimal.Decimal
	HealthMedium  int
	DeviationHigh float64
}

// Input carries whatever upstream records arrived for one machine at
// one evaluation point. Any subset of the three may be present.
type Input struct {
	TenantID  string
	MachineID string
	Timestamp time.Time
	Health    *health.Record
	Risk      *risk.Record
	Anomaly   *anomaly.Event
}

// Generator evaluates threshold rules and consolidates near-in-time
// triggers into a single alert per machine.
type Generator struct {
	cfg    Config
	store  Store
	logger zerolog.Logger

	mu   sync.Mutex
	open map[string]*Alert
	byID map[string]*Alert
}

// NewGenerator constructs a generator.
func NewGenerator(cfg Config, store Store, logger zerolog.Logger) *Generator {
	if cfg.MergeWindow <= 0 {
		cfg.MergeWindow = time.Hour
	}
	if cfg.RiskHigh.IsZero() {
		cfg.RiskHigh = decimal.NewFromInt(70)
	}
	if cfg.RiskMedium.IsZero() {
		cfg.RiskMedium = decimal.NewFromInt(40)
	}
	if cfg.HealthMedium == 0 {
		cfg.HealthMedium = 60
	}
	if cfg.DeviationHigh == 0 {
		cfg.DeviationHigh = 4
	}
	return &Generator{
		cfg:    cfg,
		store:  store,
		logger: logger.With().Str("component", "alert_generator").Logger(),
		open:   make(map[string]*Alert),
		byID:   make(map[string]*Alert),
	}
}

// Evaluate applies the severity rules to one arrival. It returns the
// alert that was created or merged into, or nil when no rule fired.
// Callers must feed one machine's candidates in timestamp order; the
// per-machine pipeline gate guarantees that.
func (g *Generator) Evaluate(ctx context.Context, in Input) (*Alert, error) {
	severity, triggers := g.evaluateRules(in)
	if severity == "" {
		return nil, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	machineKey := in.TenantID + "/" + in.MachineID
	if existing := g.open[machineKey]; existing != nil && g.canAbsorb(existing, in.Timestamp) {
		existing.Severity = maxSeverity(existing.Severity, severity)
		existing.Triggers = append(existing.Triggers, triggers...)
		existing.MergeCount++

		if g.store != nil {
			if err := g.store.UpdateAlert(ctx, *existing); err != nil {
				g.logger.Error().Err(err).Str("alert_id", existing.ID).Msg("failed to persist merged alert")
			}
		}

		g.logger.Info().
			Str("alert_id", existing.ID).
			Str("machine", in.MachineID).
			Str("severity", string(existing.Severity)).
			Int("merges", existing.MergeCount).
			Msg("alert consolidated")
		return existing, nil
	}

	alert := &Alert{
		ID:        uuid.NewString(),
		TenantID:  in.TenantID,
		MachineID: in.MachineID,
		Severity:  severity,
		Triggers:  triggers,
		OpenedAt:  in.Timestamp,
	}
	g.open[machineKey] = alert
	g.byID[alert.ID] = alert

	if g.store != nil {
		if err := g.store.InsertAlert(ctx, *alert); err != nil {
			g.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist alert")
		}
	}

	g.logger.Info().
		Str("alert_id", alert.ID).
		Str("machine", in.MachineID).
		Str("severity", string(severity)).
		Int("triggers", len(triggers)).
		Msg("alert opened")
	return alert, nil
}

// canAbsorb implements the consolidation rule: unacknowledged, within
// the merge window of the opening timestamp (so replayed triggers
// cannot reopen a settled alert), and under the merge cap. Once
// acknowledged an alert never absorbs again; a fresh alert keeps new
// problems visible. Intentional: see the consolidation design note.
func (g *Generator) canAbsorb(existing *Alert, ts time.Time) bool {
	if existing.Acknowledged {
		return false
	}
	if g.cfg.MaxMerges > 0 && existing.MergeCount >= g.cfg.MaxMerges {
		return false
	}
	diff := ts.Sub(existing.OpenedAt)
	if diff < 0 {
		diff = -diff
	}
	return diff <= g.cfg.MergeWindow
}

func (g *Generator) evaluateRules(in Input) (Severity, []Trigger) {
	var (
		triggers []Trigger
		high     bool
		medium   bool
	)

	if in.Risk != nil {
		for _, h := range []struct {
			name string
			pct  decimal.Decimal
		}{
			{"24h", in.Risk.Risk24h},
			{"7d", in.Risk.Risk7d},
			{"30d", in.Risk.Risk30d},
		} {
			if h.pct.GreaterThan(g.cfg.RiskHigh) {
				high = true
			} else if h.pct.GreaterThanOrEqual(g.cfg.RiskMedium) {
				medium = true
			} else {
				continue
			}
			triggers = append(triggers, Trigger{
				Kind:      TriggerFailureRisk,
				RefID:     fmt.Sprintf("%s/%s@%s", in.MachineID, h.name, in.Risk.Timestamp.UTC().Format(time.RFC3339)),
				Timestamp: in.Timestamp,
				Detail:    fmt.Sprintf("failure risk %s horizon at %s%%", h.name, h.pct.StringFixed(1)),
			})
		}
	}

	if in.Anomaly != nil && math.Abs(in.Anomaly.Deviation) > g.cfg.DeviationHigh {
		high = true
		triggers = append(triggers, Trigger{
			Kind:      TriggerAnomaly,
			RefID:     in.Anomaly.ID,
			Timestamp: in.Timestamp,
			Channels:  in.Anomaly.Channels,
			Detail:    fmt.Sprintf("%s anomaly at %.1f standard deviations", in.Anomaly.Kind, in.Anomaly.Deviation),
		})
	}

	if in.Health != nil && in.Health.Score < g.cfg.HealthMedium {
		medium = true
		triggers = append(triggers, Trigger{
			Kind:      TriggerHealthScore,
			RefID:     fmt.Sprintf("%s@%s", in.MachineID, in.Health.Timestamp.UTC().Format(time.RFC3339)),
			Timestamp: in.Timestamp,
			Detail:    fmt.Sprintf("health score dropped to %d", in.Health.Score),
		})
	}

	switch {
	case high:
		// Every fired condition rides along, not just the high one.
		return SeverityHigh, triggers
	case medium:
		return SeverityMedium, triggers
	default:
		return "", nil
	}
}

// RaiseSystem opens a platform-level alert, distinct from machine
// alerts. System alerts are never consolidated with machine alerts.
func (g *Generator) RaiseSystem(ctx context.Context, component, message string) *Alert {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().UTC()
	alert := &Alert{
		ID:        uuid.NewString(),
		TenantID:  "system",
		MachineID: component,
		Severity:  SeverityHigh,
		System:    true,
		OpenedAt:  now,
		Triggers: []Trigger{{
			Kind:      TriggerFailureRisk,
			RefID:     component,
			Timestamp: now,
			Detail:    message,
		}},
	}
	g.byID[alert.ID] = alert

	if g.store != nil {
		if err := g.store.InsertAlert(ctx, *alert); err != nil {
			g.logger.Error().Err(err).Str("alert_id", alert.ID).Msg("failed to persist system alert")
		}
	}

	g.logger.Warn().Str("component", component).Str("message", message).Msg("system alert raised")
	return alert
}

// Acknowledge transitions an alert exactly once. A second call fails
// with ErrAlreadyAcknowledged and leaves the first call's state intact.
func (g *Generator) Acknowledge(ctx context.Context, alertID, userID string, ts time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	alert, ok := g.byID[alertID]
	if !ok {
		if g.store == nil {
			return ErrNotFound
		}
		loaded, err := g.store.GetAlert(ctx, alertID)
		if err != nil {
			return err
		}
		alert = &loaded
		g.byID[alertID] = alert
	}

	if alert.Acknowledged {
		return ErrAlreadyAcknowledged
	}

	alert.Acknowledged = true
	alert.AckBy = userID
	ackAt := ts.UTC()
	alert.AckAt = &ackAt

	machineKey := alert.TenantID + "/" + alert.MachineID
	if g.open[machineKey] != nil && g.open[machineKey].ID == alertID {
		delete(g.open, machineKey)
	}

	if g.store != nil {
		if err := g.store.MarkAcknowledged(ctx, alertID, userID, ackAt); err != nil {
			g.logger.Error().Err(err).Str("alert_id", alertID).Msg("failed to persist acknowledgment")
		}
	}

	g.logger.Info().Str("alert_id", alertID).Str("user", userID).Msg("alert acknowledged")
	return nil
}
