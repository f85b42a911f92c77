package alerting

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"machine-watch/internal/anomaly"
	"machine-watch/internal/health"
	"machine-watch/internal/risk"
	"machine-watch/internal/sensor"
)

var evalTime = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func newTestGenerator(cfg Config) *Generator {
	return NewGenerator(cfg, nil, zerolog.Nop())
}

func riskRecord(pct24 float64) *risk.Record {
	return &risk.Record{
		TenantID:  "t1",
		MachineID: "m1",
		Timestamp: evalTime,
		Risk24h:   decimal.NewFromFloat(pct24),
	}
}

func healthRecord(score int) *health.Record {
	return &health.Record{TenantID: "t1", MachineID: "m1", Timestamp: evalTime, Score: score}
}

func anomalyEvent(dev float64) *anomaly.Event {
	return &anomaly.Event{
		ID:        "ev-1",
		TenantID:  "t1",
		MachineID: "m1",
		Timestamp: evalTime,
		Kind:      anomaly.KindVibration,
		Deviation: dev,
		Channels:  []sensor.Channel{sensor.ChannelVibration},
	}
}

func input(ts time.Time) Input {
	return Input{TenantID: "t1", MachineID: "m1", Timestamp: ts}
}

func TestEvaluateHighOnRisk(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Risk = riskRecord(75)
	in.Anomaly = anomalyEvent(2) // below the high-deviation threshold

	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, SeverityHigh, alert.Severity)
	require.Len(t, alert.Triggers, 1)
	require.Equal(t, TriggerFailureRisk, alert.Triggers[0].Kind)
}

func TestEvaluateHighOnDeviation(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Anomaly = anomalyEvent(-4.5)

	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, SeverityHigh, alert.Severity)
	require.Equal(t, []sensor.Channel{sensor.ChannelVibration}, alert.ChannelSet())
}

func TestEvaluateMediumOnHealth(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Health = healthRecord(55)
	in.Risk = riskRecord(20)

	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, SeverityMedium, alert.Severity)
}

func TestEvaluateMediumOnRiskBand(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Risk = riskRecord(40) // inclusive lower bound of the medium band

	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, alert)
	require.Equal(t, SeverityMedium, alert.Severity)

	// 70 exactly is still medium; high requires strictly above.
	g2 := newTestGenerator(Config{})
	in2 := input(evalTime)
	in2.Risk = riskRecord(70)
	alert2, err := g2.Evaluate(context.Background(), in2)
	require.NoError(t, err)
	require.NotNil(t, alert2)
	require.Equal(t, SeverityMedium, alert2.Severity)
}

func TestEvaluateNoRuleFires(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Health = healthRecord(90)
	in.Risk = riskRecord(10)

	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Nil(t, alert)
}

func TestConsolidationMergesWithinWindow(t *testing.T) {
	g := newTestGenerator(Config{MergeWindow: time.Hour})

	first := input(evalTime)
	first.Health = healthRecord(55)
	opened, err := g.Evaluate(context.Background(), first)
	require.NoError(t, err)
	require.NotNil(t, opened)

	second := input(evalTime.Add(30 * time.Minute))
	second.Risk = riskRecord(80)
	merged, err := g.Evaluate(context.Background(), second)
	require.NoError(t, err)
	require.NotNil(t, merged)

	require.Equal(t, opened.ID, merged.ID)
	require.Equal(t, 1, merged.MergeCount)
	require.Equal(t, SeverityHigh, merged.Severity, "severity escalates to the highest merged trigger")
	require.Len(t, merged.Triggers, 2)
	require.Equal(t, evalTime, merged.OpenedAt, "merge window stays keyed on the opening timestamp")
}

func TestConsolidationWindowExpires(t *testing.T) {
	g := newTestGenerator(Config{MergeWindow: time.Hour})

	first := input(evalTime)
	first.Health = healthRecord(55)
	opened, err := g.Evaluate(context.Background(), first)
	require.NoError(t, err)

	late := input(evalTime.Add(2 * time.Hour))
	late.Health = healthRecord(50)
	fresh, err := g.Evaluate(context.Background(), late)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	require.NotEqual(t, opened.ID, fresh.ID)
	require.Equal(t, 0, fresh.MergeCount)
}

func TestConsolidationMergeCap(t *testing.T) {
	g := newTestGenerator(Config{MergeWindow: time.Hour, MaxMerges: 2})

	in := input(evalTime)
	in.Health = healthRecord(55)
	opened, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		next := input(evalTime.Add(time.Duration(i) * time.Minute))
		next.Health = healthRecord(55)
		merged, err := g.Evaluate(context.Background(), next)
		require.NoError(t, err)
		require.Equal(t, opened.ID, merged.ID)
	}

	over := input(evalTime.Add(3 * time.Minute))
	over.Health = healthRecord(55)
	fresh, err := g.Evaluate(context.Background(), over)
	require.NoError(t, err)
	require.NotEqual(t, opened.ID, fresh.ID, "capped alert stops absorbing")
}

func TestAcknowledgeOnce(t *testing.T) {
	g := newTestGenerator(Config{})

	in := input(evalTime)
	in.Health = healthRecord(55)
	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)

	ackTime := evalTime.Add(5 * time.Minute)
	require.NoError(t, g.Acknowledge(context.Background(), alert.ID, "operator-1", ackTime))
	require.True(t, alert.Acknowledged)
	require.Equal(t, "operator-1", alert.AckBy)
	require.NotNil(t, alert.AckAt)

	err = g.Acknowledge(context.Background(), alert.ID, "operator-2", ackTime.Add(time.Minute))
	require.ErrorIs(t, err, ErrAlreadyAcknowledged)
	require.Equal(t, "operator-1", alert.AckBy, "second acknowledgment must not overwrite the first")
}

func TestAcknowledgedAlertStopsAbsorbing(t *testing.T) {
	g := newTestGenerator(Config{MergeWindow: time.Hour})

	in := input(evalTime)
	in.Health = healthRecord(55)
	alert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NoError(t, g.Acknowledge(context.Background(), alert.ID, "operator-1", evalTime.Add(time.Minute)))

	next := input(evalTime.Add(10 * time.Minute))
	next.Health = healthRecord(50)
	fresh, err := g.Evaluate(context.Background(), next)
	require.NoError(t, err)
	require.NotNil(t, fresh)
	require.NotEqual(t, alert.ID, fresh.ID)
}

func TestAcknowledgeUnknownAlert(t *testing.T) {
	g := newTestGenerator(Config{})
	err := g.Acknowledge(context.Background(), "missing", "operator-1", evalTime)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMachinesDoNotShareAlerts(t *testing.T) {
	g := newTestGenerator(Config{MergeWindow: time.Hour})

	a := input(evalTime)
	a.Health = healthRecord(55)
	first, err := g.Evaluate(context.Background(), a)
	require.NoError(t, err)

	b := Input{TenantID: "t1", MachineID: "m2", Timestamp: evalTime.Add(time.Minute), Health: healthRecord(55)}
	second, err := g.Evaluate(context.Background(), b)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	// Same machine id under a different tenant is a different machine.
	c := Input{TenantID: "t2", MachineID: "m1", Timestamp: evalTime.Add(time.Minute), Health: healthRecord(55)}
	third, err := g.Evaluate(context.Background(), c)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, third.ID)
}

func TestRaiseSystemAlert(t *testing.T) {
	g := newTestGenerator(Config{})

	alert := g.RaiseSystem(context.Background(), "risk_predictor", "model capability unreachable")
	require.NotNil(t, alert)
	require.True(t, alert.System)
	require.Equal(t, SeverityHigh, alert.Severity)
	require.Equal(t, "system", alert.TenantID)

	// System alerts never join machine consolidation.
	in := input(evalTime)
	in.Health = healthRecord(55)
	machineAlert, err := g.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.NotEqual(t, alert.ID, machineAlert.ID)
}
