package alerting

import (
	"errors"
	"time"

	"machine-watch/internal/sensor"
)

// ErrAlreadyAcknowledged is returned on a second acknowledgment so
// racing callers can detect that they lost.
var ErrAlreadyAcknowledged = errors.New("alerting: alert already acknowledged")

// ErrNotFound is returned when an alert id is unknown.
var ErrNotFound = errors.New("alerting: alert not found")

// Severity orders alerts for routing and display.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

var severityRank = map[Severity]int{
	SeverityLow:    1,
	SeverityMedium: 2,
	SeverityHigh:   3,
}

// maxSeverity returns the higher of two severities.
func maxSeverity(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// TriggerKind names the upstream record class a condition fired on.
type TriggerKind string

const (
	TriggerHealthScore TriggerKind = "health_score"
	TriggerFailureRisk TriggerKind = "failure_risk"
	TriggerAnomaly     TriggerKind = "anomaly"
)

// Trigger references one condition that fired. Triggers accumulate on
// an alert during consolidation.
type Trigger struct {
	Kind      TriggerKind
	RefID     string
	Timestamp time.Time
	Channels  []sensor.Channel
	Detail    string
}

// Alert is the consolidated record delivered to operators. Only the
// acknowledgment fields mutate after creation, exactly once.
type Alert struct {
	ID         string
	TenantID   string
	MachineID  string
	Severity   Severity
	Triggers   []Trigger
	OpenedAt   time.Time
	MergeCount int
	// System marks platform-level alerts (model capability failures,
	// accuracy regressions) as opposed to machine condition alerts.
	System bool

	Acknowledged bool
	AckBy        string
	AckAt        *time.Time
}

// ChannelSet returns the union of channels across all triggers, in
// sensor.Channels() order.
func (a Alert) ChannelSet() []sensor.Channel {
	present := make(map[sensor.Channel]bool)
	for _, t := range a.Triggers {
		for _, ch := range t.Channels {
			present[ch] = true
		}
	}
	out := make([]sensor.Channel, 0, len(present))
	for _, ch := range sensor.Channels() {
		if present[ch] {
			out = append(out, ch)
		}
	}
	return out
}
