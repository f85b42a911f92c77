package recommend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"machine-watch/internal/alerting"
	"machine-watch/internal/sensor"
)

// ErrAlreadyCompleted is returned on a second completion attempt.
var ErrAlreadyCompleted = errors.New("recommend: recommendation already completed")

// Action is one concrete maintenance step with parallel English and
// Hindi text, both populated at creation.
type Action struct {
	Channel sensor.Channel
	TextEN  string
	TextHI  string
}

// Recommendation carries the maintenance guidance attached to an
// alert. Mutable only in its completion state.
type Recommendation struct {
	ID      string
	AlertID string
	Actions []Action
	// Urgency and EstimatedTime are mandatory when the alert is High
	// severity.
	Urgency       string
	EstimatedTime string

	Done      bool
	DoneAt    *time.Time
	DoneNotes string
}

// Complete marks the recommendation done exactly once.
func (r *Recommendation) Complete(ts time.Time, notes string) error {
	if r.Done {
		return ErrAlreadyCompleted
	}
	r.Done = true
	doneAt := ts.UTC()
	r.DoneAt = &doneAt
	r.DoneNotes = notes
	return nil
}

type guidance struct {
	en  string
	hi  string
	eta string
}

var guidanceByChannel = map[sensor.Channel]guidance{
	sensor.ChannelVibration: {
		en:  "Inspect bearings and verify lubrication; replace worn bearings if play is detected.",
		hi:  "बेयरिंग की जांच करें और स्नेहन सत्यापित करें; ढीलापन मिलने पर घिसे बेयरिंग बदलें।",
		eta: "2h",
	},
	sensor.ChannelTemperature: {
		en:  "Check cooling system and ventilation paths; clear blocked airflow and verify coolant levels.",
		hi:  "कूलिंग सिस्टम और वेंटिलेशन मार्गों की जांच करें; अवरुद्ध वायु प्रवाह साफ करें और कूलेंट स्तर सत्यापित करें।",
		eta: "1h30m",
	},
	sensor.ChannelLoad: {
		en:  "Inspect power supply and mechanical balance; confirm the machine is not overloaded.",
		hi:  "बिजली आपूर्ति और यांत्रिक संतुलन की जांच करें; पुष्टि करें कि मशीन अधिभारित नहीं है।",
		eta: "1h",
	},
}

var generalGuidance = guidance{
	en:  "Schedule a comprehensive inspection; elevated failure risk without a single dominant channel.",
	hi:  "व्यापक निरीक्षण निर्धारित करें; किसी एक प्रमुख चैनल के बिना विफलता जोखिम बढ़ा हुआ है।",
	eta: "3h",
}

// Resolver maps an alert's triggering channel set to maintenance
// guidance. Deterministic: combined triggers yield the union of the
// per-channel recommendations.
type Resolver struct {
	logger zerolog.Logger
}

// NewResolver constructs a resolver.
func NewResolver(logger zerolog.Logger) *Resolver {
	return &Resolver{logger: logger.With().Str("component", "recommendation_resolver").Logger()}
}

// Resolve builds the recommendation for an alert. High-severity alerts
// must carry urgency and an estimated time; their absence is a
// construction error and surfaces as one.
func (r *Resolver) Resolve(alert alerting.Alert) (Recommendation, error) {
	channels := alert.ChannelSet()

	var actions []Action
	longestETA := ""
	for _, ch := range channels {
		g := guidanceByChannel[ch]
		actions = append(actions, Action{Channel: ch, TextEN: g.en, TextHI: g.hi})
		longestETA = laterETA(longestETA, g.eta)
	}
	if len(actions) == 0 {
		actions = append(actions, Action{TextEN: generalGuidance.en, TextHI: generalGuidance.hi})
		longestETA = generalGuidance.eta
	}

	rec := Recommendation{
		ID:      uuid.NewString(),
		AlertID: alert.ID,
		Actions: actions,
	}

	if alert.Severity == alerting.SeverityHigh {
		rec.Urgency = "immediate"
		rec.EstimatedTime = longestETA
	}

	if err := rec.validate(alert.Severity); err != nil {
		return Recommendation{}, err
	}

	r.logger.Debug().
		Str("alert_id", alert.ID).
		Int("actions", len(actions)).
		Str("urgency", rec.Urgency).
		Msg("recommendation resolved")
	return rec, nil
}

func (r Recommendation) validate(severity alerting.Severity) error {
	if len(r.Actions) == 0 {
		return fmt.Errorf("recommendation for alert %s has no actions", r.AlertID)
	}
	for _, a := range r.Actions {
		if a.TextEN == "" || a.TextHI == "" {
			return fmt.Errorf("recommendation for alert %s missing bilingual text", r.AlertID)
		}
	}
	if severity == alerting.SeverityHigh && (r.Urgency == "" || r.EstimatedTime == "") {
		return fmt.Errorf("high severity recommendation for alert %s requires urgency and estimated time", r.AlertID)
	}
	return nil
}

func laterETA(a, b string) string {
	da, errA := time.ParseDuration(a)
	db, errB := time.ParseDuration(b)
	if errA != nil {
		return b
	}
	if errB != nil {
		return a
	}
	if db > da {
		return b
	}
	return a
}

// Messages renders the bilingual notification text for an alert and
// its recommendation.
func Messages(alert alerting.Alert, rec Recommendation) (string, string) {
	var en, hi strings.Builder

	en.WriteString(fmt.Sprintf("[Machine Alert] %s severity on %s\n", alert.Severity, alert.MachineID))
	hi.WriteString(fmt.Sprintf("[मशीन चेतावनी] %s पर %s गंभीरता\n", alert.MachineID, alert.Severity))

	for _, t := range alert.Triggers {
		en.WriteString("- " + t.Detail + "\n")
		hi.WriteString("- " + t.Detail + "\n")
	}
	for _, a := range rec.Actions {
		en.WriteString("Action: " + a.TextEN + "\n")
		hi.WriteString("कार्रवाई: " + a.TextHI + "\n")
	}
	if rec.Urgency != "" {
		en.WriteString(fmt.Sprintf("Urgency: %s, estimated time: %s\n", rec.Urgency, rec.EstimatedTime))
		hi.WriteString(fmt.Sprintf("तात्कालिकता: %s, अनुमानित समय: %s\n", rec.Urgency, rec.EstimatedTime))
	}

	return en.String(), hi.String()
}
