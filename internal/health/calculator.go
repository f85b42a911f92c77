package health

import (
	"errors"
	"math"
	"time"

	"machine-watch/internal/anomaly"
	"machine-watch/internal/sensor"
)

// ErrInsufficientData is returned when the scoring window holds less
// history than the configured minimum. Callers must surface it instead
// of substituting a default score.
var ErrInsufficientData = errors.New("health: insufficient data in scoring window")

// Status buckets a score for display. Kept in exact agreement with the
// dashboard colour-coding policy.
type Status string

const (
	StatusAttention Status = "attention needed"
	StatusModerate  Status = "moderate"
	StatusHealthy   Status = "healthy"
)

// Classify maps a score to its status band.
func Classify(score int) Status {
	switch {
	case score < 70:
		return StatusAttention
	case score <= 85:
		return StatusModerate
	default:
		return StatusHealthy
	}
}

// Record is one computed health score. One record per (machine,
// timestamp); never mutated after creation.
type Record struct {
	TenantID  string
	MachineID string
	Timestamp time.Time
	Score     int
	// Factors holds each channel's penalty magnitude so the score can
	// be explained.
	Factors map[sensor.Channel]float64
}

// optimalRange is the band a channel is expected to operate in; drift
// of the window mean away from its midpoint is penalised.
type optimalRange struct {
	mid  float64
	half float64
}

var optimalRanges = map[sensor.Channel]optimalRange{
	sensor.ChannelVibration:   {mid: 20, half: 20},
	sensor.ChannelTemperature: {mid: 60, half: 40},
	sensor.ChannelLoad:        {mid: 50, half: 30},
}

var channelWeights = map[sensor.Channel]float64{
	sensor.ChannelVibration:   1.5,
	sensor.ChannelTemperature: 1.2,
	sensor.ChannelLoad:        1.0,
}

// Config tunes penalty scaling.
type Config struct {
	MinWindow     time.Duration
	AnomalyWeight float64
	TrendWeight   float64
}

// Calculator produces health scores from recent readings and anomaly
// history. Deterministic: identical inputs always yield the same score.
type Calculator struct {
	cfg Config
}

// NewCalculator constructs a calculator.
func NewCalculator(cfg Config) *Calculator {
	if cfg.MinWindow <= 0 {
		cfg.MinWindow = time.Hour
	}
	if cfg.AnomalyWeight <= 0 {
		cfg.AnomalyWeight = 4
	}
	if cfg.TrendWeight <= 0 {
		cfg.TrendWeight = 20
	}
	return &Calculator{cfg: cfg}
}

// Calculate scores one machine from its recent window. Starts from a
// ceiling of 100, subtracts anomaly and trend penalties per channel,
// and clamps to [0,100].
func (c *Calculator) Calculate(readings []sensor.Reading, anomalies []anomaly.Event) (Record, error) {
	if len(readings) == 0 {
		return Record{}, ErrInsufficientData
	}

	first, last := readings[0].Timestamp, readings[0].Timestamp
	for _, r := range readings[1:] {
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	if last.Sub(first) < c.cfg.MinWindow {
		return Record{}, ErrInsufficientData
	}

	ref := readings[0]
	factors := make(map[sensor.Channel]float64, 3)
	for _, ch := range sensor.Channels() {
		factors[ch] = c.trendPenalty(ch, readings)
	}
	for _, ev := range anomalies {
		penalty := c.anomalyPenalty(ev)
		share := penalty / float64(len(ev.Channels))
		for _, ch := range ev.Channels {
			factors[ch] += share
		}
	}

	total := 0.0
	for _, ch := range sensor.Channels() {
		total += factors[ch]
	}

	score := int(math.Round(clamp(100-total, 0, 100)))

	return Record{
		TenantID:  ref.TenantID,
		MachineID: ref.MachineID,
		Timestamp: last,
		Score:     score,
		Factors:   factors,
	}, nil
}

func (c *Calculator) anomalyPenalty(ev anomaly.Event) float64 {
	severity := math.Min(math.Abs(ev.Deviation), 10)
	weight := 1.0
	for _, ch := range ev.Channels {
		if w := channelWeights[ch]; w > weight {
			weight = w
		}
	}
	return c.cfg.AnomalyWeight * severity * weight / 3
}

func (c *Calculator) trendPenalty(ch sensor.Channel, readings []sensor.Reading) float64 {
	var sum float64
	for _, r := range readings {
		sum += r.Value(ch)
	}
	mean := sum / float64(len(readings))

	band := optimalRanges[ch]
	drift := math.Abs(mean-band.mid) / band.half
	if drift <= 1 {
		return 0
	}
	return c.cfg.TrendWeight * (drift - 1) * channelWeights[ch]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
