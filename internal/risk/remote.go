package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"machine-watch/internal/feature"
)

// Remote serves predictions through the model capability with the
// failure semantics the pipeline requires: exactly one retry, then the
// last successfully computed record for the machine tagged stale plus a
// system alert. The pipeline never crashes on a dead endpoint.
type Remote struct {
	client   ModelClient
	registry *Registry
	alert    SystemAlertFunc
	logger   zerolog.Logger

	mu       sync.Mutex
	lastGood map[string]Record
}

// NewRemote wraps a model client.
func NewRemote(client ModelClient, registry *Registry, alert SystemAlertFunc, logger zerolog.Logger) *Remote {
	return &Remote{
		client:   client,
		registry: registry,
		alert:    alert,
		logger:   logger.With().Str("component", "risk_predictor").Logger(),
		lastGood: make(map[string]Record),
	}
}

// Predict invokes the active model version and falls back to the cached
// record when the capability is unusable.
func (r *Remote) Predict(ctx context.Context, tenantID, machineID string, ts time.Time, v feature.Vector) (Record, error) {
	if len(v) != feature.Length {
		return Record{}, fmt.Errorf("remote predictor: malformed feature vector length %d", len(v))
	}

	version := r.registry.ActiveVersion()

	result, err := r.client.Infer(ctx, v, version)
	if err != nil {
		r.logger.Warn().Err(err).Str("machine", machineID).Msg("inference failed, retrying once")
		result, err = r.client.Infer(ctx, v, version)
	}
	if err != nil {
		return r.fallback(ctx, tenantID, machineID, err)
	}

	record := Record{
		TenantID:     tenantID,
		MachineID:    machineID,
		Timestamp:    ts,
		Risk24h:      clampPct(result.Risk24h),
		Risk7d:       clampPct(result.Risk7d),
		Risk30d:      clampPct(result.Risk30d),
		Confidence:   clampConfidence(result.Confidence),
		ModelVersion: version,
	}

	r.mu.Lock()
	r.lastGood[tenantID+"/"+machineID] = record
	r.mu.Unlock()

	return record, nil
}

func (r *Remote) fallback(ctx context.Context, tenantID, machineID string, cause error) (Record, error) {
	if r.alert != nil {
		r.alert(ctx, "risk_predictor", fmt.Sprintf("model capability unreachable for machine %s: %v", machineID, cause))
	}

	r.mu.Lock()
	cached, ok := r.lastGood[tenantID+"/"+machineID]
	r.mu.Unlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: no cached record after %v", ErrPredictionUnavailable, cause)
	}

	cached.Stale = true
	r.logger.Warn().Err(cause).Str("machine", machineID).Msg("serving stale cached risk record")
	return cached, nil
}

var _ Predictor = (*Remote)(nil)
