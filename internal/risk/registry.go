package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Version describes one deployed or candidate model version.
type Version struct {
	Name       string
	Accuracy   float64
	DeployedAt time.Time
}

// Registry tracks model versions. The active version keeps serving
// while a candidate is validated; a candidate replaces it only after
// demonstrating equal-or-better held-out accuracy.
type Registry struct {
	minAccuracy float64
	alert       SystemAlertFunc
	logger      zerolog.Logger

	mu       sync.Mutex
	versions map[string]Version
	active   string
}

// NewRegistry seeds a registry with the initially active version.
func NewRegistry(activeVersion string, minAccuracy float64, alert SystemAlertFunc, logger zerolog.Logger) *Registry {
	r := &Registry{
		minAccuracy: minAccuracy,
		alert:       alert,
		logger:      logger.With().Str("component", "model_registry").Logger(),
		versions:    make(map[string]Version),
		active:      activeVersion,
	}
	r.versions[activeVersion] = Version{Name: activeVersion, DeployedAt: time.Now().UTC()}
	return r
}

// ActiveVersion returns the version currently serving predictions.
func (r *Registry) ActiveVersion() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Register adds a candidate version without activating it.
func (r *Registry) Register(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[name]; !ok {
		r.versions[name] = Version{Name: name, DeployedAt: time.Now().UTC()}
	}
}

// ReportAccuracy records measured accuracy for a version. When the
// active version drops below the configured minimum, a system alert is
// raised.
func (r *Registry) ReportAccuracy(ctx context.Context, name string, accuracy float64) {
	r.mu.Lock()
	v, ok := r.versions[name]
	if !ok {
		v = Version{Name: name, DeployedAt: time.Now().UTC()}
	}
	v.Accuracy = accuracy
	r.versions[name] = v
	isActive := name == r.active
	r.mu.Unlock()

	if isActive && accuracy < r.minAccuracy && r.alert != nil {
		r.alert(ctx, "model_registry", fmt.Sprintf(
			"active model %s accuracy %.2f below minimum %.2f", name, accuracy, r.minAccuracy))
	}
}

// Promote activates a candidate. Refused when the candidate has not
// demonstrated equal-or-better accuracy than the active version.
func (r *Registry) Promote(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidate, ok := r.versions[name]
	if !ok {
		return fmt.Errorf("model version %q not registered", name)
	}
	current := r.versions[r.active]
	if candidate.Accuracy < current.Accuracy {
		return fmt.Errorf("model version %q accuracy %.2f below active %.2f; promotion refused",
			name, candidate.Accuracy, current.Accuracy)
	}

	r.active = name
	r.logger.Info().Str("version", name).Float64("accuracy", candidate.Accuracy).Msg("model version promoted")
	return nil
}
