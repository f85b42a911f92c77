package risk

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestRegistryPromoteGate(t *testing.T) {
	r := NewRegistry("model-v1", 0.75, nil, zerolog.Nop())
	r.ReportAccuracy(context.Background(), "model-v1", 0.9)

	r.Register("model-v2")
	r.ReportAccuracy(context.Background(), "model-v2", 0.8)

	if err := r.Promote("model-v2"); err == nil {
		t.Fatal("weaker candidate promoted")
	}
	if r.ActiveVersion() != "model-v1" {
		t.Fatalf("active version %s, want model-v1", r.ActiveVersion())
	}

	r.ReportAccuracy(context.Background(), "model-v2", 0.92)
	if err := r.Promote("model-v2"); err != nil {
		t.Fatalf("stronger candidate refused: %v", err)
	}
	if r.ActiveVersion() != "model-v2" {
		t.Fatalf("active version %s, want model-v2", r.ActiveVersion())
	}
}

func TestRegistryPromoteUnknown(t *testing.T) {
	r := NewRegistry("model-v1", 0.75, nil, zerolog.Nop())
	if err := r.Promote("model-v9"); err == nil {
		t.Fatal("unregistered version promoted")
	}
}

func TestRegistryAccuracyAlert(t *testing.T) {
	alerts := 0
	r := NewRegistry("model-v1", 0.75, func(ctx context.Context, component, message string) { alerts++ }, zerolog.Nop())

	r.ReportAccuracy(context.Background(), "model-v1", 0.8)
	if alerts != 0 {
		t.Fatalf("healthy accuracy raised %d alerts", alerts)
	}

	r.ReportAccuracy(context.Background(), "model-v1", 0.6)
	if alerts != 1 {
		t.Fatalf("regressed accuracy raised %d alerts, want 1", alerts)
	}

	// A regressing candidate is not the active version; no alert.
	r.Register("model-v2")
	r.ReportAccuracy(context.Background(), "model-v2", 0.1)
	if alerts != 1 {
		t.Fatalf("candidate regression raised alerts: %d", alerts)
	}
}
