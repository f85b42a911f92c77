package storage

import (
	"time"
)

// MachineRef identifies one machine inside its tenant boundary. The
// tenant id travels with every read and write; no query crosses it.
type MachineRef struct {
	TenantID  string
	MachineID string
}

// ExportRow is one flattened line of the historical export: raw
// channels joined with the derived health score and anomaly flag.
type ExportRow struct {
	MachineID   string
	Timestamp   time.Time
	Vibration   float64
	Temperature float64
	Load        float64
	HealthScore *int
	AnomalyFlag bool
}
