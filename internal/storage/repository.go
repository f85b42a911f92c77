package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"machine-watch/internal/alerting"
	"machine-watch/internal/anomaly"
	"machine-watch/internal/health"
	"machine-watch/internal/risk"
	"machine-watch/internal/sensor"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertReadingSQL = `INSERT INTO sensor_readings (
        tenant_id, machine_id, ts, vibration, temperature, load
    ) VALUES ($1,$2,$3,$4,$5,$6)
    ON CONFLICT (tenant_id, machine_id, ts) DO NOTHING;`

	getWindowSQL = `SELECT tenant_id, machine_id, ts, vibration, temperature, load
    FROM sensor_readings
    WHERE tenant_id = $1 AND machine_id = $2 AND ts >= $3 AND ts <= $4
    ORDER BY ts;`

	earliestReadingSQL = `SELECT MIN(ts) FROM sensor_readings
    WHERE tenant_id = $1 AND machine_id = $2;`

	listActiveMachinesSQL = `SELECT DISTINCT tenant_id, machine_id
    FROM sensor_readings
    WHERE ts >= $1
    ORDER BY tenant_id, machine_id;`

	upsertHealthScoreSQL = `INSERT INTO health_scores (
        tenant_id, machine_id, ts, score, factors
    ) VALUES ($1,$2,$3,$4,$5)
    ON CONFLICT (tenant_id, machine_id, ts) DO UPDATE
    SET score = EXCLUDED.score,
        factors = EXCLUDED.factors;`

	listHealthScoresSQL = `SELECT tenant_id, machine_id, ts, score, factors
    FROM health_scores
    WHERE tenant_id = $1 AND machine_id = $2 AND ts >= $3 AND ts <= $4
    ORDER BY ts;`

	insertAnomalyEventSQL = `INSERT INTO anomaly_events (
        id, tenant_id, machine_id, ts, kind, deviation, channels
    ) VALUES ($1,$2,$3,$4,$5,$6,$7)
    ON CONFLICT (tenant_id, machine_id, ts) DO NOTHING;`

	listAnomalyEventsSQL = `SELECT id, tenant_id, machine_id, ts, kind, deviation, channels
    FROM anomaly_events
    WHERE tenant_id = $1 AND machine_id = $2 AND ts >= $3 AND ts <= $4
    ORDER BY ts;`

	upsertRiskRecordSQL = `INSERT INTO risk_records (
        tenant_id, machine_id, ts, risk_24h, risk_7d, risk_30d, confidence, model_version, stale
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
    ON CONFLICT (tenant_id, machine_id, ts) DO UPDATE
    SET risk_24h = EXCLUDED.risk_24h,
        risk_7d = EXCLUDED.risk_7d,
        risk_30d = EXCLUDED.risk_30d,
        confidence = EXCLUDED.confidence,
        model_version = EXCLUDED.model_version,
        stale = EXCLUDED.stale;`

	insertAlertSQL = `INSERT INTO alerts (
        id, tenant_id, machine_id, severity, triggers, opened_at, merge_count, system, acknowledged, ack_by, ack_at
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
    ON CONFLICT (id) DO NOTHING;`

	updateAlertSQL = `UPDATE alerts
    SET severity = $2, triggers = $3, merge_count = $4
    WHERE id = $1;`

	getAlertSQL = `SELECT id, tenant_id, machine_id, severity, triggers, opened_at, merge_count, system, acknowledged, ack_by, ack_at
    FROM alerts WHERE id = $1;`

	listRecentAlertsSQL = `SELECT id, tenant_id, machine_id, severity, triggers, opened_at, merge_count, system, acknowledged, ack_by, ack_at
    FROM alerts
    WHERE tenant_id = $1
    ORDER BY opened_at DESC
    LIMIT $2;`

	markAcknowledgedSQL = `UPDATE alerts
    SET acknowledged = TRUE, ack_by = $2, ack_at = $3
    WHERE id = $1 AND acknowledged = FALSE;`

	insertRecommendationSQL = `INSERT INTO recommendations (
        id, alert_id, actions, urgency, estimated_time, done, done_at, done_notes
    ) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
    ON CONFLICT (id) DO NOTHING;`

	markRecommendationDoneSQL = `UPDATE recommendations
    SET done = TRUE, done_at = $2, done_notes = $3
    WHERE id = $1 AND done = FALSE;`

	listExportRowsSQL = `SELECT
        r.machine_id,
        r.ts,
        r.vibration,
        r.temperature,
        r.load,
        h.score,
        (a.id IS NOT NULL) AS anomaly_flag
    FROM sensor_readings r
    LEFT JOIN health_scores h
        ON h.tenant_id = r.tenant_id AND h.machine_id = r.machine_id AND h.ts = r.ts
    LEFT JOIN anomaly_events a
        ON a.tenant_id = r.tenant_id AND a.machine_id = r.machine_id AND a.ts = r.ts
    WHERE r.tenant_id = $1 AND r.machine_id = $2 AND r.ts >= $3 AND r.ts <= $4
    ORDER BY r.ts;`

	latestRiskRecordSQL = `SELECT tenant_id, machine_id, ts, risk_24h, risk_7d, risk_30d, confidence, model_version, stale
    FROM risk_records
    WHERE tenant_id = $1 AND machine_id = $2
    ORDER BY ts DESC
    LIMIT 1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore defines window reads over raw sensor readings.
type ReadingStore interface {
	InsertReading(ctx context.Context, r sensor.Reading) error
	GetWindow(ctx context.Context, ref MachineRef, start, end time.Time) ([]sensor.Reading, error)
	GetHistoricalWindow(ctx context.Context, ref MachineRef, days int) ([]sensor.Reading, error)
	EarliestReading(ctx context.Context, ref MachineRef) (time.Time, error)
	ListActiveMachines(ctx context.Context, since time.Time) ([]MachineRef, error)
}

// DerivedStore persists derived analytics records. Writes are keyed by
// (tenant, machine, ts) so at-least-once delivery de-duplicates.
type DerivedStore interface {
	UpsertHealthScore(ctx context.Context, rec health.Record) error
	ListHealthScores(ctx context.Context, ref MachineRef, from, to time.Time) ([]health.Record, error)
	InsertAnomalyEvent(ctx context.Context, ev anomaly.Event) error
	ListAnomalyEvents(ctx context.Context, ref MachineRef, from, to time.Time) ([]anomaly.Event, error)
	UpsertRiskRecord(ctx context.Context, rec risk.Record) error
}

// RecommendationStore persists maintenance recommendations.
type RecommendationStore interface {
	InsertRecommendation(ctx context.Context, alertID string, payload RecommendationRow) error
	MarkRecommendationDone(ctx context.Context, id string, ts time.Time, notes string) error
}

// RecommendationRow is the persistence shape of a recommendation.
type RecommendationRow struct {
	ID            string
	AlertID       string
	Actions       json.RawMessage
	Urgency       string
	EstimatedTime string
	Done          bool
	DoneAt        *time.Time
	DoneNotes     string
}

// AdvisoryLocker exposes advisory lock helpers for singleton jobs.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates Postgres access for readings and derived records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

// InsertReading persists one validated sensor reading.
func (s *Store) InsertReading(ctx context.Context, r sensor.Reading) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, insertReadingSQL,
		r.TenantID, r.MachineID, r.Timestamp, r.Vibration, r.Temperature, r.Load,
	); execErr != nil {
		return fmt.Errorf("insert reading: %w", execErr)
	}
	return nil
}

// GetWindow returns readings within [start, end] inclusive, ascending.
func (s *Store) GetWindow(ctx context.Context, ref MachineRef, start, end time.Time) ([]sensor.Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, getWindowSQL, ref.TenantID, ref.MachineID, start, end)
	if queryErr != nil {
		return nil, fmt.Errorf("get reading window: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]sensor.Reading, 0)
	for rows.Next() {
		var r sensor.Reading
		if err := rows.Scan(&r.TenantID, &r.MachineID, &r.Timestamp, &r.Vibration, &r.Temperature, &r.Load); err != nil {
			return nil, err
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}

// GetHistoricalWindow returns the trailing history for baseline recompute.
func (s *Store) GetHistoricalWindow(ctx context.Context, ref MachineRef, days int) ([]sensor.Reading, error) {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -days)
	return s.GetWindow(ctx, ref, start, end)
}

// EarliestReading returns the first recorded timestamp for a machine.
func (s *Store) EarliestReading(ctx context.Context, ref MachineRef) (time.Time, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, err
	}

	var earliest sql.NullTime
	if scanErr := pool.QueryRow(ctx, earliestReadingSQL, ref.TenantID, ref.MachineID).Scan(&earliest); scanErr != nil {
		return time.Time{}, fmt.Errorf("earliest reading: %w", scanErr)
	}
	if !earliest.Valid {
		return time.Time{}, pgx.ErrNoRows
	}
	return earliest.Time, nil
}

// ListActiveMachines lists machines with readings since the given time.
func (s *Store) ListActiveMachines(ctx context.Context, since time.Time) ([]MachineRef, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listActiveMachinesSQL, since)
	if queryErr != nil {
		return nil, fmt.Errorf("list active machines: %w", queryErr)
	}
	defer rows.Close()

	refs := make([]MachineRef, 0)
	for rows.Next() {
		var ref MachineRef
		if err := rows.Scan(&ref.TenantID, &ref.MachineID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpsertHealthScore persists a health score record idempotently.
func (s *Store) UpsertHealthScore(ctx context.Context, rec health.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	factors, err := json.Marshal(rec.Factors)
	if err != nil {
		return fmt.Errorf("marshal factors: %w", err)
	}

	if _, execErr := pool.Exec(ctx, upsertHealthScoreSQL,
		rec.TenantID, rec.MachineID, rec.Timestamp, rec.Score, factors,
	); execErr != nil {
		return fmt.Errorf("upsert health score: %w", execErr)
	}
	return nil
}

// ListHealthScores returns health records within a window, ascending.
func (s *Store) ListHealthScores(ctx context.Context, ref MachineRef, from, to time.Time) ([]health.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHealthScoresSQL, ref.TenantID, ref.MachineID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list health scores: %w", queryErr)
	}
	defer rows.Close()

	records := make([]health.Record, 0)
	for rows.Next() {
		var rec health.Record
		var factors []byte
		if err := rows.Scan(&rec.TenantID, &rec.MachineID, &rec.Timestamp, &rec.Score, &factors); err != nil {
			return nil, err
		}
		if len(factors) > 0 {
			if err := json.Unmarshal(factors, &rec.Factors); err != nil {
				return nil, fmt.Errorf("unmarshal factors: %w", err)
			}
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// InsertAnomalyEvent persists an anomaly event; duplicates by
// (tenant, machine, ts) are ignored for replay tolerance.
func (s *Store) InsertAnomalyEvent(ctx context.Context, ev anomaly.Event) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	channels, err := json.Marshal(ev.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}

	if _, execErr := pool.Exec(ctx, insertAnomalyEventSQL,
		ev.ID, ev.TenantID, ev.MachineID, ev.Timestamp, string(ev.Kind), ev.Deviation, channels,
	); execErr != nil {
		return fmt.Errorf("insert anomaly event: %w", execErr)
	}
	return nil
}

// ListAnomalyEvents returns anomaly events within a window, ascending.
func (s *Store) ListAnomalyEvents(ctx context.Context, ref MachineRef, from, to time.Time) ([]anomaly.Event, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listAnomalyEventsSQL, ref.TenantID, ref.MachineID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list anomaly events: %w", queryErr)
	}
	defer rows.Close()

	events := make([]anomaly.Event, 0)
	for rows.Next() {
		var (
			ev       anomaly.Event
			kind     string
			channels []byte
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.MachineID, &ev.Timestamp, &kind, &ev.Deviation, &channels); err != nil {
			return nil, err
		}
		ev.Kind = anomaly.Kind(kind)
		if len(channels) > 0 {
			if err := json.Unmarshal(channels, &ev.Channels); err != nil {
				return nil, fmt.Errorf("unmarshal channels: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertRiskRecord persists a failure risk record idempotently. Horizon
// percentages and confidence travel as exact decimal strings.
func (s *Store) UpsertRiskRecord(ctx context.Context, rec risk.Record) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, upsertRiskRecordSQL,
		rec.TenantID,
		rec.MachineID,
		rec.Timestamp,
		rec.Risk24h.String(),
		rec.Risk7d.String(),
		rec.Risk30d.String(),
		rec.Confidence.String(),
		rec.ModelVersion,
		rec.Stale,
	); execErr != nil {
		return fmt.Errorf("upsert risk record: %w", execErr)
	}
	return nil
}

// LatestRiskRecord returns the most recent risk record for a machine.
func (s *Store) LatestRiskRecord(ctx context.Context, ref MachineRef) (risk.Record, error) {
	pool, err := s.getPool()
	if err != nil {
		return risk.Record{}, err
	}

	var rec risk.Record
	var r24, r7, r30, conf string
	if scanErr := pool.QueryRow(ctx, latestRiskRecordSQL, ref.TenantID, ref.MachineID).Scan(
		&rec.TenantID, &rec.MachineID, &rec.Timestamp, &r24, &r7, &r30, &conf, &rec.ModelVersion, &rec.Stale,
	); scanErr != nil {
		return risk.Record{}, fmt.Errorf("latest risk record: %w", scanErr)
	}

	if rec.Risk24h, err = parseDecimal(r24, "risk_24h"); err != nil {
		return risk.Record{}, err
	}
	if rec.Risk7d, err = parseDecimal(r7, "risk_7d"); err != nil {
		return risk.Record{}, err
	}
	if rec.Risk30d, err = parseDecimal(r30, "risk_30d"); err != nil {
		return risk.Record{}, err
	}
	if rec.Confidence, err = parseDecimal(conf, "confidence"); err != nil {
		return risk.Record{}, err
	}
	return rec, nil
}

// InsertAlert persists a freshly opened alert.
func (s *Store) InsertAlert(ctx context.Context, alert alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	triggers, err := json.Marshal(alert.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}

	if _, execErr := pool.Exec(ctx, insertAlertSQL,
		alert.ID,
		alert.TenantID,
		alert.MachineID,
		string(alert.Severity),
		triggers,
		alert.OpenedAt,
		alert.MergeCount,
		alert.System,
		alert.Acknowledged,
		alert.AckBy,
		alert.AckAt,
	); execErr != nil {
		return fmt.Errorf("insert alert: %w", execErr)
	}
	return nil
}

// UpdateAlert persists consolidation changes (severity, triggers,
// merge count). Acknowledgment state is written only by
// MarkAcknowledged.
func (s *Store) UpdateAlert(ctx context.Context, alert alerting.Alert) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	triggers, err := json.Marshal(alert.Triggers)
	if err != nil {
		return fmt.Errorf("marshal triggers: %w", err)
	}

	if _, execErr := pool.Exec(ctx, updateAlertSQL,
		alert.ID, string(alert.Severity), triggers, alert.MergeCount,
	); execErr != nil {
		return fmt.Errorf("update alert: %w", execErr)
	}
	return nil
}

// GetAlert loads one alert by id.
func (s *Store) GetAlert(ctx context.Context, id string) (alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return alerting.Alert{}, err
	}

	alert, scanErr := scanAlert(pool.QueryRow(ctx, getAlertSQL, id))
	if scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return alerting.Alert{}, alerting.ErrNotFound
		}
		return alerting.Alert{}, fmt.Errorf("get alert: %w", scanErr)
	}
	return alert, nil
}

// ListRecentAlerts lists a tenant's most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, tenantID string, limit int) ([]alerting.Alert, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, tenantID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]alerting.Alert, 0, limit)
	for rows.Next() {
		alert, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, alert)
	}
	return alerts, rows.Err()
}

// MarkAcknowledged records the one-time acknowledgment transition.
func (s *Store) MarkAcknowledged(ctx context.Context, id, user string, ts time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, markAcknowledgedSQL, id, user, ts)
	if execErr != nil {
		return fmt.Errorf("mark acknowledged: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return alerting.ErrAlreadyAcknowledged
	}
	return nil
}

// InsertRecommendation persists a recommendation row.
func (s *Store) InsertRecommendation(ctx context.Context, alertID string, row RecommendationRow) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	if _, execErr := pool.Exec(ctx, insertRecommendationSQL,
		row.ID, alertID, row.Actions, row.Urgency, row.EstimatedTime, row.Done, row.DoneAt, row.DoneNotes,
	); execErr != nil {
		return fmt.Errorf("insert recommendation: %w", execErr)
	}
	return nil
}

// MarkRecommendationDone records completion once.
func (s *Store) MarkRecommendationDone(ctx context.Context, id string, ts time.Time, notes string) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	cmdTag, execErr := pool.Exec(ctx, markRecommendationDoneSQL, id, ts, notes)
	if execErr != nil {
		return fmt.Errorf("mark recommendation done: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ListExportRows joins readings with derived records for export.
func (s *Store) ListExportRows(ctx context.Context, ref MachineRef, from, to time.Time) ([]ExportRow, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listExportRowsSQL, ref.TenantID, ref.MachineID, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list export rows: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ExportRow, 0)
	for rows.Next() {
		var (
			row   ExportRow
			score sql.NullInt64
		)
		if err := rows.Scan(&row.MachineID, &row.Timestamp, &row.Vibration, &row.Temperature, &row.Load, &score, &row.AnomalyFlag); err != nil {
			return nil, err
		}
		if score.Valid {
			v := int(score.Int64)
			row.HealthScore = &v
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// parseDecimal converts a stored numeric string back into a decimal.
func parseDecimal(v string, field string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

func scanAlert(row pgx.Row) (alerting.Alert, error) {
	var (
		alert    alerting.Alert
		severity string
		triggers []byte
		ackBy    sql.NullString
		ackAt    sql.NullTime
	)
	if err := row.Scan(
		&alert.ID,
		&alert.TenantID,
		&alert.MachineID,
		&severity,
		&triggers,
		&alert.OpenedAt,
		&alert.MergeCount,
		&alert.System,
		&alert.Acknowledged,
		&ackBy,
		&ackAt,
	); err != nil {
		return alerting.Alert{}, err
	}

	alert.Severity = alerting.Severity(severity)
	if len(triggers) > 0 {
		if err := json.Unmarshal(triggers, &alert.Triggers); err != nil {
			return alerting.Alert{}, fmt.Errorf("unmarshal triggers: %w", err)
		}
	}
	if ackBy.Valid {
		alert.AckBy = ackBy.String
	}
	if ackAt.Valid {
		t := ackAt.Time
		alert.AckAt = &t
	}
	return alert, nil
}
