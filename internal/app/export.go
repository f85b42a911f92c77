package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"machine-watch/internal/storage"
)

// Export renders historical sensor and derived data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.TenantID == "" || opts.MachineID == "" {
		return errors.New("--tenant and --machine are required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Pipeline.SampleInterval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	ref := storage.MachineRef{TenantID: opts.TenantID, MachineID: opts.MachineID}
	rows, err := store.ListExportRows(ctx, ref, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no records found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting records")

	if opts.CSVPath != "" {
		if err := WriteExportCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeTrendPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleRows(rows []storage.ExportRow, max int) []storage.ExportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}

	result := make([]storage.ExportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

var exportHeader = []string{"machine_id", "timestamp", "vibration", "temperature", "load", "health_score", "anomaly_flag"}

// WriteExportCSV writes the flat export columns. Values round-trip
// exactly through ReadExportCSV.
func WriteExportCSV(path string, rows []storage.ExportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(exportHeader); err != nil {
		return err
	}

	for _, row := range rows {
		score := ""
		if row.HealthScore != nil {
			score = strconv.Itoa(*row.HealthScore)
		}
		record := []string{
			row.MachineID,
			row.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(row.Vibration, 'g', -1, 64),
			strconv.FormatFloat(row.Temperature, 'g', -1, 64),
			strconv.FormatFloat(row.Load, 'g', -1, 64),
			score,
			strconv.FormatBool(row.AnomalyFlag),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

// ReadExportCSV parses a file written by WriteExportCSV.
func ReadExportCSV(path string) ([]storage.ExportRow, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("export csv is empty")
	}

	rows := make([]storage.ExportRow, 0, len(records)-1)
	for i, record := range records[1:] {
		if len(record) != len(exportHeader) {
			return nil, fmt.Errorf("line %d: expected %d columns, got %d", i+2, len(exportHeader), len(record))
		}

		ts, err := time.Parse(time.RFC3339Nano, record[1])
		if err != nil {
			return nil, fmt.Errorf("line %d: parse timestamp: %w", i+2, err)
		}
		vibration, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse vibration: %w", i+2, err)
		}
		temperature, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse temperature: %w", i+2, err)
		}
		load, err := strconv.ParseFloat(record[4], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: parse load: %w", i+2, err)
		}

		row := storage.ExportRow{
			MachineID:   record[0],
			Timestamp:   ts,
			Vibration:   vibration,
			Temperature: temperature,
			Load:        load,
		}
		if record[5] != "" {
			score, err := strconv.Atoi(record[5])
			if err != nil {
				return nil, fmt.Errorf("line %d: parse health score: %w", i+2, err)
			}
			row.HealthScore = &score
		}
		if record[6] != "" {
			flag, err := strconv.ParseBool(record[6])
			if err != nil {
				return nil, fmt.Errorf("line %d: parse anomaly flag: %w", i+2, err)
			}
			row.AnomalyFlag = flag
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func writeTrendPNG(path string, rows []storage.ExportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	vibration := make([]float64, len(rows))
	scores := make([]float64, len(rows))

	lastScore := 100.0
	for i, row := range rows {
		x[i] = row.Timestamp
		vibration[i] = row.Vibration
		if row.HealthScore != nil {
			lastScore = float64(*row.HealthScore)
		}
		scores[i] = lastScore
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Health Score",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Vibration",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Health",
				XValues: x,
				YValues: scores,
			},
			chart.TimeSeries{
				Name:    "Vibration",
				XValues: x,
				YValues: vibration,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
