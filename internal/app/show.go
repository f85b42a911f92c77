package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"machine-watch/internal/storage"
)

// Show prints a tenant's recent alerts and, when a machine is given,
// its latest failure risk record.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.TenantID == "" {
		return errors.New("--tenant is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show alerts")
	}
	if closeStore != nil {
		defer closeStore()
	}

	alerts, err := store.ListRecentAlerts(ctx, opts.TenantID, opts.Limit)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Opened (UTC)\tMachine\tSeverity\tTriggers\tMerges\tAck")

		for _, alert := range alerts {
			ack := "-"
			if alert.Acknowledged {
				ack = alert.AckBy
				if alert.AckAt != nil {
					ack += " @ " + alert.AckAt.UTC().Format(time.RFC3339)
				}
			}
			details := make([]string, 0, len(alert.Triggers))
			for _, t := range alert.Triggers {
				details = append(details, sanitizeInline(t.Detail))
			}
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%d\t%s\n",
				alert.OpenedAt.UTC().Format(time.RFC3339),
				alert.MachineID,
				alert.Severity,
				strings.Join(details, "; "),
				alert.MergeCount,
				ack,
			)
		}
		writer.Flush()
	}

	if opts.MachineID == "" {
		return nil
	}

	ref := storage.MachineRef{TenantID: opts.TenantID, MachineID: opts.MachineID}
	rec, err := store.LatestRiskRecord(ctx, ref)
	if err != nil {
		a.Logger.Debug().Err(err).Str("machine", opts.MachineID).Msg("no risk record available")
		return nil
	}

	stale := ""
	if rec.Stale {
		stale = " (stale)"
	}
	fmt.Fprintf(os.Stdout,
		"\nlatest risk for %s%s: 24h=%s%% 7d=%s%% 30d=%s%% confidence=%s model=%s\n",
		rec.MachineID,
		stale,
		rec.Risk24h.StringFixed(1),
		rec.Risk7d.StringFixed(1),
		rec.Risk30d.StringFixed(1),
		rec.Confidence.StringFixed(2),
		rec.ModelVersion,
	)
	return nil
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
