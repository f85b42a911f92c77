package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"machine-watch/internal/app"
)

var (
	backfillTenant  string
	backfillMachine string
	backfillFrom    string
	backfillTo      string
	backfillDryRun  bool
)

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Replay stored readings through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		if backfillFrom == "" || backfillTo == "" {
			return fmt.Errorf("--from and --to must be provided")
		}

		from, err := time.Parse(time.RFC3339, backfillFrom)
		if err != nil {
			return fmt.Errorf("invalid --from value: %w", err)
		}

		to, err := time.Parse(time.RFC3339, backfillTo)
		if err != nil {
			return fmt.Errorf("invalid --to value: %w", err)
		}

		opts := app.BackfillOptions{
			TenantID:  backfillTenant,
			MachineID: backfillMachine,
			From:      from,
			To:        to,
			DryRun:    backfillDryRun,
		}

		return getApp().Backfill(cmd.Context(), opts)
	},
}

func init() {
	backfillCmd.Flags().StringVar(&backfillTenant, "tenant", "", "Tenant identifier")
	backfillCmd.Flags().StringVar(&backfillMachine, "machine", "", "Machine identifier")
	backfillCmd.Flags().StringVar(&backfillFrom, "from", "", "Start timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().StringVar(&backfillTo, "to", "", "End timestamp (RFC3339, inclusive)")
	backfillCmd.Flags().BoolVar(&backfillDryRun, "dry-run", false, "Report the replay plan without evaluating buckets")
}
