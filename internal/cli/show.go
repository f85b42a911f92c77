package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"machine-watch/internal/app"
)

var (
	showTenant  string
	showMachine string
	showLimit   int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts and latest risk",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			TenantID:  showTenant,
			MachineID: showMachine,
			Limit:     showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showTenant, "tenant", "", "Tenant identifier")
	showCmd.Flags().StringVar(&showMachine, "machine", "", "Machine identifier (optional, adds latest risk record)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
}
