package cli

import (
	"github.com/spf13/cobra"

	"machine-watch/internal/app"
)

var (
	simulateTenant  string
	simulateMachine string
	simulateHours   int
	simulateFault   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the pipeline against synthetic readings",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			TenantID:    simulateTenant,
			MachineID:   simulateMachine,
			Hours:       simulateHours,
			InjectFault: simulateFault,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateTenant, "tenant", "demo", "Tenant identifier")
	simulateCmd.Flags().StringVar(&simulateMachine, "machine", "demo-press-01", "Machine identifier")
	simulateCmd.Flags().IntVar(&simulateHours, "hours", 48, "Hours of synthetic history to generate")
	simulateCmd.Flags().BoolVar(&simulateFault, "inject-fault", false, "Degrade vibration and temperature toward the end of the run")
}
