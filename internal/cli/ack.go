package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var ackUser string

var ackCmd = &cobra.Command{
	Use:   "ack <alert-id>",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ackUser == "" {
			return errors.New("--user is required")
		}
		return getApp().Acknowledge(cmd.Context(), args[0], ackUser)
	},
}

func init() {
	ackCmd.Flags().StringVar(&ackUser, "user", "", "User acknowledging the alert")
}
