package cli

import (
	"github.com/CK6170/loadstone-relay/serial"
	"github.com/CK6170/loadstone-relay/ui"
	"github.com/spf13/cobra"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List local serial ports",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ui.PrintPorts(serial.ListPorts())
		},
	}
}
