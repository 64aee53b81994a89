package cli

import (
	"encoding/json"
	"fmt"

	"github.com/CK6170/loadstone-relay/ui"
	"github.com/spf13/cobra"
)

func newMetricsCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show the device's boot time and boot path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := opts.client.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				return enc.Encode(rec)
			}
			ui.PrintMetrics(rec)
			if !rec.OK() {
				return fmt.Errorf("metrics unavailable: %s error", rec.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw metrics record")
	return cmd
}
