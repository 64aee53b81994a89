// Package cli implements loadstonectl, the command line client for a running
// loadstone-server.
package cli

import (
	"os"

	"github.com/CK6170/loadstone-relay/internal/logging"
	"github.com/CK6170/loadstone-relay/ui"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// DefaultServer is where loadstone-server listens by default.
const DefaultServer = "http://127.0.0.1:8000"

type rootOptions struct {
	server  string
	verbose bool

	log    zerolog.Logger
	client *Client
}

// NewRootCmd builds the loadstonectl command tree.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "loadstonectl",
		Short:         "Talk to a Loadstone device through loadstone-server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			opts.log = logging.NewWithWriter(cmd.ErrOrStderr(), "loadstonectl", logging.ProfileCLI)
			if opts.verbose {
				opts.log = opts.log.Level(zerolog.DebugLevel)
			}
			c, err := NewClient(opts.server)
			if err != nil {
				return err
			}
			opts.client = c
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", DefaultServer, "loadstone-server base URL")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(
		newUploadCmd(opts),
		newMetricsCmd(opts),
		newConsoleCmd(opts),
		newPortsCmd(),
		newEmulateCmd(opts),
	)
	return cmd
}

// Execute runs loadstonectl. Exits with code 1 on error.
func Execute() {
	cmd := NewRootCmd()
	cmd.SetErr(ui.NewRedWriter(os.Stderr))
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
