package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/CK6170/loadstone-relay/internal/emulator"
	"github.com/CK6170/loadstone-relay/ui"
	"github.com/charmbracelet/x/term"
	"github.com/creack/pty"
	"github.com/spf13/cobra"
)

func newEmulateCmd(opts *rootOptions) *cobra.Command {
	var devOpts emulator.Options
	cmd := &cobra.Command{
		Use:   "emulate",
		Short: "Expose an emulated device on a pseudo-terminal",
		Long: "Emulate creates a pseudo-terminal that behaves like a Loadstone device and\n" +
			"prints its path; pass that path to loadstone-server.",
		Args:              cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			master, tty, err := pty.Open()
			if err != nil {
				return fmt.Errorf("open pty: %w", err)
			}
			defer master.Close()
			defer tty.Close()

			// The device side must pass bytes through untouched.
			if _, err := term.MakeRaw(tty.Fd()); err != nil {
				return fmt.Errorf("raw mode: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				_ = master.Close()
			}()

			ui.Greenf("Emulated device on %s\n", tty.Name())
			ui.Debugf(opts.verbose, "boot path %q, boot time %d\n", devOpts.BootPath, devOpts.BootTime)

			dev := emulator.New(devOpts, opts.log.With().Str("component", "emulator").Logger())
			err = dev.Serve(ctx, master)
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&devOpts.BootPath, "boot-path", "Direct", "boot path reported by metrics")
	cmd.Flags().IntVar(&devOpts.BootTime, "boot-time", 42, "boot time in ms reported by metrics")
	cmd.Flags().BoolVar(&devOpts.NoMetrics, "no-metrics", false, "report that no boot metrics were relayed")
	cmd.Flags().IntVar(&devOpts.FailAt, "fail-at", 0, "answer FAIL to this chunk (1-based)")
	return cmd
}
