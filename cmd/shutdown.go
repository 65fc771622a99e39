package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// shutdownCmd represents the shutdown command
var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the udprec daemon",
	Long: `Stop the udprec daemon gracefully.

This command sends daemon_shutdown over the Unix Domain Socket. The daemon
stops any active capture or replay, releases its sockets and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runShutdown(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(shutdownCmd)
}

func runShutdown(ctx context.Context, client ClientInterface, out io.Writer) error {
	if err := client.DaemonShutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down daemon: %w", err)
	}
	fmt.Fprintln(out, "✓ Daemon is shutting down")
	return nil
}
