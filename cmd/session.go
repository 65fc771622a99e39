package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// captureCmd represents the capture command group
var captureCmd = &cobra.Command{
	Use:   "capture",
	Short: "Record UDP traffic in the daemon",
	Long: `Control recording in the udprec daemon.

Subcommands:
  start  - Bind the capture port and start recording
  stop   - Stop recording; the recording becomes the current trace`,
}

var captureStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		var port *int
		if cmd.Flags().Changed("port") {
			port = &capturePort
		}
		return runCaptureStart(cmd.Context(), newClient(), cmd.OutOrStdout(), port)
	},
}

var captureStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop recording",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCaptureStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

// replayCmd represents the replay command group
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the current trace from the daemon",
	Long: `Control replay in the udprec daemon.

Subcommands:
  start  - Send the current trace to host:port with its recorded timing
  stop   - Interrupt an active replay`,
}

var replayStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start replaying",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplayStart(cmd.Context(), newClient(), cmd.OutOrStdout(), replayHost, replayPort)
	},
}

var replayStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop replaying",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplayStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

// stopCmd ends whatever the session is doing.
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the active capture or replay",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd.Context(), newClient(), cmd.OutOrStdout())
	},
}

var (
	capturePort int
	replayHost  string
	replayPort  int
)

func init() {
	captureStartCmd.Flags().IntVarP(&capturePort, "port", "p", 0,
		"UDP port to record (default: capture.port from daemon config, 0 = ephemeral)")
	replayStartCmd.Flags().StringVar(&replayHost, "host", "",
		"target host (default: replay.host from daemon config)")
	replayStartCmd.Flags().IntVarP(&replayPort, "port", "p", 0,
		"target port (default: replay.port from daemon config)")

	captureCmd.AddCommand(captureStartCmd, captureStopCmd)
	replayCmd.AddCommand(replayStartCmd, replayStopCmd)
	rootCmd.AddCommand(captureCmd, replayCmd, stopCmd)
}

func runCaptureStart(ctx context.Context, client ClientInterface, out io.Writer, port *int) error {
	res, err := client.CaptureStart(ctx, port)
	if err != nil {
		return fmt.Errorf("failed to start capture: %w", err)
	}
	fmt.Fprintf(out, "✓ Recording on UDP port %d\n", res.Port)
	return nil
}

func runCaptureStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	sum, err := client.CaptureStop(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	fmt.Fprintf(out, "✓ Captured %d entries over %s\n", sum.Entries, sum.Duration)
	return nil
}

func runReplayStart(ctx context.Context, client ClientInterface, out io.Writer, host string, port int) error {
	res, err := client.ReplayStart(ctx, host, port)
	if err != nil {
		return fmt.Errorf("failed to start replay: %w", err)
	}
	fmt.Fprintf(out, "✓ Replaying to %s\n", res.Target)
	return nil
}

func runReplayStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	st, err := client.ReplayStop(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop replay: %w", err)
	}
	fmt.Fprintf(out, "✓ Replay stopped after %d datagrams\n", st.Sent)
	return nil
}

func runStop(ctx context.Context, client ClientInterface, out io.Writer) error {
	st, err := client.Stop(ctx)
	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	fmt.Fprintf(out, "✓ Session %s\n", st.State)
	return nil
}
