package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/udprec/internal/command"
	"firestige.xyz/udprec/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long: `Query the udprec daemon for its overall status.

Shows: pid, uptime, session state, the current trace and engine counters.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd.Context(), newClient(), cmd.OutOrStdout(), outputFormat)
	},
}

func init() {
	statusCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text/json/yaml")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, client ClientInterface, out io.Writer, format string) error {
	st, err := client.DaemonStatus(ctx)
	if err != nil {
		return fmt.Errorf("daemon is not running or socket is inaccessible: %w", err)
	}
	return printResult(out, format, st, func(w io.Writer) { printDaemonStatus(w, st) })
}

func printDaemonStatus(w io.Writer, st command.DaemonStatus) {
	fmt.Fprintf(w, "Daemon:    %s (pid %d, up %s)\n", st.Status, st.PID, time.Duration(st.UptimeSec)*time.Second)
	printSessionStatus(w, st.Session)
}

func printSessionStatus(w io.Writer, s session.Status) {
	fmt.Fprintf(w, "State:     %s\n", s.State)
	fmt.Fprintf(w, "Variant:   %s\n", s.Variant)
	switch s.State {
	case session.Recording:
		fmt.Fprintf(w, "Port:      %d\n", s.Port)
		fmt.Fprintf(w, "Received:  %d (%d errors)\n", s.Received, s.Errors)
		fmt.Fprintf(w, "Entries:   %d over %s\n", s.Entries, s.Duration)
	case session.Replaying:
		fmt.Fprintf(w, "Target:    %s\n", s.Target)
		fmt.Fprintf(w, "Progress:  %d/%d sent (%d errors)\n", s.Sent, s.Entries, s.Errors)
	default:
		if !s.HasTrace {
			fmt.Fprintln(w, "Trace:     none")
			return
		}
		fmt.Fprintf(w, "Trace:     %d entries over %s\n", s.Entries, s.Duration)
	}
}
