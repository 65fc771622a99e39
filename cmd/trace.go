package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// traceCmd represents the trace command group
var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Manage the daemon's current trace",
	Long: `Load, save, export and import the udprec daemon's current trace.

Paths are resolved by the daemon, not by this client.

Subcommands:
  load    - Replace the current trace with a trace file
  save    - Write the current trace to a trace file
  export  - Write the current trace as a pcap file
  import  - Replace the current trace with UDP traffic from a pcap file
  info    - Summarize the current trace`,
}

var traceLoadCmd = &cobra.Command{
	Use:   "load <path>",
	Short: "Load a trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceLoad(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var traceSaveCmd = &cobra.Command{
	Use:   "save <path>",
	Short: "Save the current trace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceSave(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0])
	},
}

var traceExportCmd = &cobra.Command{
	Use:   "export <path>",
	Short: "Export the current trace as pcap",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceExport(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0], tracePort)
	},
}

var traceImportCmd = &cobra.Command{
	Use:   "import <path>",
	Short: "Import UDP traffic from a pcap file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceImport(cmd.Context(), newClient(), cmd.OutOrStdout(), args[0], tracePort)
	},
}

var traceInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the current trace",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTraceInfo(cmd.Context(), newClient(), cmd.OutOrStdout(), outputFormat)
	},
}

var tracePort int

func init() {
	traceExportCmd.Flags().IntVarP(&tracePort, "port", "p", 0,
		"UDP port written into the frames (default: export.port from daemon config)")
	traceImportCmd.Flags().IntVarP(&tracePort, "port", "p", 0,
		"keep only datagrams to or from this port (0 = any)")
	traceInfoCmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "output format: text/json/yaml")

	traceCmd.AddCommand(traceLoadCmd, traceSaveCmd, traceExportCmd, traceImportCmd, traceInfoCmd)
	rootCmd.AddCommand(traceCmd)
}

func runTraceLoad(ctx context.Context, client ClientInterface, out io.Writer, path string) error {
	sum, err := client.TraceLoad(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to load trace: %w", err)
	}
	fmt.Fprintf(out, "✓ Loaded %d entries from %s\n", sum.Entries, path)
	return nil
}

func runTraceSave(ctx context.Context, client ClientInterface, out io.Writer, path string) error {
	res, err := client.TraceSave(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to save trace: %w", err)
	}
	fmt.Fprintf(out, "✓ Saved %d entries to %s\n", res.Entries, res.Path)
	return nil
}

func runTraceExport(ctx context.Context, client ClientInterface, out io.Writer, path string, port int) error {
	res, err := client.TraceExport(ctx, path, port)
	if err != nil {
		return fmt.Errorf("failed to export trace: %w", err)
	}
	fmt.Fprintf(out, "✓ Exported %d entries to %s (port %d)\n", res.Entries, res.Path, res.Port)
	return nil
}

func runTraceImport(ctx context.Context, client ClientInterface, out io.Writer, path string, port int) error {
	sum, err := client.TraceImport(ctx, path, port)
	if err != nil {
		return fmt.Errorf("failed to import capture: %w", err)
	}
	fmt.Fprintf(out, "✓ Imported %d entries from %s\n", sum.Entries, path)
	return nil
}

func runTraceInfo(ctx context.Context, client ClientInterface, out io.Writer, format string) error {
	sum, err := client.TraceInfo(ctx)
	if err != nil {
		return fmt.Errorf("failed to query trace: %w", err)
	}
	return printResult(out, format, sum, func(w io.Writer) { printSummary(w, sum) })
}
