package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/udprec/internal/capture"
	"firestige.xyz/udprec/internal/config"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/pcapio"
	"firestige.xyz/udprec/internal/replay"
	"firestige.xyz/udprec/internal/trace"
)

// Offline commands run the engines in-process and need no daemon.

var recordCmd = &cobra.Command{
	Use:   "record <trace-file>",
	Short: "Record UDP traffic to a trace file",
	Long: `Bind a UDP port, record every datagram until interrupted (or --duration
elapses), then write the recording to a trace file.

Examples:
  udprec record -p 39539 session.trace
  udprec record -p 39539 --variant message -d 30s session.trace`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := offlineOptions(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runRecord(ctx, cmd.OutOrStdout(), opts, args[0])
	},
}

var playCmd = &cobra.Command{
	Use:   "play <trace-file>",
	Short: "Replay a trace file to host:port",
	Long: `Send every entry of a trace file to host:port, reproducing the recorded
inter-arrival timing. Interrupting stops the replay within one send.

Examples:
  udprec play --host 10.0.0.5 -p 39539 session.trace
  udprec play --speed 2 session.trace`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := offlineOptions(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return runPlay(ctx, cmd.OutOrStdout(), opts, args[0])
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <trace-file> <pcap-file>",
	Short: "Convert a trace file to pcap",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := offlineOptions(cmd)
		if err != nil {
			return err
		}
		return runExport(cmd.OutOrStdout(), opts, args[0], args[1])
	},
}

var importCmd = &cobra.Command{
	Use:   "import <pcap-file> <trace-file>",
	Short: "Convert UDP traffic in a pcap file to a trace file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := offlineOptions(cmd)
		if err != nil {
			return err
		}
		return runImport(cmd.OutOrStdout(), opts, args[0], args[1])
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <trace-file>",
	Short: "Summarize a trace file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := offlineOptions(cmd)
		if err != nil {
			return err
		}
		return runInspect(cmd.OutOrStdout(), opts, args[0])
	},
}

// offline holds flag values shared by the offline commands.
var offline struct {
	variant  string
	port     int
	host     string
	address  string
	duration time.Duration
	speed    float64
	spin     time.Duration
	entries  int
	output   string
}

// offlineRun is the resolved configuration of one offline command.
type offlineRun struct {
	variant  trace.Variant
	port     int
	host     string
	address  string
	duration time.Duration
	replay   replay.Options
	entries  int
	output   string
}

func init() {
	for _, c := range []*cobra.Command{recordCmd, playCmd, exportCmd, importCmd, inspectCmd} {
		c.Flags().StringVar(&offline.variant, "variant", "", "payload variant: raw/message (default: trace.variant from config)")
	}
	for _, c := range []*cobra.Command{recordCmd, playCmd, exportCmd, importCmd} {
		c.Flags().IntVarP(&offline.port, "port", "p", 0, "UDP port (default from config)")
	}
	recordCmd.Flags().StringVar(&offline.address, "address", "", "local address to bind (default: all interfaces)")
	recordCmd.Flags().DurationVarP(&offline.duration, "duration", "d", 0, "stop after this long (0 = until interrupted)")
	playCmd.Flags().StringVar(&offline.host, "host", "", "target host (default: replay.host from config)")
	playCmd.Flags().Float64Var(&offline.speed, "speed", 0, "playback speed factor (default: replay.speed from config)")
	playCmd.Flags().DurationVar(&offline.spin, "spin", 0, "busy-poll threshold (default: replay.spin_threshold from config)")
	inspectCmd.Flags().IntVarP(&offline.entries, "entries", "n", 0, "also list the first n entries")
	inspectCmd.Flags().StringVarP(&offline.output, "output", "o", "text", "output format: text/json/yaml")

	rootCmd.AddCommand(recordCmd, playCmd, exportCmd, importCmd, inspectCmd)
}

// offlineOptions loads the config, initializes logging and applies flag overrides.
func offlineOptions(cmd *cobra.Command) (offlineRun, error) {
	cfg, err := loadConfig()
	if err != nil {
		return offlineRun{}, err
	}
	if err := log.Init(cfg.Log); err != nil {
		return offlineRun{}, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return resolveOffline(cfg, cmd.Name(), cmd.Flags().Changed)
}

func resolveOffline(cfg *config.GlobalConfig, name string, changed func(string) bool) (offlineRun, error) {
	run := offlineRun{
		host:     cfg.Replay.Host,
		address:  cfg.Capture.Address,
		duration: offline.duration,
		replay:   replay.Options{SpinThreshold: cfg.Replay.SpinThreshold, Speed: cfg.Replay.Speed},
		entries:  offline.entries,
		output:   offline.output,
	}
	switch name {
	case "play":
		run.port = cfg.Replay.Port
	case "export":
		run.port = cfg.Export.Port
	case "import":
		run.port = 0
	default:
		run.port = cfg.Capture.Port
	}

	variant := cfg.Trace.Variant
	if changed("variant") {
		variant = offline.variant
	}
	v, err := trace.ParseVariant(variant)
	if err != nil {
		return offlineRun{}, err
	}
	run.variant = v

	if changed("port") {
		run.port = offline.port
	}
	if run.port < 0 || run.port > 65535 {
		return offlineRun{}, fmt.Errorf("invalid port %d", run.port)
	}
	if changed("host") {
		run.host = offline.host
	}
	if changed("address") {
		run.address = offline.address
	}
	if changed("speed") {
		if offline.speed <= 0 {
			return offlineRun{}, fmt.Errorf("invalid speed %g (must be > 0)", offline.speed)
		}
		run.replay.Speed = offline.speed
	}
	if changed("spin") {
		run.replay.SpinThreshold = offline.spin
	}
	return run, nil
}

func runRecord(ctx context.Context, out io.Writer, opts offlineRun, path string) error {
	eng, err := capture.Open(opts.port, capture.Options{Variant: opts.variant, Address: opts.address})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return err
	}
	fmt.Fprintf(out, "Recording %s datagrams on %s, interrupt to stop\n", opts.variant, eng.Addr())

	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}
	<-ctx.Done()
	eng.Stop()

	t := eng.Snapshot()
	if err := trace.Save(path, t); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Saved %d entries over %s to %s\n", t.Len(), t.Duration(), path)
	return nil
}

func runPlay(ctx context.Context, out io.Writer, opts offlineRun, path string) error {
	t, err := trace.Load(path, opts.variant)
	if err != nil {
		return err
	}
	if t.Len() == 0 {
		fmt.Fprintln(out, "Trace is empty, nothing to replay")
		return nil
	}
	eng, err := replay.Open(opts.host, opts.port, t, opts.replay)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.Start(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Replaying %d entries (%s) to %s\n", t.Len(), t.Duration(), eng.Target())

	interrupted := eng.Wait(ctx) != nil
	eng.Stop()
	st := eng.Stats()
	if interrupted {
		fmt.Fprintf(out, "Interrupted after %d/%d datagrams\n", st.Sent, st.Total)
		return nil
	}
	fmt.Fprintf(out, "✓ Sent %d datagrams (%d errors)\n", st.Sent, st.Errors)
	return nil
}

func runExport(out io.Writer, opts offlineRun, tracePath, pcapPath string) error {
	if opts.port == 0 {
		return fmt.Errorf("export needs a non-zero port")
	}
	t, err := trace.Load(tracePath, opts.variant)
	if err != nil {
		return err
	}
	if err := pcapio.ExportFile(pcapPath, t, uint16(opts.port)); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Exported %d entries to %s (port %d)\n", t.Len(), pcapPath, opts.port)
	return nil
}

func runImport(out io.Writer, opts offlineRun, pcapPath, tracePath string) error {
	t, err := pcapio.ImportFile(pcapPath, uint16(opts.port), opts.variant)
	if err != nil {
		return err
	}
	if err := trace.Save(tracePath, t); err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Imported %d entries to %s\n", t.Len(), tracePath)
	return nil
}

// inspectResult is the structured form of inspect output.
type inspectResult struct {
	trace.Summary `yaml:",inline"`
	Path          string         `json:"path" yaml:"path"`
	First         []inspectEntry `json:"first,omitempty" yaml:"first,omitempty"`
}

type inspectEntry struct {
	Timestamp time.Duration `json:"timestamp" yaml:"timestamp"`
	Size      int           `json:"size" yaml:"size"`
	Payload   string        `json:"payload" yaml:"payload"`
}

func describePayload(p trace.Payload) string {
	switch v := p.(type) {
	case trace.Message:
		return v.String()
	case trace.Raw:
		const preview = 32
		if len(v) > preview {
			return fmt.Sprintf("% x ...", []byte(v[:preview]))
		}
		return fmt.Sprintf("% x", []byte(v))
	default:
		return fmt.Sprintf("%T", p)
	}
}

func runInspect(out io.Writer, opts offlineRun, path string) error {
	t, err := trace.Load(path, opts.variant)
	if err != nil {
		return err
	}
	res := inspectResult{Summary: t.Summary(), Path: path}
	for i := 0; i < t.Len() && i < opts.entries; i++ {
		e := t.At(i)
		res.First = append(res.First, inspectEntry{
			Timestamp: e.Timestamp,
			Size:      e.Payload.Size(),
			Payload:   describePayload(e.Payload),
		})
	}
	return printResult(out, opts.output, res, func(w io.Writer) {
		fmt.Fprintf(w, "File:      %s\n", res.Path)
		printSummary(w, res.Summary)
		for _, e := range res.First {
			fmt.Fprintf(w, "  %12s  %5dB  %s\n", e.Timestamp, e.Size, e.Payload)
		}
	})
}
