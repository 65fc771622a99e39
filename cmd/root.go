// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/udprec/internal/config"
)

const defaultSocket = "/var/run/udprec.sock"

var (
	// Global flags
	configFile string
	socketPath string
	rpcTimeout time.Duration
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "udprec",
	Short: "udprec - UDP traffic recorder and timing-faithful replayer",
	Long: `udprec records UDP datagrams arriving on a port, keeps them as a timestamped
trace, and replays the trace to a target with the recorded inter-arrival timing.

Traces are stored in a compact binary format and can be exported to, or
imported from, pcap files.

Modes:
  - Daemon: long-running session controlled over a Unix Domain Socket
    (capture, replay, trace, status, shutdown, reload)
  - Offline: one-shot commands that need no daemon
    (record, play, export, import, inspect)`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "",
		"daemon socket path (default: control.socket from config)")
	rootCmd.PersistentFlags().DurationVar(&rpcTimeout, "timeout", 10*time.Second,
		"daemon request timeout")
}

// loadConfig loads the --config file, or the defaults when none is given.
func loadConfig() (*config.GlobalConfig, error) {
	return config.Load(configFile)
}

// resolveSocket picks the socket from --socket, then the config file.
func resolveSocket() string {
	if socketPath != "" {
		return socketPath
	}
	if cfg, err := loadConfig(); err == nil && cfg.Control.Socket != "" {
		return cfg.Control.Socket
	}
	return defaultSocket
}
