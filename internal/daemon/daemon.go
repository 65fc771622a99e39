// Package daemon implements the daemon lifecycle manager.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"firestige.xyz/udprec/internal/command"
	"firestige.xyz/udprec/internal/config"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/metrics"
	"firestige.xyz/udprec/internal/replay"
	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// Version is reported at startup.
const Version = "0.1.0"

// Daemon manages the udprec daemon process lifecycle.
type Daemon struct {
	// Configuration
	mu         sync.Mutex
	config     *config.GlobalConfig
	configPath string
	socketPath string
	pidFile    string

	// Core components
	session       *session.Controller
	cmdHandler    *command.CommandHandler
	udsServer     *command.UDSServer
	metricsServer *metrics.Server // nil if metrics disabled
	watcher       *configWatcher  // nil unless control.watch_config

	// Lifecycle management
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownChan chan struct{}
	sigChan      chan os.Signal
	stopOnce     sync.Once
}

// New creates a new Daemon instance. Empty socketPath and pidFile fall back
// to the control section of the configuration.
func New(configPath, socketPath, pidFile string) (*Daemon, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if socketPath == "" {
		socketPath = cfg.Control.Socket
	}
	if pidFile == "" {
		pidFile = cfg.Control.PIDFile
	}

	d := &Daemon{
		config:       cfg,
		configPath:   configPath,
		socketPath:   socketPath,
		pidFile:      pidFile,
		shutdownChan: make(chan struct{}, 1),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// sessionOptions derives controller options from cfg.
func sessionOptions(cfg *config.GlobalConfig) (session.Options, error) {
	variant, err := trace.ParseVariant(cfg.Trace.Variant)
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		Variant:        variant,
		CaptureAddress: cfg.Capture.Address,
		Replay: replay.Options{
			SpinThreshold: cfg.Replay.SpinThreshold,
			Speed:         cfg.Replay.Speed,
		},
	}, nil
}

func handlerDefaults(cfg *config.GlobalConfig) command.Defaults {
	return command.Defaults{
		CapturePort: cfg.Capture.Port,
		ReplayHost:  cfg.Replay.Host,
		ReplayPort:  cfg.Replay.Port,
		ExportPort:  cfg.Export.Port,
	}
}

// Start initializes and starts all daemon components.
func (d *Daemon) Start() error {
	// 1. Initialize logging system
	if err := log.Init(d.config.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"version": Version,
		"config":  d.configPath,
		"socket":  d.socketPath,
		"variant": d.config.Trace.Variant,
	}).Info("starting udprec daemon")

	// 2. Write PID file
	if err := d.writePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	// 3. Start metrics server
	if err := d.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	// 4. Create the session controller and its command handler
	opts, err := sessionOptions(d.config)
	if err != nil {
		return err
	}
	d.session = session.New(opts)
	d.cmdHandler = command.NewCommandHandler(d.session, handlerDefaults(d.config), d)
	d.cmdHandler.SetShutdownFunc(func() {
		log.GetLogger().Info("shutdown triggered via daemon_shutdown command")
		d.TriggerShutdown()
	})

	// 5. Start UDS server for CLI control
	log.GetLogger().WithField("methods", d.cmdHandler.Methods()).Debug("control methods registered")
	d.udsServer = command.NewUDSServer(d.socketPath, d.cmdHandler)
	go func() {
		if err := d.udsServer.Start(d.ctx); err != nil && err != context.Canceled {
			log.GetLogger().WithError(err).Error("uds server failed")
		}
	}()

	// 6. Watch the config file for changes
	if d.config.Control.WatchConfig && d.configPath != "" {
		w, err := newConfigWatcher(d.configPath, d)
		if err != nil {
			// Non-fatal: SIGHUP and config_reload still work
			log.GetLogger().WithError(err).Warn("config watcher disabled")
		} else {
			d.watcher = w
			go w.Run(d.ctx)
		}
	}

	log.GetLogger().Info("daemon started successfully")
	return nil
}

// Stop performs graceful shutdown of all daemon components. It is safe to
// call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(d.stop)
}

func (d *Daemon) stop() {
	log.GetLogger().Info("initiating graceful shutdown")

	// 1. Stop the active engine so sockets are released
	if d.session != nil {
		if err := d.session.Close(); err != nil {
			log.GetLogger().WithError(err).Error("error stopping session")
		}
	}

	// 2. Stop UDS server (no new CLI commands)
	if d.udsServer != nil {
		d.udsServer.Stop()
	}

	// 3. Stop metrics server
	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsServer.Stop(shutdownCtx); err != nil {
			log.GetLogger().WithError(err).Error("error stopping metrics server")
		}
	}

	// 4. Cancel context to signal all goroutines, the config watcher included
	d.cancel()

	// 5. Unregister signal handler to prevent goroutine leak
	if d.sigChan != nil {
		signal.Stop(d.sigChan)
	}

	// 6. Remove PID file
	if err := d.removePIDFile(); err != nil {
		log.GetLogger().WithError(err).Error("error removing PID file")
	}

	log.GetLogger().Info("daemon stopped gracefully")
}

// Run runs the daemon main loop, blocking until shutdown is triggered.
// Shutdown can be triggered by:
//  1. OS signals (SIGTERM, SIGINT)
//  2. daemon_shutdown command via UDS
//
// SIGHUP triggers a config reload.
func (d *Daemon) Run() error {
	d.sigChan = make(chan os.Signal, 1)
	signal.Notify(d.sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	log.GetLogger().Info("daemon running, waiting for signals or commands")

	for {
		select {
		case sig := <-d.sigChan:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.GetLogger().WithField("signal", sig.String()).Info("received shutdown signal")
				d.Stop()
				return nil

			case syscall.SIGHUP:
				log.GetLogger().Info("received reload signal")
				if err := d.Reload(); err != nil {
					log.GetLogger().WithError(err).Error("failed to reload config")
				}
			}

		case <-d.shutdownChan:
			log.GetLogger().Info("shutdown triggered by command")
			d.Stop()
			return nil

		case <-d.ctx.Done():
			log.GetLogger().WithError(d.ctx.Err()).Info("context cancelled")
			d.Stop()
			return d.ctx.Err()
		}
	}
}

// Reload re-reads the configuration file.
// Hot-reloadable: log settings, request defaults (capture, replay and export ports, replay host).
// Cold (requires restart): control socket, metrics listener, trace variant, replay timing.
// Implements command.ConfigReloader.
func (d *Daemon) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.GetLogger().WithField("path", d.configPath).Info("reloading configuration")

	newConfig, err := config.Load(d.configPath)
	if err != nil {
		return fmt.Errorf("failed to load new config: %w", err)
	}
	old := d.config

	hotReloaded := []string{}
	if err := log.Init(newConfig.Log); err != nil {
		// Non-fatal: old logging continues
		log.GetLogger().WithError(err).Error("failed to reinitialize logging")
	} else if newConfig.Log != old.Log {
		hotReloaded = append(hotReloaded, "log")
	}

	if d.cmdHandler != nil && handlerDefaults(newConfig) != handlerDefaults(old) {
		d.cmdHandler.SetDefaults(handlerDefaults(newConfig))
		hotReloaded = append(hotReloaded, "defaults")
	}

	requiresRestart := []string{}
	if newConfig.Control != old.Control {
		requiresRestart = append(requiresRestart, "control")
	}
	if newConfig.Metrics != old.Metrics {
		requiresRestart = append(requiresRestart, "metrics")
	}
	if newConfig.Trace != old.Trace {
		requiresRestart = append(requiresRestart, "trace.variant")
	}
	if newConfig.Capture.Address != old.Capture.Address ||
		newConfig.Replay.SpinThreshold != old.Replay.SpinThreshold ||
		newConfig.Replay.Speed != old.Replay.Speed {
		requiresRestart = append(requiresRestart, "engines")
	}

	d.config = newConfig

	log.GetLogger().WithFields(map[string]interface{}{
		"hot_reloaded":     strings.Join(hotReloaded, ","),
		"requires_restart": strings.Join(requiresRestart, ","),
	}).Info("configuration reloaded")
	return nil
}

// Config returns the active configuration.
func (d *Daemon) Config() *config.GlobalConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// TriggerShutdown makes Run stop the daemon and return.
func (d *Daemon) TriggerShutdown() {
	select {
	case d.shutdownChan <- struct{}{}:
	default:
		// already pending
	}
}

// startMetrics starts the metrics HTTP server if enabled.
func (d *Daemon) startMetrics() error {
	if !d.config.Metrics.Enabled {
		log.GetLogger().Info("metrics server disabled")
		return nil
	}

	d.metricsServer = metrics.NewServer(d.config.Metrics.Listen, d.config.Metrics.Path)
	return d.metricsServer.Start(d.ctx)
}

// MetricsAddr returns the bound metrics address, or "" when metrics are disabled.
func (d *Daemon) MetricsAddr() string {
	if d.metricsServer == nil || d.metricsServer.Addr() == nil {
		return ""
	}
	return d.metricsServer.Addr().String()
}

// writePIDFile writes the current process ID to the PID file.
func (d *Daemon) writePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	pid := os.Getpid()
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(d.pidFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write PID file %s: %w", d.pidFile, err)
	}

	log.GetLogger().WithFields(map[string]interface{}{
		"path": d.pidFile,
		"pid":  pid,
	}).Debug("PID file written")
	return nil
}

// removePIDFile removes the PID file.
func (d *Daemon) removePIDFile() error {
	if d.pidFile == "" {
		return nil
	}

	if err := os.Remove(d.pidFile); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file %s: %w", d.pidFile, err)
	}
	return nil
}
