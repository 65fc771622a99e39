// Package command implements control plane command handling.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"sync"
	"time"

	"firestige.xyz/udprec/internal/core"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/session"
	"firestige.xyz/udprec/internal/trace"
)

// Session is the subset of session.Controller the handler drives.
type Session interface {
	CaptureStart(port int) error
	CaptureStop() (trace.Trace, error)
	ReplayStart(host string, port int) error
	ReplayStop() error
	Stop() error
	Load(path string) (trace.Trace, error)
	Import(path string, port int) (trace.Trace, error)
	Save(path string) error
	ExportCapture(path string, port int) error
	Trace() (trace.Trace, error)
	Status() session.Status
}

// ConfigReloader is the interface for reloading global configuration.
type ConfigReloader interface {
	Reload() error
}

// Defaults fill in parameters a request leaves out.
type Defaults struct {
	CapturePort int
	ReplayHost  string
	ReplayPort  int
	ExportPort  int
}

// shutdownGrace delays daemon_shutdown after its response is written.
const shutdownGrace = 100 * time.Millisecond

// methodFunc serves one JSON-RPC method.
type methodFunc func(ctx context.Context, cmd Command) Response

// CommandHandler handles control plane commands.
type CommandHandler struct {
	session        Session
	methods        map[string]methodFunc
	mu             sync.RWMutex
	defaults       Defaults
	configReloader ConfigReloader
	shutdownFunc   func() // Called by daemon_shutdown to trigger graceful stop
	startTime      int64  // Unix timestamp of daemon start for uptime calc
}

// NewCommandHandler creates a new command handler.
func NewCommandHandler(s Session, defaults Defaults, reloader ConfigReloader) *CommandHandler {
	h := &CommandHandler{
		session:        s,
		defaults:       defaults,
		configReloader: reloader,
		startTime:      time.Now().Unix(),
	}
	h.methods = map[string]methodFunc{
		"capture_start":   h.handleCaptureStart,
		"capture_stop":    h.handleCaptureStop,
		"replay_start":    h.handleReplayStart,
		"replay_stop":     h.handleReplayStop,
		"session_stop":    h.handleSessionStop,
		"session_status":  h.handleSessionStatus,
		"trace_load":      h.handleTraceLoad,
		"trace_import":    h.handleTraceImport,
		"trace_save":      h.handleTraceSave,
		"trace_export":    h.handleTraceExport,
		"trace_info":      h.handleTraceInfo,
		"config_reload":   h.handleConfigReload,
		"daemon_shutdown": h.handleDaemonShutdown,
		"daemon_status":   h.handleDaemonStatus,
	}
	return h
}

// Methods lists the served method names in sorted order.
func (h *CommandHandler) Methods() []string {
	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetShutdownFunc sets the callback invoked by the daemon_shutdown command.
func (h *CommandHandler) SetShutdownFunc(fn func()) {
	h.shutdownFunc = fn
}

// SetDefaults replaces the request defaults, e.g. after a config reload.
func (h *CommandHandler) SetDefaults(d Defaults) {
	h.mu.Lock()
	h.defaults = d
	h.mu.Unlock()
}

func (h *CommandHandler) currentDefaults() Defaults {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.defaults
}

// Command represents a control plane command.
type Command struct {
	Method string          `json:"method"` // e.g. "capture_start", "trace_save"
	Params json.RawMessage `json:"params"` // command-specific parameters
	ID     string          `json:"id"`     // request ID for tracking
}

// Response represents a command response.
type Response struct {
	ID     string      `json:"id"`               // matches request ID
	Result interface{} `json:"result,omitempty"` // success result
	Error  *ErrorInfo  `json:"error,omitempty"`  // error info if failed
}

// ErrorInfo represents an error in the response.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Error codes
const (
	ErrCodeParseError     = -32700 // Invalid JSON
	ErrCodeInvalidRequest = -32600 // Invalid request object
	ErrCodeMethodNotFound = -32601 // Method not found
	ErrCodeInvalidParams  = -32602 // Invalid method parameters
	ErrCodeInternalError  = -32603 // Internal error

	ErrCodeSessionBusy = -32000 // Operation not allowed in the current state
	ErrCodeNoTrace     = -32001 // No trace captured or loaded
	ErrCodeBind        = -32002 // Socket could not be bound or target not resolved
	ErrCodeFormat      = -32003 // Malformed trace or capture file
)

// Handle processes a command and returns a response.
func (h *CommandHandler) Handle(ctx context.Context, cmd Command) Response {
	log.GetLogger().WithFields(map[string]interface{}{
		"method": cmd.Method,
		"id":     cmd.ID,
	}).Info("handling command")

	fn, ok := h.methods[cmd.Method]
	if !ok {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeMethodNotFound,
				Message: fmt.Sprintf("method %q not found", cmd.Method),
			},
		}
	}
	return fn(ctx, cmd)
}

func (h *CommandHandler) ok(cmd Command, result interface{}) Response {
	return Response{ID: cmd.ID, Result: result}
}

func invalidParams(cmd Command, err error) Response {
	return Response{
		ID: cmd.ID,
		Error: &ErrorInfo{
			Code:    ErrCodeInvalidParams,
			Message: fmt.Sprintf("invalid params: %v", err),
		},
	}
}

// failure maps engine and session errors onto response codes.
func failure(cmd Command, op string, err error) Response {
	code := ErrCodeInternalError
	switch {
	case errors.Is(err, core.ErrBusy):
		code = ErrCodeSessionBusy
	case errors.Is(err, core.ErrNoTrace):
		code = ErrCodeNoTrace
	case errors.Is(err, core.ErrBind), errors.Is(err, core.ErrResolution):
		code = ErrCodeBind
	case errors.Is(err, core.ErrFormat):
		code = ErrCodeFormat
	}
	return Response{
		ID: cmd.ID,
		Error: &ErrorInfo{
			Code:    code,
			Message: fmt.Sprintf("%s failed: %v", op, err),
		},
	}
}

// decodeParams unmarshals optional params. Absent params leave v untouched.
func decodeParams(cmd Command, v interface{}) error {
	if len(cmd.Params) == 0 || string(cmd.Params) == "null" {
		return nil
	}
	return json.Unmarshal(cmd.Params, v)
}

func validPort(port int, allowZero bool) error {
	if port < 0 || port > 65535 || (port == 0 && !allowZero) {
		return fmt.Errorf("port %d out of range", port)
	}
	return nil
}

// CaptureStartParams represents parameters for capture_start.
type CaptureStartParams struct {
	Port *int `json:"port,omitempty"` // nil = configured capture port
}

// CaptureStartResult is returned by capture_start.
type CaptureStartResult struct {
	State session.State `json:"state" yaml:"state"`
	Port  int           `json:"port" yaml:"port"`
}

func (h *CommandHandler) handleCaptureStart(_ context.Context, cmd Command) Response {
	var params CaptureStartParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	port := h.currentDefaults().CapturePort
	if params.Port != nil {
		port = *params.Port
	}
	if err := validPort(port, true); err != nil {
		return invalidParams(cmd, err)
	}

	if err := h.session.CaptureStart(port); err != nil {
		return failure(cmd, "capture start", err)
	}
	st := h.session.Status()
	return h.ok(cmd, CaptureStartResult{State: st.State, Port: st.Port})
}

func (h *CommandHandler) handleCaptureStop(_ context.Context, cmd Command) Response {
	t, err := h.session.CaptureStop()
	if err != nil {
		return failure(cmd, "capture stop", err)
	}
	return h.ok(cmd, t.Summary())
}

// ReplayStartParams represents parameters for replay_start.
type ReplayStartParams struct {
	Host string `json:"host,omitempty"` // empty = configured replay host
	Port int    `json:"port,omitempty"` // 0 = configured replay port
}

// ReplayStartResult is returned by replay_start.
type ReplayStartResult struct {
	State  session.State `json:"state" yaml:"state"`
	Target string        `json:"target" yaml:"target"`
}

func (h *CommandHandler) handleReplayStart(_ context.Context, cmd Command) Response {
	var params ReplayStartParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	defaults := h.currentDefaults()
	if params.Host == "" {
		params.Host = defaults.ReplayHost
	}
	if params.Port == 0 {
		params.Port = defaults.ReplayPort
	}
	if err := validPort(params.Port, false); err != nil {
		return invalidParams(cmd, err)
	}

	if err := h.session.ReplayStart(params.Host, params.Port); err != nil {
		return failure(cmd, "replay start", err)
	}
	return h.ok(cmd, ReplayStartResult{
		State:  h.session.Status().State,
		Target: net.JoinHostPort(params.Host, strconv.Itoa(params.Port)),
	})
}

func (h *CommandHandler) handleReplayStop(_ context.Context, cmd Command) Response {
	if err := h.session.ReplayStop(); err != nil {
		return failure(cmd, "replay stop", err)
	}
	return h.ok(cmd, h.session.Status())
}

func (h *CommandHandler) handleSessionStatus(_ context.Context, cmd Command) Response {
	return h.ok(cmd, h.session.Status())
}

func (h *CommandHandler) handleSessionStop(_ context.Context, cmd Command) Response {
	if err := h.session.Stop(); err != nil {
		return failure(cmd, "stop", err)
	}
	return h.ok(cmd, h.session.Status())
}

// TraceFileParams names a trace file, and for pcap commands a UDP port.
type TraceFileParams struct {
	Path string `json:"path"`
	Port int    `json:"port,omitempty"` // 0 = configured export port
}

func (p TraceFileParams) validate() error {
	if p.Path == "" {
		return errors.New("path is required")
	}
	return nil
}

// TraceFileResult is returned by trace_save and trace_export.
type TraceFileResult struct {
	Path    string `json:"path" yaml:"path"`
	Entries int    `json:"entries" yaml:"entries"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
}

func (h *CommandHandler) handleTraceLoad(_ context.Context, cmd Command) Response {
	var params TraceFileParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	if err := params.validate(); err != nil {
		return invalidParams(cmd, err)
	}
	t, err := h.session.Load(params.Path)
	if err != nil {
		return failure(cmd, "trace load", err)
	}
	return h.ok(cmd, t.Summary())
}

func (h *CommandHandler) handleTraceImport(_ context.Context, cmd Command) Response {
	var params TraceFileParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	if err := params.validate(); err != nil {
		return invalidParams(cmd, err)
	}
	if err := validPort(params.Port, true); err != nil {
		return invalidParams(cmd, err)
	}
	t, err := h.session.Import(params.Path, params.Port)
	if err != nil {
		return failure(cmd, "trace import", err)
	}
	return h.ok(cmd, t.Summary())
}

func (h *CommandHandler) handleTraceSave(_ context.Context, cmd Command) Response {
	var params TraceFileParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	if err := params.validate(); err != nil {
		return invalidParams(cmd, err)
	}
	if err := h.session.Save(params.Path); err != nil {
		return failure(cmd, "trace save", err)
	}
	return h.ok(cmd, TraceFileResult{Path: params.Path, Entries: h.session.Status().Entries})
}

func (h *CommandHandler) handleTraceExport(_ context.Context, cmd Command) Response {
	var params TraceFileParams
	if err := decodeParams(cmd, &params); err != nil {
		return invalidParams(cmd, err)
	}
	if err := params.validate(); err != nil {
		return invalidParams(cmd, err)
	}
	if params.Port == 0 {
		params.Port = h.currentDefaults().ExportPort
	}
	if err := validPort(params.Port, false); err != nil {
		return invalidParams(cmd, err)
	}
	if err := h.session.ExportCapture(params.Path, params.Port); err != nil {
		return failure(cmd, "trace export", err)
	}
	return h.ok(cmd, TraceFileResult{Path: params.Path, Entries: h.session.Status().Entries, Port: params.Port})
}

func (h *CommandHandler) handleTraceInfo(_ context.Context, cmd Command) Response {
	t, err := h.session.Trace()
	if err != nil {
		return failure(cmd, "trace info", err)
	}
	return h.ok(cmd, t.Summary())
}

func (h *CommandHandler) handleConfigReload(_ context.Context, cmd Command) Response {
	if h.configReloader == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "config reloader not configured",
			},
		}
	}
	if err := h.configReloader.Reload(); err != nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: fmt.Sprintf("reload failed: %v", err),
			},
		}
	}
	return h.ok(cmd, map[string]interface{}{"status": "reloaded"})
}

// handleDaemonShutdown triggers graceful daemon shutdown via the registered callback.
func (h *CommandHandler) handleDaemonShutdown(_ context.Context, cmd Command) Response {
	if h.shutdownFunc == nil {
		return Response{
			ID: cmd.ID,
			Error: &ErrorInfo{
				Code:    ErrCodeInternalError,
				Message: "shutdown handler not registered",
			},
		}
	}

	log.GetLogger().Info("daemon_shutdown command received, initiating graceful shutdown")
	// Delayed so the response reaches the client before connections close
	time.AfterFunc(shutdownGrace, h.shutdownFunc)

	return h.ok(cmd, map[string]interface{}{"status": "shutting_down"})
}

// DaemonStatus is returned by daemon_status.
type DaemonStatus struct {
	Status    string         `json:"status" yaml:"status"`
	PID       int            `json:"pid" yaml:"pid"`
	UptimeSec int64          `json:"uptime_sec" yaml:"uptime_sec"`
	Session   session.Status `json:"session" yaml:"session"`
}

// handleDaemonStatus returns daemon status information.
func (h *CommandHandler) handleDaemonStatus(_ context.Context, cmd Command) Response {
	return h.ok(cmd, DaemonStatus{
		Status:    "running",
		PID:       os.Getpid(),
		UptimeSec: time.Now().Unix() - h.startTime,
		Session:   h.session.Status(),
	})
}
