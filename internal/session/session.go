// Package session implements the control surface state machine that
// drives the capture and replay engines on behalf of the CLI and the
// control socket.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"firestige.xyz/udprec/internal/capture"
	"firestige.xyz/udprec/internal/core"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/metrics"
	"firestige.xyz/udprec/internal/pcapio"
	"firestige.xyz/udprec/internal/replay"
	"firestige.xyz/udprec/internal/trace"
)

// State is the controller state.
type State int32

const (
	Idle State = iota
	Recording
	Replaying
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Recording:
		return "recording"
	case Replaying:
		return "replaying"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "idle":
		*s = Idle
	case "recording":
		*s = Recording
	case "replaying":
		*s = Replaying
	default:
		return fmt.Errorf("unknown session state %q", b)
	}
	return nil
}

// Options configures a Controller.
type Options struct {
	Variant        trace.Variant
	CaptureAddress string
	Replay         replay.Options
	// OnEntry is handed to every capture engine.
	OnEntry func(trace.Entry)
}

// Status is a point-in-time view of the controller.
type Status struct {
	State    State         `json:"state" yaml:"state"`
	Variant  trace.Variant `json:"variant" yaml:"variant"`
	HasTrace bool          `json:"has_trace" yaml:"has_trace"`
	// Entries counts the live capture while recording, the current trace otherwise.
	Entries  int           `json:"entries" yaml:"entries"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Port     int           `json:"port,omitempty" yaml:"port,omitempty"`
	Target   string        `json:"target,omitempty" yaml:"target,omitempty"`
	Received uint64        `json:"received" yaml:"received"`
	Sent     uint64        `json:"sent" yaml:"sent"`
	Cursor   int           `json:"cursor" yaml:"cursor"`
	Errors   uint64        `json:"errors" yaml:"errors"`
}

// Controller serializes control operations. It owns at most one engine at
// a time and the current trace, which it replaces only on a successful
// capture stop, load or import.
type Controller struct {
	opts Options
	// openReplay resolves and connects a replay target. It runs without mu.
	openReplay func(host string, port int, t trace.Trace, opts replay.Options) (*replay.Engine, error)

	mu       sync.Mutex
	state    State
	current  trace.Trace
	hasTrace bool
	capture  *capture.Engine
	replay   *replay.Engine

	// counters of the last finished engine, kept for Status
	lastReceived uint64
	lastSent     uint64
	lastErrors   uint64
}

func New(opts Options) *Controller {
	metrics.SessionState.Set(metrics.SessionIdle)
	return &Controller{opts: opts, openReplay: replay.Open}
}

func (c *Controller) setState(s State) {
	c.state = s
	switch s {
	case Recording:
		metrics.SessionState.Set(metrics.SessionRecording)
	case Replaying:
		metrics.SessionState.Set(metrics.SessionReplaying)
	default:
		metrics.SessionState.Set(metrics.SessionIdle)
	}
}

func (c *Controller) setTrace(t trace.Trace) {
	c.current = t
	c.hasTrace = true
	metrics.TraceEntries.Set(float64(t.Len()))
}

func (c *Controller) busy(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", core.ErrBusy, op, c.state)
}

// CaptureStart binds port and starts recording.
func (c *Controller) CaptureStart(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return c.busy("start capture")
	}
	eng, err := capture.Open(port, capture.Options{
		Variant: c.opts.Variant,
		Address: c.opts.CaptureAddress,
		OnEntry: c.opts.OnEntry,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(); err != nil {
		eng.Stop()
		return err
	}
	c.capture = eng
	c.setState(Recording)
	return nil
}

// CaptureStop stops recording and makes the captured trace current.
func (c *Controller) CaptureStop() (trace.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Recording {
		return trace.Trace{}, fmt.Errorf("%w: not recording", core.ErrBusy)
	}
	c.capture.Stop()
	t := c.capture.Snapshot()
	st := c.capture.Stats()
	c.lastReceived, c.lastErrors = st.Datagrams, st.Errors
	c.capture = nil

	c.setTrace(t)
	c.setState(Idle)
	return t, nil
}

// ReplayStart replays the current trace to host:port. Replaying an empty
// trace is a no-op that leaves the controller idle. The controller returns
// to idle by itself when the replay finishes.
func (c *Controller) ReplayStart(host string, port int) error {
	c.mu.Lock()
	if c.state != Idle {
		defer c.mu.Unlock()
		return c.busy("start replay")
	}
	if !c.hasTrace {
		c.mu.Unlock()
		return core.ErrNoTrace
	}
	t := c.current
	c.mu.Unlock()

	if t.Len() == 0 {
		log.GetLogger().Info("replay requested for an empty trace, nothing to do")
		return nil
	}

	// Resolution and dial may block, so mu is released meanwhile.
	eng, err := c.openReplay(host, port, t, c.opts.Replay)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		eng.Close()
		return c.busy("start replay")
	}
	if err := eng.Start(); err != nil {
		eng.Close()
		return err
	}
	c.replay = eng
	c.setState(Replaying)
	go c.watch(eng)
	return nil
}

func (c *Controller) watch(eng *replay.Engine) {
	<-eng.Done()
	c.mu.Lock()
	c.release(eng)
	c.mu.Unlock()
}

// release returns to idle if eng is still the active engine. Caller holds mu.
func (c *Controller) release(eng *replay.Engine) {
	if c.replay != eng {
		return
	}
	eng.Close()
	st := eng.Stats()
	c.lastSent, c.lastErrors = st.Sent, st.Errors
	c.replay = nil
	c.setState(Idle)
}

// ReplayStop stops an active replay. It is a no-op when idle.
func (c *Controller) ReplayStop() error {
	c.mu.Lock()
	switch c.state {
	case Recording:
		defer c.mu.Unlock()
		return fmt.Errorf("%w: not replaying", core.ErrBusy)
	case Idle:
		c.mu.Unlock()
		return nil
	}
	eng := c.replay
	c.mu.Unlock()

	// The send loop exits within one send once stopped.
	eng.Stop()

	c.mu.Lock()
	c.release(eng)
	c.mu.Unlock()
	return nil
}

// Stop ends whichever engine is active.
func (c *Controller) Stop() error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case Recording:
		_, err := c.CaptureStop()
		return err
	case Replaying:
		return c.ReplayStop()
	default:
		return nil
	}
}

// Load replaces the current trace with the trace file at path. On failure
// the current trace is kept.
func (c *Controller) Load(path string) (trace.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return trace.Trace{}, c.busy("load a trace")
	}
	t, err := trace.Load(path, c.opts.Variant)
	if err != nil {
		return trace.Trace{}, err
	}
	c.setTrace(t)
	log.GetLogger().WithFields(map[string]interface{}{
		"path":    path,
		"entries": t.Len(),
	}).Info("trace loaded")
	return t, nil
}

// Import replaces the current trace with UDP traffic on port read from
// the pcap file at path.
func (c *Controller) Import(path string, port int) (trace.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Idle {
		return trace.Trace{}, c.busy("import a capture")
	}
	if port < 0 || port > 65535 {
		return trace.Trace{}, fmt.Errorf("invalid port %d", port)
	}
	t, err := pcapio.ImportFile(path, uint16(port), c.opts.Variant)
	if err != nil {
		return trace.Trace{}, err
	}
	c.setTrace(t)
	return t, nil
}

// Save writes the current trace to path.
func (c *Controller) Save(path string) error {
	t, err := c.Trace()
	if err != nil {
		return err
	}
	if err := trace.Save(path, t); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"path":    path,
		"entries": t.Len(),
	}).Info("trace saved")
	return nil
}

// ExportCapture writes the current trace as a pcap file framed on port.
func (c *Controller) ExportCapture(path string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	t, err := c.Trace()
	if err != nil {
		return err
	}
	if err := pcapio.ExportFile(path, t, uint16(port)); err != nil {
		return err
	}
	log.GetLogger().WithFields(map[string]interface{}{
		"path":    path,
		"port":    port,
		"entries": t.Len(),
	}).Info("trace exported")
	return nil
}

// Trace returns the current trace, or core.ErrNoTrace.
func (c *Controller) Trace() (trace.Trace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasTrace {
		return trace.Trace{}, core.ErrNoTrace
	}
	return c.current, nil
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		State:    c.state,
		Variant:  c.opts.Variant,
		HasTrace: c.hasTrace,
		Entries:  c.current.Len(),
		Duration: c.current.Duration(),
		Received: c.lastReceived,
		Sent:     c.lastSent,
		Errors:   c.lastErrors,
	}
	switch {
	case c.capture != nil:
		st := c.capture.Stats()
		s.Port = st.Port
		s.Entries = st.Entries
		s.Duration = st.SinceEpoch
		s.Received = st.Datagrams
		s.Errors = st.Errors
	case c.replay != nil:
		st := c.replay.Stats()
		s.Target = st.Target
		s.Sent = st.Sent
		s.Cursor = st.Cursor
		s.Errors = st.Errors
	}
	return s
}

// Close stops any active engine.
func (c *Controller) Close() error {
	return c.Stop()
}
