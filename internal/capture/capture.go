// Package capture records datagrams arriving on a UDP port into a trace log.
package capture

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/udprec/internal/core"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/metrics"
	"firestige.xyz/udprec/internal/trace"
)

// Options configures an Engine.
type Options struct {
	// Variant selects how datagrams become payloads.
	Variant trace.Variant
	// Address restricts the listening interface. Empty listens on all.
	Address string
	// OnEntry, when set, is called from the receive goroutine after each
	// entry is appended. It must not block.
	OnEntry func(trace.Entry)
}

// Stats is a point-in-time view of an Engine.
type Stats struct {
	Port       int              `json:"port"`
	State      core.EngineState `json:"state"`
	Datagrams  uint64           `json:"datagrams"`
	Bytes      uint64           `json:"bytes"`
	Errors     uint64           `json:"errors"`
	Entries    int              `json:"entries"`
	SinceEpoch time.Duration    `json:"since_epoch"`
}

// Engine owns one bound UDP socket and the log it fills. An Engine is
// single use: once stopped it cannot be restarted.
type Engine struct {
	opts  Options
	conn  *net.UDPConn
	port  int
	label string
	log   *trace.Log

	mu      sync.Mutex
	state   core.EngineState
	closed  bool
	epoch   time.Time
	done    chan struct{}
	closing atomic.Bool

	datagrams atomic.Uint64
	bytes     atomic.Uint64
	errors    atomic.Uint64
}

// Open binds a UDP socket on port. Port 0 picks an ephemeral port.
// Ports out of range or already in use yield core.ErrBind.
func Open(port int, opts Options) (*Engine, error) {
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: port %d out of range", core.ErrBind, port)
	}
	laddr := &net.UDPAddr{Port: port}
	if opts.Address != "" {
		laddr.IP = net.ParseIP(opts.Address)
		if laddr.IP == nil {
			return nil, fmt.Errorf("%w: invalid address %q", core.ErrBind, opts.Address)
		}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBind, err)
	}

	bound := conn.LocalAddr().(*net.UDPAddr).Port
	return &Engine{
		opts:  opts,
		conn:  conn,
		port:  bound,
		label: strconv.Itoa(bound),
		log:   trace.NewLog(),
	}, nil
}

// Addr returns the bound local address.
func (e *Engine) Addr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Port returns the bound port.
func (e *Engine) Port() int { return e.port }

// Start records the session epoch and launches the receive loop.
// It is a no-op while running and fails with core.ErrClosed after Stop.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return core.ErrClosed
	}
	if e.state == core.StateRunning {
		return nil
	}

	e.state = core.StateRunning
	e.epoch = time.Now()
	e.done = make(chan struct{})
	go e.receive(e.epoch, e.done)

	log.GetLogger().WithFields(map[string]interface{}{
		"port":    e.port,
		"variant": e.opts.Variant.String(),
	}).Info("capture started")
	return nil
}

func (e *Engine) receive(epoch time.Time, done chan struct{}) {
	defer close(done)

	logger := log.GetLogger().WithField("port", e.port)
	buf := make([]byte, trace.MaxPayload)
	for {
		n, _, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if e.closing.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			e.errors.Add(1)
			metrics.CaptureErrorsTotal.WithLabelValues(e.label, "receive").Inc()
			logger.WithError(fmt.Errorf("%w: %w", core.ErrTransport, err)).Warn("receive failed")
			continue
		}
		ts := time.Since(epoch)

		e.datagrams.Add(1)
		e.bytes.Add(uint64(n))
		metrics.CaptureDatagramsTotal.WithLabelValues(e.label).Inc()
		metrics.CaptureBytesTotal.WithLabelValues(e.label).Add(float64(n))

		payloads, err := trace.DecodeDatagram(buf[:n], e.opts.Variant)
		if err != nil {
			e.errors.Add(1)
			metrics.CaptureErrorsTotal.WithLabelValues(e.label, "decode").Inc()
			logger.WithError(err).WithField("size", n).Warn("dropping undecodable datagram")
			continue
		}
		for _, p := range payloads {
			entry := trace.Entry{Timestamp: ts, Payload: p}
			e.log.Append(entry)
			if e.opts.OnEntry != nil {
				e.opts.OnEntry(entry)
			}
		}
	}
}

// Stop closes the socket, which unblocks the receive loop, and waits for
// the loop to exit. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closing.Store(true)
	e.conn.Close()
	done := e.done
	wasRunning := e.state == core.StateRunning
	e.state = core.StateIdle
	e.mu.Unlock()

	if done != nil {
		<-done
	}
	if wasRunning {
		log.GetLogger().WithFields(map[string]interface{}{
			"port":    e.port,
			"entries": e.log.Len(),
		}).Info("capture stopped")
	}
}

// Snapshot returns the entries captured so far. It is safe while running.
func (e *Engine) Snapshot() trace.Trace {
	return e.log.Snapshot()
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{Port: e.port, State: e.state}
	if e.state == core.StateRunning {
		s.SinceEpoch = time.Since(e.epoch)
	}
	e.mu.Unlock()

	s.Datagrams = e.datagrams.Load()
	s.Bytes = e.bytes.Load()
	s.Errors = e.errors.Load()
	s.Entries = e.log.Len()
	return s
}
