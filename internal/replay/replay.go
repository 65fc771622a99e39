// Package replay sends a trace to a UDP target, reproducing the recorded
// gaps between entries.
package replay

import (
	"context"
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

// DefaultSpinThreshold is the longest wait served by busy-polling the clock.
// Longer waits park on a timer.
const DefaultSpinThreshold = 2 * time.Millisecond

// Options tunes replay timing.
type Options struct {
	// SpinThreshold defaults to DefaultSpinThreshold when zero.
	SpinThreshold time.Duration
	// Speed scales playback: 2 plays twice as fast. Zero means 1.
	Speed float64
}

// Stats is a point-in-time view of an Engine.
type Stats struct {
	Target string           `json:"target"`
	State  core.EngineState `json:"state"`
	Sent   uint64           `json:"sent"`
	Bytes  uint64           `json:"bytes"`
	Errors uint64           `json:"errors"`
	Cursor int              `json:"cursor"`
	Total  int              `json:"total"`
}

// run is one pass over the trace. stop is closed at most once, guarded by
// stopped; done is closed when the send loop returns.
type run struct {
	stop    chan struct{}
	stopped atomic.Bool
	done    chan struct{}
}

func (r *run) cancel() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Engine replays one immutable trace to one target over a connected UDP
// socket. It never modifies the trace.
type Engine struct {
	conn   *net.UDPConn
	target string
	trace  trace.Trace
	frames [][]byte
	spin   time.Duration
	speed  float64

	mu     sync.Mutex
	cur    *run
	closed bool

	sent   atomic.Uint64
	bytes  atomic.Uint64
	errs   atomic.Uint64
	cursor atomic.Int64
}

// Open resolves host:port once and connects a UDP socket to it.
// Resolution failures yield core.ErrResolution, socket failures core.ErrBind.
func Open(host string, port int, t trace.Trace, opts Options) (*Engine, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrResolution, err)
	}
	if raddr.Port == 0 {
		return nil, fmt.Errorf("%w: target port must not be 0", core.ErrResolution)
	}

	frames := make([][]byte, t.Len())
	for i := range frames {
		b, err := trace.EncodeDatagram(t.At(i).Payload)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
		frames[i] = b
	}

	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrBind, err)
	}

	if opts.SpinThreshold <= 0 {
		opts.SpinThreshold = DefaultSpinThreshold
	}
	if opts.Speed <= 0 {
		opts.Speed = 1
	}
	return &Engine{
		conn:   conn,
		target: raddr.String(),
		trace:  t,
		frames: frames,
		spin:   opts.SpinThreshold,
		speed:  opts.Speed,
	}, nil
}

// Target returns the resolved target address.
func (e *Engine) Target() string { return e.target }

// Start launches the send loop and returns immediately. It is a no-op
// while running or when the trace is empty. Starting after a finished or
// stopped run replays again from the first entry.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return core.ErrClosed
	}
	if e.cur != nil && !e.cur.finished() {
		return nil
	}
	if e.trace.Len() == 0 {
		return nil
	}

	r := &run{stop: make(chan struct{}), done: make(chan struct{})}
	e.cur = r
	e.cursor.Store(0)
	go e.send(r)
	return nil
}

// due is the offset from the replay epoch at which entry i is sent.
func (e *Engine) due(i int) time.Duration {
	ts := e.trace.At(i).Timestamp
	if e.speed == 1 {
		return ts
	}
	return time.Duration(float64(ts) / e.speed)
}

func (e *Engine) send(r *run) {
	defer close(r.done)

	logger := log.GetLogger().WithField("target", e.target)
	logger.WithField("entries", e.trace.Len()).Info("replay started")

	n := e.trace.Len()
	i := 0
	epoch := time.Now()
	for i < n && !r.stopped.Load() {
		elapsed := time.Since(epoch)

		// Drain everything already due back-to-back.
		for i < n && e.due(i) <= elapsed {
			e.write(i, elapsed-e.due(i), logger)
			i++
			e.cursor.Store(int64(i))
			if r.stopped.Load() {
				break
			}
			elapsed = time.Since(epoch)
		}
		if i >= n || r.stopped.Load() {
			break
		}

		wait := e.due(i) - elapsed
		switch {
		case wait <= 0:
		case wait <= e.spin:
			deadline := epoch.Add(e.due(i))
			for time.Now().Before(deadline) && !r.stopped.Load() {
			}
		default:
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-r.stop:
				timer.Stop()
			}
		}
	}

	logger.WithFields(map[string]interface{}{
		"sent":    i,
		"stopped": r.stopped.Load(),
	}).Info("replay finished")
}

func (e *Engine) write(i int, late time.Duration, logger log.Logger) {
	frame := e.frames[i]
	if _, err := e.conn.Write(frame); err != nil {
		e.errs.Add(1)
		metrics.ReplayErrorsTotal.WithLabelValues(e.target).Inc()
		logger.WithError(fmt.Errorf("%w: %w", core.ErrTransport, err)).WithField("entry", i).Warn("send failed")
		return
	}
	e.sent.Add(1)
	e.bytes.Add(uint64(len(frame)))
	metrics.ReplayDatagramsTotal.WithLabelValues(e.target).Inc()
	metrics.ReplayLatenessSeconds.WithLabelValues(e.target).Observe(late.Seconds())
}

// Stop ends the current run, waking a parked loop at once, and waits for
// the loop to exit. It is idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	r := e.cur
	e.mu.Unlock()
	if r == nil {
		return
	}
	r.cancel()
	<-r.done
}

var closedChan = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

// Done returns a channel closed when the current run ends. Without a run
// the channel is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return closedChan
	}
	return e.cur.done
}

// Wait blocks until the current run ends or ctx is done.
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any run and releases the socket.
func (e *Engine) Close() error {
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.conn.Close()
}

func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur != nil && !e.cur.finished()
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Target: e.target,
		State:  core.StateIdle,
		Sent:   e.sent.Load(),
		Bytes:  e.bytes.Load(),
		Errors: e.errs.Load(),
		Cursor: int(e.cursor.Load()),
		Total:  e.trace.Len(),
	}
	if e.Running() {
		s.State = core.StateRunning
	}
	return s
}
