package trace

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrUnordered     = errors.New("trace: timestamps out of order")
	ErrMixedPayloads = errors.New("trace: mixed payload variants")
)

// Trace is an immutable, ordered sequence of entries.
// The zero value is an empty trace.
type Trace struct {
	entries []Entry
}

// New copies entries into a Trace. Timestamps must be non-negative and
// non-decreasing, and all payloads must share one variant.
func New(entries []Entry) (Trace, error) {
	if err := validate(entries); err != nil {
		return Trace{}, err
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return Trace{entries: cp}, nil
}

func validate(entries []Entry) error {
	var prev time.Duration
	for i, e := range entries {
		if e.Payload == nil {
			return fmt.Errorf("entry %d: nil payload", i)
		}
		if e.Timestamp < 0 {
			return fmt.Errorf("%w: entry %d has negative timestamp %d", ErrUnordered, i, e.Timestamp)
		}
		if e.Timestamp < prev {
			return fmt.Errorf("%w: entry %d at %d precedes %d", ErrUnordered, i, e.Timestamp, prev)
		}
		if e.Payload.Variant() != entries[0].Payload.Variant() {
			return fmt.Errorf("%w: entry %d is %s, trace is %s",
				ErrMixedPayloads, i, e.Payload.Variant(), entries[0].Payload.Variant())
		}
		prev = e.Timestamp
	}
	return nil
}

func (t Trace) Len() int { return len(t.entries) }

// At returns the i-th entry. It panics if i is out of range.
func (t Trace) At(i int) Entry { return t.entries[i] }

// Entries returns a copy of the entry slice.
func (t Trace) Entries() []Entry {
	cp := make([]Entry, len(t.entries))
	copy(cp, t.entries)
	return cp
}

// Duration is the timestamp of the last entry.
func (t Trace) Duration() time.Duration {
	if len(t.entries) == 0 {
		return 0
	}
	return t.entries[len(t.entries)-1].Timestamp
}

// Variant reports the payload variant. An empty trace reports VariantRaw.
func (t Trace) Variant() Variant {
	if len(t.entries) == 0 {
		return VariantRaw
	}
	return t.entries[0].Payload.Variant()
}

// PayloadBytes sums the payload sizes of all entries.
func (t Trace) PayloadBytes() int {
	n := 0
	for _, e := range t.entries {
		n += e.Payload.Size()
	}
	return n
}

// Log is the append-only entry log owned by a capture session.
// Append and Snapshot hold the lock only for the slice mutation or copy.
type Log struct {
	mu      sync.Mutex
	entries []Entry
}

func NewLog() *Log {
	return &Log{entries: make([]Entry, 0, 1024)}
}

// Append adds an entry. Entries whose timestamp precedes the last one are
// clamped to it so the log stays ordered.
func (l *Log) Append(e Entry) {
	l.mu.Lock()
	if n := len(l.entries); n > 0 && e.Timestamp < l.entries[n-1].Timestamp {
		e.Timestamp = l.entries[n-1].Timestamp
	}
	l.entries = append(l.entries, e)
	l.mu.Unlock()
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Snapshot returns a point-in-time immutable copy of the log.
func (l *Log) Snapshot() Trace {
	l.mu.Lock()
	cp := make([]Entry, len(l.entries))
	copy(cp, l.entries)
	l.mu.Unlock()
	return Trace{entries: cp}
}

// Summary describes a trace for status and inspection output.
type Summary struct {
	Variant      Variant       `json:"variant" yaml:"variant"`
	Entries      int           `json:"entries" yaml:"entries"`
	Duration     time.Duration `json:"duration" yaml:"duration"`
	PayloadBytes int           `json:"payload_bytes" yaml:"payload_bytes"`
	// MaxGap is the longest interval between consecutive entries.
	MaxGap time.Duration `json:"max_gap" yaml:"max_gap"`
	// Bursts counts entries sharing the timestamp of their predecessor.
	Bursts int `json:"bursts" yaml:"bursts"`
}

func (t Trace) Summary() Summary {
	s := Summary{
		Variant:      t.Variant(),
		Entries:      t.Len(),
		Duration:     t.Duration(),
		PayloadBytes: t.PayloadBytes(),
	}
	for i := 1; i < len(t.entries); i++ {
		gap := t.entries[i].Timestamp - t.entries[i-1].Timestamp
		if gap == 0 {
			s.Bursts++
		}
		s.MaxGap = max(s.MaxGap, gap)
	}
	return s
}
