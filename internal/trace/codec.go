package trace

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"firestige.xyz/udprec/internal/core"
)

// maxString is the largest string the uint16 length prefix can describe.
const maxString = math.MaxUint16

// preallocLimit caps slice preallocation driven by counts read from a file.
const preallocLimit = 4096

var ErrStringTooLong = errors.New("trace: string exceeds 65535 bytes")

// Encode writes t in the big-endian trace file layout:
//
//	int32 entryCount
//	entryCount x { int64 timestampNanos, payload }
//
// A raw payload is int32 length + bytes. A message payload is the
// length-prefixed address, int32 argCount, then argCount x { int32 tag, value }.
// Strings carry a uint16 byte length followed by modified UTF-8.
func Encode(w io.Writer, t Trace) error {
	bw := bufio.NewWriter(w)
	enc := encoder{w: bw}
	enc.int32(int32(t.Len()))
	for i := 0; i < t.Len() && enc.err == nil; i++ {
		e := t.At(i)
		enc.int64(int64(e.Timestamp))
		switch p := e.Payload.(type) {
		case Raw:
			if len(p) > MaxPayload {
				return fmt.Errorf("entry %d: payload length %d exceeds %d", i, len(p), MaxPayload)
			}
			enc.int32(int32(len(p)))
			enc.bytes(p)
		case Message:
			enc.message(p)
		default:
			return fmt.Errorf("entry %d: unsupported payload %T", i, e.Payload)
		}
	}
	if enc.err != nil {
		return enc.err
	}
	return bw.Flush()
}

type encoder struct {
	w   *bufio.Writer
	buf [8]byte
	err error
}

func (e *encoder) bytes(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) int32(v int32) {
	binary.BigEndian.PutUint32(e.buf[:4], uint32(v))
	e.bytes(e.buf[:4])
}

func (e *encoder) int64(v int64) {
	binary.BigEndian.PutUint64(e.buf[:8], uint64(v))
	e.bytes(e.buf[:8])
}

func (e *encoder) string(s string) {
	n := modifiedUTF8Len(s)
	if n > maxString {
		if e.err == nil {
			e.err = fmt.Errorf("%w: %d bytes", ErrStringTooLong, n)
		}
		return
	}
	binary.BigEndian.PutUint16(e.buf[:2], uint16(n))
	e.bytes(e.buf[:2])
	e.bytes(appendModifiedUTF8(make([]byte, 0, n), s))
}

func (e *encoder) message(m Message) {
	e.string(m.Address)
	e.int32(int32(len(m.Args)))
	for _, a := range m.Args {
		e.int32(int32(a.Tag()))
		switch v := a.(type) {
		case Text:
			e.string(string(v))
		case Int32:
			e.int32(int32(v))
		case Float32:
			e.int32(int32(math.Float32bits(float32(v))))
		case Float64:
			e.int64(int64(math.Float64bits(float64(v))))
		default:
			if e.err == nil {
				e.err = fmt.Errorf("unsupported argument %T", a)
			}
		}
	}
}

// Decode reads a trace written by Encode. Payloads are interpreted as v.
// Truncated input, negative or oversized lengths and out-of-order
// timestamps yield an error wrapping core.ErrFormat. Unrecognized argument
// tags are read as text, and undecodable string bytes as U+FFFD.
func Decode(r io.Reader, v Variant) (Trace, error) {
	dec := decoder{r: bufio.NewReader(r)}
	count := dec.int32("entry count")
	if dec.err != nil {
		return Trace{}, dec.err
	}
	if count < 0 {
		return Trace{}, fmt.Errorf("%w: negative entry count %d", core.ErrFormat, count)
	}

	entries := make([]Entry, 0, min(int(count), preallocLimit))
	for i := 0; i < int(count); i++ {
		var e Entry
		e.Timestamp = time.Duration(dec.int64("timestamp"))
		switch v {
		case VariantRaw:
			e.Payload = dec.raw()
		case VariantMessage:
			e.Payload = dec.message()
		default:
			return Trace{}, fmt.Errorf("unknown variant %d", v)
		}
		if dec.err != nil {
			return Trace{}, fmt.Errorf("entry %d: %w", i, dec.err)
		}
		entries = append(entries, e)
	}

	if err := validate(entries); err != nil {
		return Trace{}, fmt.Errorf("%w: %v", core.ErrFormat, err)
	}
	return Trace{entries: entries}, nil
}

type decoder struct {
	r   *bufio.Reader
	buf [8]byte
	err error
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]interface{}{core.ErrFormat}, args...)...)
	}
}

func (d *decoder) read(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	b := d.buf[:n]
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.fail("truncated %s: %v", what, err)
		return nil
	}
	return b
}

func (d *decoder) int32(what string) int32 {
	b := d.read(4, what)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (d *decoder) int64(what string) int64 {
	b := d.read(8, what)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (d *decoder) payload(n int, what string) []byte {
	if d.err != nil {
		return nil
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(d.r, p); err != nil {
		d.fail("truncated %s: %v", what, err)
		return nil
	}
	return p
}

func (d *decoder) raw() Raw {
	n := d.int32("payload length")
	if d.err != nil {
		return nil
	}
	if n < 0 || n > MaxPayload {
		d.fail("payload length %d out of range [0, %d]", n, MaxPayload)
		return nil
	}
	return Raw(d.payload(int(n), "payload"))
}

func (d *decoder) string(what string) string {
	b := d.read(2, what+" length")
	if b == nil {
		return ""
	}
	s := d.payload(int(binary.BigEndian.Uint16(b)), what)
	if d.err != nil {
		return ""
	}
	return decodeModifiedUTF8(s)
}

func (d *decoder) message() Message {
	m := Message{Address: d.string("address")}
	n := d.int32("argument count")
	if d.err != nil {
		return m
	}
	if n < 0 {
		d.fail("negative argument count %d", n)
		return m
	}
	if n > 0 {
		m.Args = make([]Arg, 0, min(int(n), preallocLimit))
	}
	for i := 0; i < int(n) && d.err == nil; i++ {
		switch ArgTag(d.int32("argument tag")) {
		case TagInt32:
			m.Args = append(m.Args, Int32(d.int32("int32 argument")))
		case TagFloat32:
			m.Args = append(m.Args, Float32(math.Float32frombits(uint32(d.int32("float32 argument")))))
		case TagFloat64:
			m.Args = append(m.Args, Float64(math.Float64frombits(uint64(d.int64("float64 argument")))))
		default:
			// TagText and anything unrecognized
			m.Args = append(m.Args, Text(d.string("text argument")))
		}
	}
	return m
}

// Save writes t to path, replacing any existing file.
func Save(path string, t Trace) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create trace file %s: %w", path, err)
	}
	if err := Encode(f, t); err != nil {
		f.Close()
		return fmt.Errorf("failed to write trace file %s: %w", path, err)
	}
	return f.Close()
}

// Load reads a trace file written by Save.
func Load(path string, v Variant) (Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return Trace{}, fmt.Errorf("failed to open trace file %s: %w", path, err)
	}
	defer f.Close()

	t, err := Decode(f, v)
	if err != nil {
		return Trace{}, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}
	return t, nil
}
