// Package trace defines the captured event model, the append-only capture
// log and the binary trace file codec.
package trace

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxPayload is the largest raw payload a trace entry may carry.
const MaxPayload = 65536

// Variant selects how payloads are interpreted: opaque datagrams or
// structured messages.
type Variant int

const (
	VariantRaw Variant = iota
	VariantMessage
)

func (v Variant) String() string {
	switch v {
	case VariantRaw:
		return "raw"
	case VariantMessage:
		return "message"
	default:
		return "unknown"
	}
}

// MarshalText renders the variant by name in JSON and YAML output.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(b []byte) error {
	parsed, err := ParseVariant(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVariant converts a configuration string to a Variant.
// "osc" is accepted as an alias of "message".
func ParseVariant(s string) (Variant, error) {
	switch strings.ToLower(s) {
	case "raw", "":
		return VariantRaw, nil
	case "message", "osc":
		return VariantMessage, nil
	default:
		return VariantRaw, fmt.Errorf("unknown trace variant %q (must be raw or message)", s)
	}
}

// Entry is one captured event: a timestamp relative to the session epoch
// and its payload.
type Entry struct {
	Timestamp time.Duration
	Payload   Payload
}

// Payload is the closed set of event payloads: Raw or Message.
type Payload interface {
	Variant() Variant
	// Size is the number of payload bytes, used for statistics.
	Size() int
}

// Raw is an opaque datagram payload.
type Raw []byte

func (Raw) Variant() Variant { return VariantRaw }
func (r Raw) Size() int      { return len(r) }

// Message is a named event with an ordered list of typed arguments.
type Message struct {
	Address string
	Args    []Arg
}

func (Message) Variant() Variant { return VariantMessage }

func (m Message) Size() int {
	n := len(m.Address)
	for _, a := range m.Args {
		switch v := a.(type) {
		case Text:
			n += len(v)
		case Float64:
			n += 8
		default:
			n += 4
		}
	}
	return n
}

func (m Message) String() string {
	var b strings.Builder
	b.WriteString(m.Address)
	b.WriteString(" -> [")
	for i, a := range m.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	b.WriteString("]")
	return b.String()
}

// ArgTag is the on-disk type tag of a message argument.
type ArgTag int32

const (
	TagText    ArgTag = 0
	TagInt32   ArgTag = 1
	TagFloat32 ArgTag = 2
	TagFloat64 ArgTag = 3
)

// Arg is one message argument: Text, Int32, Float32 or Float64.
type Arg interface {
	Tag() ArgTag
	String() string
}

type (
	Text    string
	Int32   int32
	Float32 float32
	Float64 float64
)

func (Text) Tag() ArgTag    { return TagText }
func (Int32) Tag() ArgTag   { return TagInt32 }
func (Float32) Tag() ArgTag { return TagFloat32 }
func (Float64) Tag() ArgTag { return TagFloat64 }

func (a Text) String() string  { return strconv.Quote(string(a)) }
func (a Int32) String() string { return strconv.FormatInt(int64(a), 10) }
func (a Float32) String() string {
	return strconv.FormatFloat(float64(a), 'g', -1, 32)
}
func (a Float64) String() string {
	return strconv.FormatFloat(float64(a), 'g', -1, 64)
}
