package trace

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/hypebeast/go-osc/osc"
)

// Message payloads travel as OSC 1.0 messages. Bundles are accepted on input
// and flattened into their messages; their time tags are ignored because
// replay timing comes from the trace.

var ErrDatagram = errors.New("trace: malformed message datagram")

// EncodeDatagram returns the bytes that carry p on the wire.
func EncodeDatagram(p Payload) ([]byte, error) {
	switch v := p.(type) {
	case Raw:
		return v, nil
	case Message:
		return encodeMessage(v)
	default:
		return nil, fmt.Errorf("unsupported payload %T", p)
	}
}

func encodeMessage(m Message) ([]byte, error) {
	if len(m.Address) == 0 || m.Address[0] != '/' {
		return nil, fmt.Errorf("%w: address %q must start with '/'", ErrDatagram, m.Address)
	}
	if strings.IndexByte(m.Address, 0) >= 0 {
		return nil, fmt.Errorf("%w: address %q contains NUL", ErrDatagram, m.Address)
	}

	msg := osc.NewMessage(m.Address)
	for i, a := range m.Args {
		switch v := a.(type) {
		case Text:
			// OSC strings are NUL terminated, so an embedded NUL would cut the argument.
			if strings.IndexByte(string(v), 0) >= 0 {
				return nil, fmt.Errorf("%w: argument %d contains NUL", ErrDatagram, i)
			}
			msg.Append(string(v))
		case Int32:
			msg.Append(int32(v))
		case Float32:
			msg.Append(float32(v))
		case Float64:
			msg.Append(float64(v))
		default:
			return nil, fmt.Errorf("unsupported argument %T", a)
		}
	}
	b, err := msg.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatagram, err)
	}
	return b, nil
}

// DecodeDatagram interprets a received datagram. The raw variant yields a
// copy of b. The message variant yields every message in b, flattening
// bundles.
func DecodeDatagram(b []byte, v Variant) ([]Payload, error) {
	switch v {
	case VariantRaw:
		if len(b) > MaxPayload {
			return nil, fmt.Errorf("%w: datagram length %d exceeds %d", ErrDatagram, len(b), MaxPayload)
		}
		cp := make([]byte, len(b))
		copy(cp, b)
		return []Payload{Raw(cp)}, nil
	case VariantMessage:
		return decodePacket(b)
	default:
		return nil, fmt.Errorf("unknown variant %d", v)
	}
}

func decodePacket(b []byte) ([]Payload, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrDatagram)
	}
	switch b[0] {
	case '/':
		if addr, ok := bareAddress(b); ok {
			return []Payload{Message{Address: addr}}, nil
		}
	case '#':
	default:
		return nil, fmt.Errorf("%w: unexpected leading byte %q", ErrDatagram, b[0])
	}

	pkt, err := osc.ParsePacket(string(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatagram, err)
	}
	var out []Payload
	if err := flatten(pkt, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// bareAddress recognizes a message whose type tag string was omitted, as
// very old senders do.
func bareAddress(b []byte) (string, bool) {
	end := bytes.IndexByte(b, 0)
	if end < 0 || (end+4)&^3 != len(b) {
		return "", false
	}
	for _, c := range b[end:] {
		if c != 0 {
			return "", false
		}
	}
	return validText(b[:end]), true
}

func flatten(pkt osc.Packet, out *[]Payload) error {
	switch p := pkt.(type) {
	case *osc.Message:
		m, err := fromOSC(p)
		if err != nil {
			return err
		}
		*out = append(*out, m)
	case *osc.Bundle:
		for _, m := range p.Messages {
			if err := flatten(m, out); err != nil {
				return err
			}
		}
		for _, nested := range p.Bundles {
			if err := flatten(nested, out); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("%w: unrecognized packet", ErrDatagram)
	}
	return nil
}

func fromOSC(msg *osc.Message) (Message, error) {
	m := Message{Address: validText([]byte(msg.Address))}
	if len(m.Address) == 0 || m.Address[0] != '/' {
		return Message{}, fmt.Errorf("%w: address %q must start with '/'", ErrDatagram, m.Address)
	}
	for i, a := range msg.Arguments {
		var arg Arg
		switch v := a.(type) {
		case int32:
			arg = Int32(v)
		case float32:
			arg = Float32(v)
		case float64:
			arg = Float64(v)
		case string:
			arg = Text(validText([]byte(v)))
		// Extended types have no argument of their own and are kept as text.
		case int64:
			arg = Text(strconv.FormatInt(v, 10))
		case bool:
			arg = Text(strconv.FormatBool(v))
		case nil:
			arg = Text("nil")
		case osc.Timetag:
			arg = Text(strconv.FormatUint(v.TimeTag(), 10))
		case *osc.Timetag:
			arg = Text(strconv.FormatUint(v.TimeTag(), 10))
		default:
			return Message{}, fmt.Errorf("%w: unsupported argument %d of type %T", ErrDatagram, i, a)
		}
		m.Args = append(m.Args, arg)
	}
	return m, nil
}

func validText(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}
