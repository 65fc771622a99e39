package trace

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDatagramLayout(t *testing.T) {
	b, err := EncodeDatagram(Message{Address: "/ab", Args: []Arg{Int32(1), Text("hey")}})
	require.NoError(t, err)

	want := []byte{
		'/', 'a', 'b', 0,
		',', 'i', 's', 0,
		0, 0, 0, 1,
		'h', 'e', 'y', 0,
	}
	assert.Equal(t, want, b)
}

func TestDatagramRoundTrip(t *testing.T) {
	m := Message{
		Address: "/VMC/Ext/Root/Pos",
		Args:    []Arg{Text("root"), Float32(1.25), Float32(-2), Float64(0.1), Int32(-9), Text("")},
	}
	b, err := EncodeDatagram(m)
	require.NoError(t, err)
	assert.Zero(t, len(b)%4)

	got, err := DecodeDatagram(b, VariantMessage)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, m, got[0])
}

func TestDecodeDatagramRawCopies(t *testing.T) {
	in := []byte{1, 2, 3}
	got, err := DecodeDatagram(in, VariantRaw)
	require.NoError(t, err)
	in[0] = 9
	assert.Equal(t, Raw{1, 2, 3}, got[0])

	out, err := EncodeDatagram(got[0])
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, out)
}

func TestDecodeDatagramBundle(t *testing.T) {
	m1, err := EncodeDatagram(Message{Address: "/one", Args: []Arg{Int32(1)}})
	require.NoError(t, err)
	m2, err := EncodeDatagram(Message{Address: "/two", Args: []Arg{Text("b")}})
	require.NoError(t, err)

	got, err := DecodeDatagram(bundle(m1, m2), VariantMessage)
	require.NoError(t, err)
	assert.Equal(t, []Payload{
		Message{Address: "/one", Args: []Arg{Int32(1)}},
		Message{Address: "/two", Args: []Arg{Text("b")}},
	}, got)
}

func TestDecodeDatagramWithoutTypeTags(t *testing.T) {
	got, err := DecodeDatagram([]byte{'/', 'o', 'l', 'd', 0, 0, 0, 0}, VariantMessage)
	require.NoError(t, err)
	assert.Equal(t, []Payload{Message{Address: "/old"}}, got)
}

func bundle(elems ...[]byte) []byte {
	b := append([]byte("#bundle\x00"), 0, 0, 0, 0, 0, 0, 0, 1)
	for _, e := range elems {
		b = binary.BigEndian.AppendUint32(b, uint32(len(e)))
		b = append(b, e...)
	}
	return b
}

func TestDecodeDatagramExtendedTags(t *testing.T) {
	b := []byte{
		'/', 'x', 0, 0,
		',', 'h', 'T', 'F', 'N', 0, 0, 0,
		0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFE,
	}
	got, err := DecodeDatagram(b, VariantMessage)
	require.NoError(t, err)
	assert.Equal(t, Message{Address: "/x", Args: []Arg{Text("-2"), Text("true"), Text("false"), Text("nil")}}, got[0])
}

func TestDecodeDatagramErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"no slash", []byte{'a', 0, 0, 0}},
		{"unterminated", []byte{'/', 'a', 'b', 'c'}},
		{"bad tags", []byte{'/', 0, 0, 0, 'i', 0, 0, 0}},
		{"truncated int", []byte{'/', 0, 0, 0, ',', 'i', 0, 0, 0, 1}},
		{"blob", []byte{'/', 0, 0, 0, ',', 'b', 0, 0, 0, 0, 0, 0}},
		{"bad bundle size", append([]byte("#bundle\x00"), 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 99)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeDatagram(tt.data, VariantMessage)
			assert.ErrorIs(t, err, ErrDatagram)
		})
	}
}

func TestEncodeDatagramRejectsBadStrings(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"no slash", Message{Address: "nope"}},
		{"nul in address", Message{Address: "/a\x00b"}},
		{"nul in text", Message{Address: "/a", Args: []Arg{Text("x\x00y"), Int32(1)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeDatagram(tt.msg)
			assert.ErrorIs(t, err, ErrDatagram)
		})
	}
}
