// Package pcapio converts traces to and from classic pcap files.
//
// Export wraps every payload in a synthesized IPv4+UDP frame on the
// loopback address so standard packet tooling can open a capture. Import
// does the reverse for UDP traffic found in a pcap file.
package pcapio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"firestige.xyz/udprec/internal/trace"
)

const (
	snapLen    = 65535
	ipv4Header = 20
	udpHeader  = 8
	// MaxFramePayload is the largest payload that fits one IPv4 datagram.
	MaxFramePayload = 65535 - ipv4Header - udpHeader
)

var ErrFrameTooLarge = errors.New("pcapio: payload does not fit an IPv4 frame")

var loopback = net.IPv4(127, 0, 0, 1)

// Export writes t as a pcap file with link type raw IP (101). Each entry
// becomes one IPv4/UDP packet from and to port on 127.0.0.1, stamped with
// the entry timestamp. An empty trace yields only the global header.
func Export(w io.Writer, t trace.Trace, port uint16) error {
	bw := bufio.NewWriter(w)
	pw := pcapgo.NewWriter(bw)
	if err := pw.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return fmt.Errorf("failed to write pcap header: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	for i := 0; i < t.Len(); i++ {
		e := t.At(i)
		payload, err := trace.EncodeDatagram(e.Payload)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		frame, err := Frame(buf, payload, port)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(0, int64(e.Timestamp)),
			CaptureLength: len(frame),
			Length:        len(frame),
		}
		if err := pw.WritePacket(ci, frame); err != nil {
			return fmt.Errorf("entry %d: failed to write packet: %w", i, err)
		}
	}
	return bw.Flush()
}

// Frame serializes payload behind a 20-byte IPv4 header and an 8-byte UDP
// header into buf and returns the frame bytes, valid until buf is reused.
// The UDP checksum is left zero.
func Frame(buf gopacket.SerializeBuffer, payload []byte, port uint16) ([]byte, error) {
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       1,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    loopback,
		DstIP:    loopback,
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(port),
		DstPort: layers.UDPPort(port),
	}
	opts := gopacket.SerializeOptions{FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}

	frame := buf.Bytes()
	frame[10], frame[11] = 0, 0
	sum := Checksum(frame[:ipv4Header])
	frame[10], frame[11] = byte(sum>>8), byte(sum)
	return frame, nil
}

// Checksum is the Internet checksum: the one's complement of the one's
// complement sum of big-endian 16-bit words. An odd trailing byte is
// padded with a zero low-order byte.
func Checksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// ExportFile writes t to a new pcap file at path. A failed export may
// leave a truncated file behind.
func ExportFile(path string, t trace.Trace, port uint16) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create pcap file %s: %w", path, err)
	}
	if err := Export(f, t, port); err != nil {
		f.Close()
		return fmt.Errorf("failed to export %s: %w", path, err)
	}
	return f.Close()
}
