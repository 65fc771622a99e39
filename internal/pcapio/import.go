package pcapio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"golang.org/x/net/bpf"

	"firestige.xyz/udprec/internal/core"
	"firestige.xyz/udprec/internal/log"
	"firestige.xyz/udprec/internal/trace"
)

var ErrLinkType = errors.New("pcapio: unsupported link type")

// Import reads UDP payloads from a classic pcap file. Only unfragmented
// IPv4 UDP packets whose source or destination port equals port are kept;
// port 0 keeps all of them. Timestamps are rebased on the first kept packet.
// Payloads are interpreted as v; message datagrams that fail to parse are
// skipped.
func Import(r io.Reader, port uint16, v trace.Variant) (trace.Trace, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("%w: pcap header: %w", core.ErrFormat, err)
	}
	prog, err := udpFilter(pr.LinkType(), port)
	if err != nil {
		return trace.Trace{}, err
	}
	vm, err := bpf.NewVM(prog)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("failed to load packet filter: %w", err)
	}

	var (
		entries []trace.Entry
		first   time.Time
		last    time.Duration
		skipped int
	)
	for n := 0; ; n++ {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			return trace.Trace{}, fmt.Errorf("%w: packet %d: %w", core.ErrFormat, n, err)
		}
		if keep, _ := vm.Run(data); keep == 0 {
			continue
		}

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			skipped++
			continue
		}
		payloads, err := trace.DecodeDatagram(udp.Payload, v)
		if err != nil {
			log.GetLogger().WithError(err).WithField("packet", n).Debug("skipping undecodable datagram")
			skipped++
			continue
		}

		if len(entries) == 0 {
			first = ci.Timestamp
		}
		ts := ci.Timestamp.Sub(first)
		if ts < last {
			ts = last
		}
		last = ts
		for _, p := range payloads {
			entries = append(entries, trace.Entry{Timestamp: ts, Payload: p})
		}
	}

	if skipped > 0 {
		log.GetLogger().WithField("skipped", skipped).Warn("pcap import skipped packets")
	}
	return trace.New(entries)
}

// ImportFile reads a trace from the pcap file at path.
func ImportFile(path string, port uint16, v trace.Variant) (trace.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("failed to open pcap file %s: %w", path, err)
	}
	defer f.Close()

	t, err := Import(f, port, v)
	if err != nil {
		return trace.Trace{}, fmt.Errorf("failed to import %s: %w", path, err)
	}
	return t, nil
}

// udpFilter assembles a classic BPF program accepting unfragmented IPv4 UDP
// packets to or from port (any port when 0).
func udpFilter(link layers.LinkType, port uint16) ([]bpf.Instruction, error) {
	var (
		ipOff   uint32
		etherAt uint32
		ether   bool
	)
	switch link {
	case layers.LinkTypeRaw:
	case layers.LinkTypeEthernet:
		ipOff, etherAt, ether = 14, 12, true
	case layers.LinkTypeLinuxSLL:
		ipOff, etherAt, ether = 16, 14, true
	default:
		return nil, fmt.Errorf("%w: %s", ErrLinkType, link)
	}

	var prog []bpf.Instruction
	var rejects []int // JumpIf instructions whose true branch rejects
	var accepts []int // JumpIf instructions whose true branch accepts

	if ether {
		prog = append(prog,
			bpf.LoadAbsolute{Off: etherAt, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(layers.EthernetTypeIPv4)},
		)
		rejects = append(rejects, len(prog)-1)
	}
	prog = append(prog,
		bpf.LoadAbsolute{Off: ipOff, Size: 1},
		bpf.ALUOpConstant{Op: bpf.ALUOpAnd, Val: 0xf0},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 0x40},
	)
	rejects = append(rejects, len(prog)-1)
	prog = append(prog,
		bpf.LoadAbsolute{Off: ipOff + 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(layers.IPProtocolUDP)},
	)
	rejects = append(rejects, len(prog)-1)
	prog = append(prog,
		bpf.LoadAbsolute{Off: ipOff + 6, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1fff},
	)
	rejects = append(rejects, len(prog)-1)

	if port == 0 {
		prog = append(prog, bpf.Jump{Skip: 1})
	} else {
		prog = append(prog,
			bpf.LoadMemShift{Off: ipOff},
			bpf.LoadIndirect{Off: ipOff, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port)},
		)
		accepts = append(accepts, len(prog)-1)
		prog = append(prog,
			bpf.LoadIndirect{Off: ipOff + 2, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(port)},
		)
		accepts = append(accepts, len(prog)-1)
	}

	reject := len(prog)
	accept := reject + 1
	prog = append(prog,
		bpf.RetConstant{Val: 0},
		bpf.RetConstant{Val: snapLen},
	)

	for _, i := range rejects {
		j := prog[i].(bpf.JumpIf)
		j.SkipTrue = uint8(reject - i - 1)
		prog[i] = j
	}
	for _, i := range accepts {
		j := prog[i].(bpf.JumpIf)
		j.SkipTrue = uint8(accept - i - 1)
		prog[i] = j
	}
	return prog, nil
}
