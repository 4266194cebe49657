package gateway

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Proto is the transport protocol of a flow.
type Proto uint8

const (
	ProtoTCP Proto = Proto(protoTCP)
	ProtoUDP Proto = Proto(protoUDP)
)

func (p Proto) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	default:
		return fmt.Sprintf("proto(%d)", uint8(p))
	}
}

// FlowKey identifies a flow. It is comparable and used directly as a map key.
type FlowKey struct {
	SrcPort uint16
	DstAddr netip.Addr
	DstPort uint16
	Proto   Proto
}

// Dst returns the destination as an AddrPort.
func (k FlowKey) Dst() netip.AddrPort {
	return netip.AddrPortFrom(k.DstAddr, k.DstPort)
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s :%d->%s", k.Proto, k.SrcPort, k.Dst())
}

// ParsedPacket is the classification result for one frame. Payload is a
// view into the frame buffer, valid only while the buffer is.
type ParsedPacket struct {
	Key     FlowKey
	Src     netip.Addr
	Payload []byte

	// TCP only.
	Flags  byte
	Seq    uint32
	Ack    uint32
	Window uint16
}

// HasFlag reports whether all bits in f are set.
func (p *ParsedPacket) HasFlag(f byte) bool { return p.Flags&f == f }

// Classify extracts the flow key and payload from a raw IPv4 frame.
// ok is false for frames that are not relayed: non-IPv4, protocols other
// than TCP and UDP, truncated headers and non-first fragments.
// Classify performs no I/O and is safe for concurrent use on distinct buffers.
func Classify(pkt []byte) (pp ParsedPacket, ok bool) {
	if len(pkt) < minIPv4Hdr {
		return pp, false
	}
	if pkt[0]>>4 != 4 {
		return pp, false
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < minIPv4Hdr || ihl > len(pkt) {
		return pp, false
	}
	// Non-first fragments carry no transport header.
	if binary.BigEndian.Uint16(pkt[6:8])&0x1fff != 0 {
		return pp, false
	}

	end := len(pkt)
	if total := int(binary.BigEndian.Uint16(pkt[2:4])); total >= ihl && total < end {
		end = total
	}

	tpOff := ihl
	var payloadStart int

	switch pkt[9] {
	case protoTCP:
		if len(pkt) < tpOff+minTCPHdr {
			return pp, false
		}
		doff := int(pkt[tpOff+12]>>4) * 4
		if doff < minTCPHdr {
			return pp, false
		}
		pp.Key.Proto = ProtoTCP
		pp.Seq = binary.BigEndian.Uint32(pkt[tpOff+4:])
		pp.Ack = binary.BigEndian.Uint32(pkt[tpOff+8:])
		pp.Flags = pkt[tpOff+13]
		pp.Window = binary.BigEndian.Uint16(pkt[tpOff+14:])
		payloadStart = tpOff + doff

	case protoUDP:
		if len(pkt) < tpOff+minUDPHdr {
			return pp, false
		}
		pp.Key.Proto = ProtoUDP
		payloadStart = tpOff + minUDPHdr

	default:
		return pp, false
	}

	pp.Key.SrcPort = binary.BigEndian.Uint16(pkt[tpOff:])
	pp.Key.DstPort = binary.BigEndian.Uint16(pkt[tpOff+2:])
	pp.Key.DstAddr = netip.AddrFrom4([4]byte(pkt[16:20]))
	pp.Src = netip.AddrFrom4([4]byte(pkt[12:16]))

	if payloadStart < end {
		pp.Payload = pkt[payloadStart:end]
	}
	return pp, true
}

// IsDNS reports whether pkt is a UDP datagram to port 53.
func IsDNS(pkt []byte) bool {
	if len(pkt) < minDNSFrame || pkt[0]>>4 != 4 || pkt[9] != protoUDP {
		return false
	}
	ihl := int(pkt[0]&0x0f) * 4
	if ihl < minIPv4Hdr || len(pkt) < ihl+minUDPHdr {
		return false
	}
	return binary.BigEndian.Uint16(pkt[ihl+2:]) == dnsPort
}
