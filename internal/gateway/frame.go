package gateway

import (
	"encoding/binary"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// tcpSegment describes a TCP segment written back to the client.
type tcpSegment struct {
	src, dst netip.AddrPort
	seq, ack uint32
	flags    byte
	window   uint16
	mss      uint16 // MSS option value; 0 omits the option
	payload  []byte
}

// buildTCPFrame serializes an IPv4/TCP frame with valid checksums.
func buildTCPFrame(id uint16, s tcpSegment) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Id:       id,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    net.IP(s.src.Addr().AsSlice()),
		DstIP:    net.IP(s.dst.Addr().AsSlice()),
	}
	tcp := &layers.TCP{
		SrcPort: layers.TCPPort(s.src.Port()),
		DstPort: layers.TCPPort(s.dst.Port()),
		Seq:     s.seq,
		Ack:     s.ack,
		Window:  s.window,
		FIN:     s.flags&tcpFIN != 0,
		SYN:     s.flags&tcpSYN != 0,
		RST:     s.flags&tcpRST != 0,
		PSH:     s.flags&tcpPSH != 0,
		ACK:     s.flags&tcpACK != 0,
	}
	if s.mss > 0 {
		var v [2]byte
		binary.BigEndian.PutUint16(v[:], s.mss)
		tcp.Options = []layers.TCPOption{{
			OptionType:   layers.TCPOptionKindMSS,
			OptionLength: 4,
			OptionData:   v[:],
		}}
	}
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, tcp, gopacket.Payload(s.payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// buildUDPFrame serializes an IPv4/UDP frame with valid checksums.
func buildUDPFrame(id uint16, src, dst netip.AddrPort, payload []byte) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      defaultTTL,
		Id:       id,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(src.Addr().AsSlice()),
		DstIP:    net.IP(dst.Addr().AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
