package gateway

import "time"

const (
	minIPv4Hdr = 20
	minTCPHdr  = 20
	minUDPHdr  = 8

	protoTCP byte = 6
	protoUDP byte = 17

	tcpFIN byte = 0x01
	tcpSYN byte = 0x02
	tcpRST byte = 0x04
	tcpPSH byte = 0x08
	tcpACK byte = 0x10

	dnsPort = 53
	// minDNSFrame is an IPv4 header, a UDP header and nothing else.
	minDNSFrame = minIPv4Hdr + minUDPHdr

	// relayBufSize is the minimum size of pooled buffers. Larger MTUs get
	// MTU-sized buffers so a whole frame or MSS chunk always fits.
	relayBufSize = 32 << 10

	// idleReadBackoff is how long the reader sleeps after an empty read.
	idleReadBackoff = 10 * time.Millisecond

	// sweepInterval is how often idle flows are evicted.
	sweepInterval = 30 * time.Second

	// windowWait bounds how long a flow reader waits for the client to
	// open its receive window before sending anyway.
	windowWait = 500 * time.Millisecond

	// defaultTTL is the TTL of frames written back to the adapter.
	defaultTTL = 64
)
