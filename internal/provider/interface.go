package provider

import (
	"context"
	"errors"
	"net"
	"net/netip"
)

// ErrUDPNotSupported is returned by DialUDP on providers that carry TCP only.
var ErrUDPNotSupported = errors.New("udp not supported by provider")

// Dialer opens upstream connections on behalf of relayed flows.
type Dialer interface {
	// DialTCP creates a TCP connection through the upstream to addr (host:port).
	DialTCP(ctx context.Context, addr string) (net.Conn, error)

	// DialUDP creates a connected UDP socket through the upstream to addr.
	// Each Read returns one datagram; each Write sends one datagram.
	DialUDP(ctx context.Context, addr string) (net.Conn, error)
}

// EndpointProvider is implemented by dialers whose server endpoints must be
// routed around the TUN adapter to avoid routing loops.
type EndpointProvider interface {
	GetServerEndpoints() []netip.AddrPort
}
