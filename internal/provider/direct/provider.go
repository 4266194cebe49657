package direct

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"proxytun/internal/core"
)

// Provider dials destinations directly through the host network stack.
// Used for direct-mode DNS, whose resolver is routed around the TUN adapter
// by a bypass route.
type Provider struct {
	localIP netip.Addr // optional source address
	timeout time.Duration
}

// New creates a direct Provider. localIP may be the zero Addr.
func New(localIP netip.Addr, timeout time.Duration) (*Provider, error) {
	if localIP.IsValid() && !localIP.Is4() {
		return nil, fmt.Errorf("[Direct] localIP must be an IPv4 address, got %s", localIP)
	}
	core.Log.Debugf("Direct", "Provider ready (localIP=%s)", localIP)
	return &Provider{localIP: localIP, timeout: timeout}, nil
}

// DialTCP creates a TCP connection through the host stack.
func (p *Provider) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.timeout}
	if p.localIP.IsValid() {
		dialer.LocalAddr = &net.TCPAddr{IP: p.localIP.AsSlice()}
	}
	return dialer.DialContext(ctx, "tcp4", addr)
}

// DialUDP creates a connected UDP socket through the host stack.
func (p *Provider) DialUDP(ctx context.Context, addr string) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: p.timeout}
	if p.localIP.IsValid() {
		dialer.LocalAddr = &net.UDPAddr{IP: p.localIP.AsSlice()}
	}
	return dialer.DialContext(ctx, "udp4", addr)
}
