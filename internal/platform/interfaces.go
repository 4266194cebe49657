package platform

import (
	"errors"
	"net/netip"

	"proxytun/internal/core"
)

// ErrAdapterClosed is returned by adapter reads and writes after Close.
var ErrAdapterClosed = errors.New("adapter closed")

// Adapter abstracts a TUN device carrying raw IPv4 frames (no link header).
type Adapter interface {
	// ReadPacket reads one IP packet into buf and returns the number of bytes read.
	// A return of (0, nil) means no packet was ready.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes one IP packet to the adapter.
	WritePacket(pkt []byte) error
	// Close tears down the adapter. Safe to call more than once.
	Close() error
}

// AdapterRequest describes the adapter a session needs.
type AdapterRequest struct {
	Config core.TunnelConfig
	// Bypass lists hosts that must be routed around the adapter
	// (the proxy and, in direct DNS mode, the resolver).
	Bypass []netip.Addr
}

// AdapterProvider acquires and releases adapters together with the routes
// that steer traffic into them.
type AdapterProvider interface {
	// Establish creates and configures an adapter. An error means the
	// platform refused the request.
	Establish(req AdapterRequest) (Adapter, error)
	// Release removes routes and closes the adapter.
	Release(a Adapter) error
}

// RealNIC holds information about the system's real internet-facing NIC.
type RealNIC struct {
	Index   int
	Name    string
	Gateway netip.Addr
	LocalIP netip.Addr
}

// RouteManager abstracts system routing table management.
type RouteManager interface {
	// DiscoverRealNIC finds the current default gateway (non-TUN) NIC.
	DiscoverRealNIC() (RealNIC, error)
	// SetDefaultRoute adds default routes (0/1 + 128/1) through the TUN adapter.
	SetDefaultRoute() error
	// AddBypassRoute adds a host route through the real NIC.
	AddBypassRoute(dst netip.Addr) error
	// Cleanup removes all routes added by this manager.
	Cleanup() error
}
