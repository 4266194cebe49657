//go:build linux

package linux

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

// defaultSplitRoutes cover the IPv4 space without replacing the system
// default route; longest-prefix match sends everything through the TUN.
var defaultSplitRoutes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/1"),
	netip.MustParsePrefix("128.0.0.0/1"),
}

// probeDst is used to find the route the host currently takes to the internet.
var probeDst = net.IPv4(1, 1, 1, 1)

// RouteManager implements platform.RouteManager with netlink.
// Capture routes point at the TUN link; /32 bypass routes go via the
// real NIC gateway.
type RouteManager struct {
	tunIndex int
	realNIC  platform.RealNIC

	mu     sync.Mutex
	routes []*netlink.Route
}

var _ platform.RouteManager = (*RouteManager)(nil)

// NewRouteManager creates a route manager for the TUN link with the given index.
func NewRouteManager(tunIndex int) *RouteManager {
	return &RouteManager{tunIndex: tunIndex}
}

// DiscoverRealNIC finds the NIC and gateway currently used to reach the internet.
// Must run before SetDefaultRoute.
func (rm *RouteManager) DiscoverRealNIC() (platform.RealNIC, error) {
	routes, err := netlink.RouteGet(probeDst)
	if err != nil {
		return platform.RealNIC{}, fmt.Errorf("route get %s: %w", probeDst, err)
	}
	if len(routes) == 0 {
		return platform.RealNIC{}, errors.New("no route to the internet")
	}
	r := routes[0]

	nic := platform.RealNIC{Index: r.LinkIndex}
	if gw, ok := netip.AddrFromSlice(r.Gw); ok {
		nic.Gateway = gw.Unmap()
	}
	if src, ok := netip.AddrFromSlice(r.Src); ok {
		nic.LocalIP = src.Unmap()
	}
	if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
		nic.Name = link.Attrs().Name
	}

	rm.mu.Lock()
	rm.realNIC = nic
	rm.mu.Unlock()

	core.Log.Infof("Route", "Real NIC: %s (index=%d, gateway=%s, local=%s)",
		nic.Name, nic.Index, nic.Gateway, nic.LocalIP)
	return nic, nil
}

// SetDefaultRoute adds 0/1 and 128/1 through the TUN link.
func (rm *RouteManager) SetDefaultRoute() error {
	for _, pfx := range defaultSplitRoutes {
		r := &netlink.Route{
			LinkIndex: rm.tunIndex,
			Dst:       prefixToIPNet(pfx),
			Scope:     netlink.SCOPE_LINK,
		}
		if err := rm.add(r); err != nil {
			return fmt.Errorf("add route %s: %w", pfx, err)
		}
	}
	core.Log.Infof("Route", "Capture routes installed via link %d", rm.tunIndex)
	return nil
}

// AddBypassRoute adds a /32 for dst through the real NIC.
func (rm *RouteManager) AddBypassRoute(dst netip.Addr) error {
	rm.mu.Lock()
	nic := rm.realNIC
	rm.mu.Unlock()
	if nic.Index == 0 {
		return errors.New("real NIC not discovered")
	}

	r := &netlink.Route{
		LinkIndex: nic.Index,
		Dst:       prefixToIPNet(netip.PrefixFrom(dst, 32)),
	}
	if nic.Gateway.IsValid() {
		r.Gw = nic.Gateway.AsSlice()
	} else {
		r.Scope = netlink.SCOPE_LINK
	}
	if err := rm.add(r); err != nil {
		return fmt.Errorf("add bypass route %s: %w", dst, err)
	}
	core.Log.Infof("Route", "Bypass route %s via %s", dst, nic.Name)
	return nil
}

// Cleanup removes every route added by this manager, newest first.
func (rm *RouteManager) Cleanup() error {
	rm.mu.Lock()
	routes := rm.routes
	rm.routes = nil
	rm.mu.Unlock()

	var errs []error
	for i := len(routes) - 1; i >= 0; i-- {
		if err := netlink.RouteDel(routes[i]); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("del route %s: %w", routes[i].Dst, err))
		}
	}
	return errors.Join(errs...)
}

func (rm *RouteManager) add(r *netlink.Route) error {
	if err := netlink.RouteAdd(r); err != nil {
		if errors.Is(err, unix.EEXIST) {
			core.Log.Debugf("Route", "Route %s already present", r.Dst)
			return nil
		}
		return err
	}
	rm.mu.Lock()
	rm.routes = append(rm.routes, r)
	rm.mu.Unlock()
	return nil
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   p.Addr().AsSlice(),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
