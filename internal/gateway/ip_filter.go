package gateway

import (
	"fmt"
	"net/netip"

	"go4.org/netipx"
)

// blockedPrefixes are destinations never relayed: unspecified, loopback,
// link-local, multicast and limited broadcast.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
}

// DestinationFilter decides which destinations may be relayed.
// Immutable after construction; safe for concurrent use.
type DestinationFilter struct {
	blocked *netipx.IPSet
}

// FilterConfig lists destinations the filter blocks in addition to the
// fixed reserved ranges.
type FilterConfig struct {
	// VirtualNet is the adapter's subnet.
	VirtualNet netip.Prefix
	// ProxyAddrs are the proxy server addresses. Relaying to them would loop.
	ProxyAddrs []netip.Addr
	// Exclude are user-configured bypass prefixes.
	Exclude []netip.Prefix
}

// NewDestinationFilter builds the blocked set.
func NewDestinationFilter(cfg FilterConfig) (*DestinationFilter, error) {
	var b netipx.IPSetBuilder
	for _, p := range blockedPrefixes {
		b.AddPrefix(p)
	}
	if cfg.VirtualNet.IsValid() {
		b.AddPrefix(cfg.VirtualNet.Masked())
	}
	for _, a := range cfg.ProxyAddrs {
		if a.IsValid() {
			b.Add(a.Unmap())
		}
	}
	for _, p := range cfg.Exclude {
		if p.IsValid() {
			b.AddPrefix(p.Masked())
		}
	}
	set, err := b.IPSet()
	if err != nil {
		return nil, fmt.Errorf("[Gateway] build destination filter: %w", err)
	}
	return &DestinationFilter{blocked: set}, nil
}

// Allowed reports whether traffic to dst may be relayed.
func (f *DestinationFilter) Allowed(dst netip.Addr) bool {
	if f == nil {
		return true
	}
	return !f.blocked.Contains(dst.Unmap())
}

// ParsePrefixes parses CIDR strings, accepting bare addresses as host routes.
func ParsePrefixes(list []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(list))
	for _, s := range list {
		if p, err := netip.ParsePrefix(s); err == nil {
			out = append(out, p)
			continue
		}
		a, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("[Gateway] invalid exclude entry %q", s)
		}
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}
