//go:build linux

package linux

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

// TUNAdapter is a Linux TUN device created with water and configured
// with netlink.
type TUNAdapter struct {
	*platform.StreamAdapter
	ifce  *water.Interface
	link  netlink.Link
	index int
}

// NewTUNAdapter creates the device named in cfg, assigns its address and
// MTU, and brings it up.
func NewTUNAdapter(cfg core.TunnelConfig) (*TUNAdapter, error) {
	wcfg := water.Config{DeviceType: water.TUN}
	wcfg.Name = cfg.Name

	ifce, err := water.New(wcfg)
	if err != nil {
		return nil, fmt.Errorf("[Platform] create tun %q: %w", cfg.Name, err)
	}

	a := &TUNAdapter{
		StreamAdapter: platform.NewStreamAdapter(ifce),
		ifce:          ifce,
	}
	if err := a.configure(cfg); err != nil {
		a.Close()
		return nil, fmt.Errorf("[Platform] configure %s: %w", ifce.Name(), err)
	}

	core.Log.Infof("Platform", "TUN %s up (address=%s, mtu=%d, index=%d)",
		ifce.Name(), cfg.Address, cfg.EffectiveMTU(), a.index)
	return a, nil
}

func (a *TUNAdapter) configure(cfg core.TunnelConfig) error {
	link, err := netlink.LinkByName(a.ifce.Name())
	if err != nil {
		return fmt.Errorf("link lookup: %w", err)
	}
	a.link = link
	a.index = link.Attrs().Index

	addr, err := netlink.ParseAddr(cfg.Address)
	if err != nil {
		return fmt.Errorf("parse address %q: %w", cfg.Address, err)
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add address: %w", err)
	}
	if err := netlink.LinkSetMTU(link, cfg.EffectiveMTU()); err != nil {
		return fmt.Errorf("set mtu: %w", err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("link up: %w", err)
	}
	return nil
}

// Name returns the interface name.
func (a *TUNAdapter) Name() string { return a.ifce.Name() }

// Index returns the interface index.
func (a *TUNAdapter) Index() int { return a.index }
