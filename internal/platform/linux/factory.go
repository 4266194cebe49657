//go:build linux

package linux

import (
	"errors"
	"fmt"
	"sync"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

// NewPlatform returns the Linux platform implementations.
func NewPlatform() *platform.Platform {
	return &platform.Platform{
		Name:               "linux",
		NewAdapterProvider: func() platform.AdapterProvider { return NewProvider() },
	}
}

// Provider creates TUN adapters and steers traffic into them.
type Provider struct {
	mu     sync.Mutex
	routes map[platform.Adapter]*RouteManager
}

var _ platform.AdapterProvider = (*Provider)(nil)

// NewProvider creates a Linux adapter provider.
func NewProvider() *Provider {
	return &Provider{routes: make(map[platform.Adapter]*RouteManager)}
}

// Establish creates the TUN device, installs bypass routes for req.Bypass
// via the current gateway and then the capture routes.
func (p *Provider) Establish(req platform.AdapterRequest) (platform.Adapter, error) {
	cfg := req.Config
	if cfg.Name == "" {
		cfg.Name = core.DefaultInterfaceName
	}
	if cfg.SelectiveMode || len(cfg.AllowedApplications) > 0 || len(cfg.DisallowedApplications) > 0 {
		core.Log.Warnf("Platform", "Per-application routing is not supported on Linux; capturing all traffic")
	}

	// Discover before the TUN exists so the lookup sees the real default route.
	probe := NewRouteManager(0)
	nic, err := probe.DiscoverRealNIC()
	if err != nil {
		return nil, fmt.Errorf("[Platform] %w", err)
	}

	tun, err := NewTUNAdapter(cfg)
	if err != nil {
		return nil, err
	}

	rm := NewRouteManager(tun.Index())
	rm.realNIC = nic

	for _, dst := range req.Bypass {
		if err := rm.AddBypassRoute(dst); err != nil {
			p.teardown(rm, tun)
			return nil, fmt.Errorf("[Platform] %w", err)
		}
	}
	if cfg.RouteAll {
		if err := rm.SetDefaultRoute(); err != nil {
			p.teardown(rm, tun)
			return nil, fmt.Errorf("[Platform] %w", err)
		}
	}

	p.mu.Lock()
	p.routes[tun] = rm
	p.mu.Unlock()
	return tun, nil
}

// Release removes the adapter's routes and closes it.
func (p *Provider) Release(a platform.Adapter) error {
	if a == nil {
		return nil
	}
	p.mu.Lock()
	rm := p.routes[a]
	delete(p.routes, a)
	p.mu.Unlock()

	return p.teardown(rm, a)
}

func (p *Provider) teardown(rm *RouteManager, a platform.Adapter) error {
	var errs []error
	if rm != nil {
		if err := rm.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.Close(); err != nil && !errors.Is(err, platform.ErrAdapterClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		core.Log.Warnf("Platform", "Release: %v", err)
		return fmt.Errorf("[Platform] release: %w", err)
	}
	core.Log.Infof("Platform", "Adapter released")
	return nil
}
