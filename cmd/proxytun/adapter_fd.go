//go:build linux || darwin

package main

import (
	"fmt"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

// fdProvider serves a TUN descriptor opened by the parent process, which
// also owns addressing and routes.
func fdProvider(fd int) (platform.AdapterProvider, error) {
	a, err := platform.NewFDAdapter(fd)
	if err != nil {
		return nil, fmt.Errorf("[Core] tun fd %d: %w", fd, err)
	}
	core.Log.Infof("Core", "Using inherited TUN fd %d", fd)
	return platform.NewStaticProvider(a), nil
}
