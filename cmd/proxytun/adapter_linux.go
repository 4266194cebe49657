//go:build linux

package main

import (
	"proxytun/internal/platform"
	"proxytun/internal/platform/linux"
)

func newAdapterProvider(tunFD int) (platform.AdapterProvider, error) {
	if tunFD >= 0 {
		return fdProvider(tunFD)
	}
	return linux.NewPlatform().NewAdapterProvider(), nil
}
