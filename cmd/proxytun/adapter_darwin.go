//go:build darwin

package main

import (
	"errors"

	"proxytun/internal/platform"
)

func newAdapterProvider(tunFD int) (platform.AdapterProvider, error) {
	if tunFD < 0 {
		return nil, errors.New("[Core] -tun-fd is required on this platform")
	}
	return fdProvider(tunFD)
}
