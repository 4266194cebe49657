//go:build !linux && !darwin

package main

import (
	"errors"

	"proxytun/internal/platform"
)

func newAdapterProvider(int) (platform.AdapterProvider, error) {
	return nil, errors.New("[Core] no TUN support on this platform")
}
