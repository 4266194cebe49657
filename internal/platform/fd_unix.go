//go:build linux || darwin

package platform

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// FDAdapter reads and writes raw IPv4 frames on a TUN file descriptor
// handed over by the host process. The descriptor is switched to
// non-blocking mode; a read with no packet pending returns (0, nil).
type FDAdapter struct {
	fd     int
	closed atomic.Bool
	once   sync.Once
	err    error
}

// NewFDAdapter takes ownership of fd.
func NewFDAdapter(fd int) (*FDAdapter, error) {
	if fd < 0 {
		return nil, fmt.Errorf("[Platform] invalid tun fd %d", fd)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("[Platform] set nonblock on fd %d: %w", fd, err)
	}
	return &FDAdapter{fd: fd}, nil
}

// ReadPacket reads one packet. Not safe for concurrent use.
func (a *FDAdapter) ReadPacket(buf []byte) (int, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}
	n, err := unix.Read(a.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		if a.closed.Load() {
			return 0, ErrAdapterClosed
		}
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	return n, nil
}

// WritePacket writes one packet. A full device queue drops the packet.
func (a *FDAdapter) WritePacket(pkt []byte) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	for {
		_, err := unix.Write(a.fd, pkt)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}

// Close closes the descriptor once.
func (a *FDAdapter) Close() error {
	a.once.Do(func() {
		a.closed.Store(true)
		a.err = unix.Close(a.fd)
	})
	return a.err
}
