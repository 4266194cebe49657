package platform

import (
	"io"
	"sync"
	"sync/atomic"
)

// StreamAdapter wraps an already open TUN handle. Every Read must return
// exactly one packet, which holds for TUN character devices.
type StreamAdapter struct {
	rwc    io.ReadWriteCloser
	closed atomic.Bool
	once   sync.Once
	err    error
}

// NewStreamAdapter wraps rwc as an Adapter.
func NewStreamAdapter(rwc io.ReadWriteCloser) *StreamAdapter {
	return &StreamAdapter{rwc: rwc}
}

// ReadPacket reads one packet. Not safe for concurrent use.
func (a *StreamAdapter) ReadPacket(buf []byte) (int, error) {
	if a.closed.Load() {
		return 0, ErrAdapterClosed
	}
	n, err := a.rwc.Read(buf)
	if err != nil && a.closed.Load() {
		return n, ErrAdapterClosed
	}
	return n, err
}

// WritePacket writes one packet.
func (a *StreamAdapter) WritePacket(pkt []byte) error {
	if a.closed.Load() {
		return ErrAdapterClosed
	}
	_, err := a.rwc.Write(pkt)
	return err
}

// Close closes the underlying handle once.
func (a *StreamAdapter) Close() error {
	a.once.Do(func() {
		a.closed.Store(true)
		a.err = a.rwc.Close()
	})
	return a.err
}

// StaticProvider hands out one pre-opened adapter. Used when the host
// process owns the TUN descriptor and routing.
type StaticProvider struct {
	mu      sync.Mutex
	adapter Adapter
	used    bool
}

// NewStaticProvider returns a provider that yields a on the first Establish.
func NewStaticProvider(a Adapter) *StaticProvider {
	return &StaticProvider{adapter: a}
}

// Establish returns the wrapped adapter, or an error if it was already handed out.
func (p *StaticProvider) Establish(AdapterRequest) (Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used || p.adapter == nil {
		return nil, ErrAdapterClosed
	}
	p.used = true
	return p.adapter, nil
}

// Release closes the adapter.
func (p *StaticProvider) Release(a Adapter) error {
	if a == nil {
		return nil
	}
	return a.Close()
}
