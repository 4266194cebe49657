package gateway

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"proxytun/internal/platform"
)

var (
	testClient = netip.MustParseAddrPort("10.8.0.2:40000")
	testServer = netip.MustParseAddrPort("93.184.216.34:80")
)

// fakeAdapter feeds frames from in and captures written frames on out.
type fakeAdapter struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 256),
		closed: make(chan struct{}),
	}
}

func (a *fakeAdapter) ReadPacket(buf []byte) (int, error) {
	select {
	case p := <-a.in:
		return copy(buf, p), nil
	case <-a.closed:
		return 0, platform.ErrAdapterClosed
	}
}

func (a *fakeAdapter) WritePacket(pkt []byte) error {
	select {
	case <-a.closed:
		return platform.ErrAdapterClosed
	default:
	}
	select {
	case a.out <- append([]byte(nil), pkt...):
		return nil
	default:
		return errors.New("out full")
	}
}

func (a *fakeAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

// pipeDialer hands out one end of a net.Pipe per dial and publishes the
// other end on peers.
type pipeDialer struct {
	dials atomic.Int32
	gate  chan struct{} // if non-nil, dials wait for it to close
	err   error
	peers chan net.Conn
}

func newPipeDialer() *pipeDialer {
	return &pipeDialer{peers: make(chan net.Conn, 16)}
}

func (d *pipeDialer) dial(ctx context.Context) (net.Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	c, s := net.Pipe()
	d.peers <- s
	return c, nil
}

func (d *pipeDialer) DialTCP(ctx context.Context, _ string) (net.Conn, error) { return d.dial(ctx) }
func (d *pipeDialer) DialUDP(ctx context.Context, _ string) (net.Conn, error) { return d.dial(ctx) }

func (d *pipeDialer) peer(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-d.peers:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no upstream dial")
		return nil
	}
}

// clientTCP builds a frame from testClient to testServer.
func clientTCP(t *testing.T, seq, ack uint32, flags byte, payload []byte) []byte {
	t.Helper()
	return clientTCPFrom(t, testClient, seq, ack, flags, payload)
}

func clientTCPFrom(t *testing.T, src netip.AddrPort, seq, ack uint32, flags byte, payload []byte) []byte {
	t.Helper()
	frame, err := buildTCPFrame(1, tcpSegment{
		src:     src,
		dst:     testServer,
		seq:     seq,
		ack:     ack,
		flags:   flags,
		window:  65535,
		payload: payload,
	})
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func clientUDP(t *testing.T, dst netip.AddrPort, payload []byte) []byte {
	t.Helper()
	frame, err := buildUDPFrame(1, testClient, dst, payload)
	if err != nil {
		t.Fatal(err)
	}
	return frame
}

func decodeFrame(t *testing.T, frame []byte) gopacket.Packet {
	t.Helper()
	pkt := gopacket.NewPacket(frame, layers.LayerTypeIPv4, gopacket.Default)
	if el := pkt.ErrorLayer(); el != nil {
		t.Fatalf("decode: %v", el.Error())
	}
	return pkt
}

// nextTCP waits for the next TCP frame written to the adapter.
func nextTCP(t *testing.T, a *fakeAdapter) (*layers.IPv4, *layers.TCP) {
	t.Helper()
	select {
	case frame := <-a.out:
		pkt := decodeFrame(t, frame)
		ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		tcp, _ := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if ip == nil || tcp == nil {
			t.Fatalf("expected TCP frame, got %v", pkt)
		}
		return ip, tcp
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil, nil
	}
}

// nextUDP waits for the next UDP frame written to the adapter.
func nextUDP(t *testing.T, a *fakeAdapter) (*layers.IPv4, *layers.UDP) {
	t.Helper()
	select {
	case frame := <-a.out:
		pkt := decodeFrame(t, frame)
		ip, _ := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if ip == nil || udp == nil {
			t.Fatalf("expected UDP frame, got %v", pkt)
		}
		return ip, udp
	case <-time.After(2 * time.Second):
		t.Fatal("no frame written")
		return nil, nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
