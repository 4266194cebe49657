package service

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"proxytun/internal/core"
	"proxytun/internal/platform"
)

var (
	testEndpoint = core.ProxyEndpoint{Host: "proxy.example", Port: 3128}
	testTunnel   = core.TunnelConfig{Address: "10.8.0.1/24", RouteAll: true}
	proxyAddr    = netip.MustParseAddrPort("203.0.113.10:3128")
)

// blockingAdapter blocks reads until closed or failed.
type blockingAdapter struct {
	closed chan struct{}
	failed chan struct{}
	once   sync.Once
}

func newBlockingAdapter() *blockingAdapter {
	return &blockingAdapter{closed: make(chan struct{}), failed: make(chan struct{})}
}

func (a *blockingAdapter) ReadPacket([]byte) (int, error) {
	select {
	case <-a.closed:
		return 0, platform.ErrAdapterClosed
	case <-a.failed:
		return 0, errors.New("device removed")
	}
}

func (a *blockingAdapter) WritePacket([]byte) error { return nil }

func (a *blockingAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

type fakePlatform struct {
	mu         sync.Mutex
	adapter    platform.Adapter
	err        error
	nilAdapter bool
	requests   []platform.AdapterRequest
	released   atomic.Int32
}

func (p *fakePlatform) Establish(req platform.AdapterRequest) (platform.Adapter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if p.nilAdapter {
		return nil, nil
	}
	return p.adapter, nil
}

func (p *fakePlatform) Release(a platform.Adapter) error {
	p.released.Add(1)
	return a.Close()
}

func (p *fakePlatform) establishCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

type fakeUpstream struct {
	closed atomic.Int32
}

func (u *fakeUpstream) DialTCP(context.Context, string) (net.Conn, error) {
	return nil, errors.New("not dialable")
}

func (u *fakeUpstream) DialUDP(context.Context, string) (net.Conn, error) {
	return nil, errors.New("not dialable")
}

func (u *fakeUpstream) GetServerEndpoints() []netip.AddrPort { return []netip.AddrPort{proxyAddr} }
func (u *fakeUpstream) Close()                               { u.closed.Add(1) }

// eventLog records every event published on a bus.
type eventLog struct {
	mu     sync.Mutex
	events []core.Event
}

func newEventLog(bus *core.EventBus) *eventLog {
	l := &eventLog{}
	for _, t := range []core.EventType{
		core.EventSessionStateChanged, core.EventConnecting, core.EventConnected,
		core.EventError, core.EventDisconnected,
	} {
		bus.Subscribe(t, func(e core.Event) {
			l.mu.Lock()
			l.events = append(l.events, e)
			l.mu.Unlock()
		})
	}
	return l
}

func (l *eventLog) count(t core.EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (l *eventLog) lastError() (core.ErrorPayload, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if p, ok := l.events[i].Payload.(core.ErrorPayload); ok {
			return p, true
		}
	}
	return core.ErrorPayload{}, false
}

type fixture struct {
	session  *Session
	platform *fakePlatform
	adapter  *blockingAdapter
	upstream *fakeUpstream
	events   *eventLog
}

func newFixture(t *testing.T, validate ValidatorFunc) *fixture {
	t.Helper()
	fx := &fixture{
		adapter:  newBlockingAdapter(),
		upstream: &fakeUpstream{},
	}
	fx.platform = &fakePlatform{adapter: fx.adapter}
	if validate == nil {
		validate = func(context.Context, core.ProxyEndpoint) (Upstream, error) { return fx.upstream, nil }
	}
	bus := core.NewEventBus()
	fx.events = newEventLog(bus)
	fx.session = NewSession(SessionDeps{
		Validate: validate,
		Platform: fx.platform,
		Bus:      bus,
	})
	t.Cleanup(func() { fx.session.Stop() })
	return fx
}

func TestSession_StartStop(t *testing.T) {
	fx := newFixture(t, nil)

	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if st := fx.session.State(); st != core.SessionRunning {
		t.Fatalf("state = %v, want running", st)
	}
	if fx.session.ID() == "" {
		t.Error("no session ID")
	}
	if fx.events.count(core.EventConnecting) != 1 || fx.events.count(core.EventConnected) != 1 {
		t.Error("missing connecting/connected events")
	}

	req := fx.platform.requests[0]
	if len(req.Bypass) != 1 || req.Bypass[0] != proxyAddr.Addr() {
		t.Errorf("bypass = %v, want proxy address only", req.Bypass)
	}

	if err := fx.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := fx.session.State(); st != core.SessionIdle {
		t.Errorf("state after Stop = %v", st)
	}
	if fx.platform.released.Load() != 1 || fx.upstream.closed.Load() != 1 {
		t.Errorf("released=%d upstream closed=%d", fx.platform.released.Load(), fx.upstream.closed.Load())
	}
	if fx.events.count(core.EventDisconnected) != 1 {
		t.Error("missing disconnected event")
	}
}

func TestSession_StopIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)

	if err := fx.session.Stop(); err != nil {
		t.Fatalf("Stop on idle: %v", err)
	}
	if fx.events.count(core.EventSessionStateChanged) != 0 {
		t.Error("Stop on idle changed state")
	}

	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatal(err)
	}
	fx.session.Stop()
	fx.session.Stop()
	if fx.platform.released.Load() != 1 {
		t.Errorf("released %d times, want 1", fx.platform.released.Load())
	}
	if fx.events.count(core.EventDisconnected) != 1 {
		t.Errorf("disconnected events = %d, want 1", fx.events.count(core.EventDisconnected))
	}
}

// observeLogs routes core.Log to an in-memory observer for the test.
func observeLogs(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	zc, logs := observer.New(zapcore.DebugLevel)
	prev := core.Log
	core.Log = core.NewLoggerWithCore(core.LogConfig{}, zc)
	t.Cleanup(func() { core.Log = prev })
	return logs
}

func TestSession_AlreadyRunning(t *testing.T) {
	logs := observeLogs(t)
	fx := newFixture(t, nil)
	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatal(err)
	}
	err := fx.session.Start(context.Background(), testEndpoint, testTunnel)
	if !errors.Is(err, core.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want AlreadyRunning", err)
	}
	if fx.platform.establishCalls() != 1 {
		t.Errorf("Establish called %d times", fx.platform.establishCalls())
	}
	rejected := logs.FilterMessageSnippet("Start rejected").All()
	if len(rejected) != 1 || rejected[0].Level != zapcore.WarnLevel || rejected[0].LoggerName != "Session" {
		t.Errorf("rejected start logs = %+v", rejected)
	}
}

func TestSession_ValidationFailure(t *testing.T) {
	authErr := core.NewError(core.KindAuthentication, "probe", errors.New("407"))
	fx := newFixture(t, func(context.Context, core.ProxyEndpoint) (Upstream, error) {
		return nil, authErr
	})

	err := fx.session.Start(context.Background(), testEndpoint, testTunnel)
	if !errors.Is(err, core.ErrAuthentication) {
		t.Fatalf("Start = %v, want AuthenticationError", err)
	}
	if st := fx.session.State(); st != core.SessionFailed {
		t.Errorf("state = %v, want failed", st)
	}
	if fx.platform.establishCalls() != 0 {
		t.Error("adapter established after failed validation")
	}
	if p, ok := fx.events.lastError(); !ok || p.Kind != core.KindAuthentication {
		t.Errorf("error event = %+v", p)
	}

	// Failed → Stop → Idle.
	fx.session.Stop()
	if st := fx.session.State(); st != core.SessionIdle {
		t.Errorf("state after Stop = %v", st)
	}
}

func TestSession_RestartAfterFailure(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	up := &fakeUpstream{}
	fx := newFixture(t, func(context.Context, core.ProxyEndpoint) (Upstream, error) {
		if fail.Load() {
			return nil, core.NewError(core.KindConnectivity, "probe", errors.New("timeout"))
		}
		return up, nil
	})

	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err == nil {
		t.Fatal("first Start succeeded")
	}
	fail.Store(false)
	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatalf("Start from failed: %v", err)
	}
	if st := fx.session.State(); st != core.SessionRunning {
		t.Errorf("state = %v", st)
	}
}

func TestSession_PlatformRefusal(t *testing.T) {
	cases := map[string]func(*fakePlatform){
		"error":       func(p *fakePlatform) { p.err = errors.New("VPN permission denied") },
		"nil adapter": func(p *fakePlatform) { p.nilAdapter = true },
	}
	for name, setup := range cases {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t, nil)
			setup(fx.platform)

			err := fx.session.Start(context.Background(), testEndpoint, testTunnel)
			if !errors.Is(err, core.ErrPermissionDenied) {
				t.Fatalf("Start = %v, want PermissionDenied", err)
			}
			if st := fx.session.State(); st != core.SessionFailed {
				t.Errorf("state = %v", st)
			}
			if fx.upstream.closed.Load() != 1 {
				t.Error("upstream not closed")
			}
		})
	}
}

func TestSession_InvalidTunnelConfig(t *testing.T) {
	fx := newFixture(t, nil)
	bad := core.TunnelConfig{Address: "10.8.0.1/24", SelectiveMode: true}

	err := fx.session.Start(context.Background(), testEndpoint, bad)
	if !errors.Is(err, core.ErrPermissionDenied) {
		t.Errorf("Start = %v, want PermissionDenied", err)
	}
	if fx.platform.establishCalls() != 0 {
		t.Error("adapter established for invalid config")
	}
}

func TestSession_AdapterClosedStopsSession(t *testing.T) {
	fx := newFixture(t, nil)
	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatal(err)
	}

	close(fx.adapter.failed)

	deadline := time.Now().Add(2 * time.Second)
	for fx.session.State() != core.SessionIdle {
		if time.Now().After(deadline) {
			t.Fatalf("session still %v after adapter failure", fx.session.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if p, ok := fx.events.lastError(); !ok || p.Kind != core.KindAdapterClosed {
		t.Errorf("error event = %+v, want AdapterClosed", p)
	}
	if fx.platform.released.Load() != 1 {
		t.Errorf("released = %d", fx.platform.released.Load())
	}
}

func TestSession_StopCancelsStart(t *testing.T) {
	entered := make(chan struct{})
	fx := newFixture(t, func(ctx context.Context, _ core.ProxyEndpoint) (Upstream, error) {
		close(entered)
		<-ctx.Done()
		return nil, core.NewError(core.KindConnectivity, "probe", ctx.Err())
	})

	errc := make(chan error, 1)
	go func() { errc <- fx.session.Start(context.Background(), testEndpoint, testTunnel) }()
	<-entered

	if err := fx.session.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := <-errc; !errors.Is(err, core.ErrConnectivity) {
		t.Errorf("Start = %v, want ConnectivityError", err)
	}
	if st := fx.session.State(); st != core.SessionIdle {
		t.Errorf("state = %v, want idle", st)
	}
}

func TestSession_DirectDNSBypassesResolver(t *testing.T) {
	fx := newFixture(t, nil)
	fx.session.deps.Config.DNS.Mode = core.DNSModeDirect
	fx.session.deps.Config.DNS.Resolver = "9.9.9.9:53"

	if err := fx.session.Start(context.Background(), testEndpoint, testTunnel); err != nil {
		t.Fatal(err)
	}
	req := fx.platform.requests[0]
	want := []netip.Addr{proxyAddr.Addr(), netip.MustParseAddr("9.9.9.9")}
	if len(req.Bypass) != 2 || req.Bypass[0] != want[0] || req.Bypass[1] != want[1] {
		t.Errorf("bypass = %v, want %v", req.Bypass, want)
	}
}
