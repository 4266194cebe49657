package service

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/uuid"

	"proxytun/internal/core"
	"proxytun/internal/gateway"
	"proxytun/internal/platform"
	"proxytun/internal/provider"
	"proxytun/internal/provider/direct"
	"proxytun/internal/provider/httpproxy"
)

// Upstream is a validated proxy: the dialer used by flows together with the
// server addresses that must bypass the adapter.
type Upstream interface {
	provider.Dialer
	provider.EndpointProvider
	Close()
}

// ValidatorFunc validates an endpoint and returns a ready upstream.
type ValidatorFunc func(ctx context.Context, ep core.ProxyEndpoint) (Upstream, error)

// HTTPValidator adapts an HTTP proxy validator to a ValidatorFunc.
func HTTPValidator(v *httpproxy.Validator) ValidatorFunc {
	return func(ctx context.Context, ep core.ProxyEndpoint) (Upstream, error) {
		p, err := v.Validate(ctx, ep)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// SessionDeps holds the collaborators a Session needs.
type SessionDeps struct {
	// Config supplies DNS, relay, timeout and exclude settings.
	Config   core.Config
	Validate ValidatorFunc
	Platform platform.AdapterProvider
	Bus      *core.EventBus
}

// Session drives one relay session at a time through
// Idle → Validating → Establishing → Running → Stopping → Idle.
// Start and Stop are serialized.
type Session struct {
	deps SessionDeps

	opMu sync.Mutex // serializes Start and Stop

	mu          sync.Mutex // guards the fields below
	state       core.SessionState
	id          string
	startCancel context.CancelFunc
	lastErr     error
	run         *runningSession
}

// runningSession holds the resources of a Running session.
type runningSession struct {
	upstream  Upstream
	adapter   platform.Adapter
	router    *gateway.TUNRouter
	flows     *gateway.FlowTable
	collector *StatsCollector
	runDone   chan struct{}
}

// NewSession creates an idle session.
func NewSession(deps SessionDeps) *Session {
	if deps.Bus == nil {
		deps.Bus = core.NewEventBus()
	}
	deps.Config.ApplyDefaults()
	return &Session{deps: deps}
}

// State returns the current state.
func (s *Session) State() core.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ID returns the current or last session ID.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// LastError returns the error that moved the session to Failed, if any.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Stats returns live relay counters. Zero when not running.
func (s *Session) Stats() TrafficStats {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return TrafficStats{}
	}
	return run.collector.Latest()
}

// Start validates ep, establishes the adapter and starts relaying.
// It fails with AlreadyRunning unless the session is Idle or Failed.
func (s *Session) Start(ctx context.Context, ep core.ProxyEndpoint, tc core.TunnelConfig) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if !s.state.CanStart() {
		st, id := s.state, s.id
		s.mu.Unlock()
		core.Log.Warnf("Session", "[%s] Start rejected: session is %s", shortID(id), st)
		return core.NewError(core.KindAlreadyRunning, "start", fmt.Errorf("session is %s", st))
	}
	ctx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.id = uuid.NewString()
	s.lastErr = nil
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.startCancel = nil
		s.mu.Unlock()
		cancel()
	}()

	s.setState(core.SessionValidating)
	s.deps.Bus.Publish(core.Event{Type: core.EventConnecting, Payload: s.ID()})
	core.Log.Infof("Session", "[%s] Starting via %s", s.shortID(), ep)

	cfg := s.deps.Config
	if err := tc.Validate(); err != nil {
		return s.fail(core.NewError(core.KindPermissionDenied, "tunnel config", err))
	}
	vnet, err := tc.VirtualAddress()
	if err != nil {
		return s.fail(core.NewError(core.KindPermissionDenied, "tunnel config", err))
	}
	exclude, err := gateway.ParsePrefixes(cfg.Exclude)
	if err != nil {
		return s.fail(core.NewError(core.KindPermissionDenied, "exclude", err))
	}
	resolver, err := cfg.DNS.ResolverAddr()
	if err != nil {
		return s.fail(core.NewError(core.KindPermissionDenied, "dns", err))
	}

	up, err := s.deps.Validate(ctx, ep)
	if err != nil {
		return s.fail(err)
	}
	if err := ctx.Err(); err != nil {
		up.Close()
		return s.fail(core.NewError(core.KindConnectivity, "start", err))
	}

	s.setState(core.SessionEstablishing)
	var bypass []netip.Addr
	for _, ap := range up.GetServerEndpoints() {
		bypass = append(bypass, ap.Addr())
	}
	if cfg.DNS.Mode == core.DNSModeDirect {
		bypass = append(bypass, resolver.Addr())
	}
	adapter, err := s.deps.Platform.Establish(platform.AdapterRequest{Config: tc, Bypass: bypass})
	if err == nil && adapter == nil {
		err = errors.New("platform returned no adapter")
	}
	if err != nil {
		up.Close()
		return s.fail(core.NewError(core.KindPermissionDenied, "establish", err))
	}
	if err := ctx.Err(); err != nil {
		s.release(adapter)
		up.Close()
		return s.fail(core.NewError(core.KindConnectivity, "start", err))
	}

	run, err := s.assemble(cfg, tc, vnet, exclude, resolver, up, adapter)
	if err != nil {
		s.release(adapter)
		up.Close()
		return s.fail(err)
	}

	id := s.ID()
	go func() {
		defer close(run.runDone)
		err := run.router.Run(context.Background())
		if core.KindOf(err) == core.KindAdapterClosed {
			core.Log.Errorf("Session", "[%s] %v; stopping", shortID(id), err)
			s.publishError(err)
			go s.stop(id)
		}
	}()
	run.collector.Start(context.Background())

	s.mu.Lock()
	s.run = run
	s.mu.Unlock()

	s.setState(core.SessionRunning)
	s.deps.Bus.Publish(core.Event{
		Type:    core.EventConnected,
		Payload: core.ConnectedPayload{SessionID: id, Endpoint: ep},
	})
	core.Log.Infof("Session", "[%s] Running (vnet=%s, dns=%s via %s)", s.shortID(), vnet, resolver, cfg.DNS.Mode)
	return nil
}

// assemble wires the relay engine around an established adapter.
func (s *Session) assemble(
	cfg core.Config,
	tc core.TunnelConfig,
	vnet netip.Prefix,
	exclude []netip.Prefix,
	resolver netip.AddrPort,
	up Upstream,
	adapter platform.Adapter,
) (*runningSession, error) {
	var proxyAddrs []netip.Addr
	for _, ap := range up.GetServerEndpoints() {
		proxyAddrs = append(proxyAddrs, ap.Addr())
	}
	filter, err := gateway.NewDestinationFilter(gateway.FilterConfig{
		VirtualNet: vnet,
		ProxyAddrs: proxyAddrs,
		Exclude:    exclude,
	})
	if err != nil {
		return nil, core.NewError(core.KindPermissionDenied, "filter", err)
	}

	var directDialer provider.Dialer
	if cfg.DNS.Mode == core.DNSModeDirect {
		dp, err := direct.New(netip.Addr{}, core.DurationOr(cfg.Timeouts.Connect, core.DefaultConnectTimeout))
		if err != nil {
			return nil, core.NewError(core.KindPermissionDenied, "direct dialer", err)
		}
		directDialer = dp
	}

	stats := &gateway.Stats{}
	flows := gateway.NewFlowTable(gateway.FlowTableConfig{
		Dialer:         up,
		ConnectTimeout: core.DurationOr(cfg.Timeouts.Connect, core.DefaultConnectTimeout),
		WriteTimeout:   core.DurationOr(cfg.Timeouts.Write, core.DefaultWriteTimeout),
		TCPIdleTimeout: core.DurationOr(cfg.Timeouts.TCPIdle, core.DefaultTCPIdleTimeout),
		UDPIdleTimeout: core.DurationOr(cfg.Timeouts.UDPIdle, core.DefaultUDPIdleTimeout),
		PendingLimit:   cfg.Relay.PendingLimit,
		Stats:          stats,
	})
	dnsi := gateway.NewDNSInterceptor(gateway.DNSInterceptorConfig{
		Mode:        cfg.DNS.Mode,
		Resolver:    resolver,
		Timeout:     core.DurationOr(cfg.DNS.Timeout, core.DefaultDNSTimeout),
		MaxInflight: int64(cfg.DNS.MaxInflight),
	}, up, directDialer)
	router := gateway.NewTUNRouter(adapter, flows, dnsi, filter, stats, gateway.RouterConfig{
		MTU:       tc.EffectiveMTU(),
		Workers:   cfg.Relay.Workers,
		QueueSize: cfg.Relay.QueueSize,
	})

	return &runningSession{
		upstream:  up,
		adapter:   adapter,
		router:    router,
		flows:     flows,
		collector: NewStatsCollector(s.ID(), stats, flows.Len),
		runDone:   make(chan struct{}),
	}, nil
}

// Stop tears the session down: relay drain, flow close, adapter release.
// A no-op when Idle; an in-flight Start is cancelled first. Idempotent.
func (s *Session) Stop() error { return s.stop("") }

// stop stops the session, but only the session with the given ID when id
// is non-empty.
func (s *Session) stop(id string) error {
	s.mu.Lock()
	if s.startCancel != nil && (id == "" || id == s.id) {
		s.startCancel()
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	state, cur, run := s.state, s.id, s.run
	s.mu.Unlock()

	if id != "" && id != cur {
		return nil
	}
	switch state {
	case core.SessionIdle:
		return nil
	case core.SessionFailed:
		s.setState(core.SessionIdle)
		return nil
	}

	s.setState(core.SessionStopping)
	core.Log.Infof("Session", "[%s] Stopping", s.shortID())

	var err error
	if run != nil {
		run.collector.Stop()
		run.router.Stop()
		<-run.runDone
		err = s.release(run.adapter)
		run.upstream.Close()

		snap := run.collector.Latest()
		core.Log.Infof("Session", "[%s] Relayed up=%dB down=%dB, flows=%d (%d failed), dns=%d (%d failed)",
			s.shortID(), snap.BytesUp, snap.BytesDown, snap.FlowsOpened, snap.FlowsFailed,
			snap.DNSQueries, snap.DNSFailures)
	}

	s.mu.Lock()
	s.run = nil
	s.mu.Unlock()

	s.setState(core.SessionIdle)
	s.deps.Bus.Publish(core.Event{Type: core.EventDisconnected, Payload: cur})
	core.Log.Infof("Session", "[%s] Stopped", shortID(cur))
	return err
}

func (s *Session) release(a platform.Adapter) error {
	if err := s.deps.Platform.Release(a); err != nil {
		core.Log.Warnf("Session", "[%s] Release adapter: %v", s.shortID(), err)
		return fmt.Errorf("[Session] release adapter: %w", err)
	}
	return nil
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()

	s.setState(core.SessionFailed)
	core.Log.Errorf("Session", "[%s] Start failed: %v", s.shortID(), err)
	s.publishError(err)
	return err
}

func (s *Session) publishError(err error) {
	s.deps.Bus.Publish(core.Event{
		Type: core.EventError,
		Payload: core.ErrorPayload{
			SessionID: s.ID(),
			Kind:      core.KindOf(err),
			Message:   err.Error(),
		},
	})
}

func (s *Session) setState(next core.SessionState) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	id := s.id
	s.mu.Unlock()

	if prev == next {
		return
	}
	core.Log.Debugf("Session", "[%s] %s -> %s", shortID(id), prev, next)
	s.deps.Bus.Publish(core.Event{
		Type:    core.EventSessionStateChanged,
		Payload: core.StatePayload{SessionID: id, OldState: prev, NewState: next},
	})
}

func (s *Session) shortID() string { return shortID(s.ID()) }

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
