package gateway

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/semaphore"

	"proxytun/internal/core"
	"proxytun/internal/provider"
)

// minDNSMessage is the size of a DNS header.
const minDNSMessage = 12

// DNSInterceptorConfig configures a DNSInterceptor.
type DNSInterceptorConfig struct {
	// Mode is core.DNSModeTunnel (DNS over TCP through the proxy) or
	// core.DNSModeDirect (plain UDP to the resolver, bypassing the tunnel).
	Mode        string
	Resolver    netip.AddrPort
	Timeout     time.Duration
	MaxInflight int64
}

// DNSInterceptor answers DNS queries captured on the adapter by forwarding
// them to a single upstream resolver. Response bytes are returned as-is.
type DNSInterceptor struct {
	cfg    DNSInterceptorConfig
	tunnel provider.Dialer
	direct provider.Dialer
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
}

// NewDNSInterceptor creates an interceptor. direct may be nil in tunnel mode.
func NewDNSInterceptor(cfg DNSInterceptorConfig, tunnel, direct provider.Dialer) *DNSInterceptor {
	if cfg.Mode == "" {
		cfg.Mode = core.DNSModeTunnel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = core.DefaultDNSTimeout
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = core.DefaultDNSInflight
	}
	return &DNSInterceptor{
		cfg:    cfg,
		tunnel: tunnel,
		direct: direct,
		sem:    semaphore.NewWeighted(cfg.MaxInflight),
	}
}

// Resolve forwards one query and returns the resolver's raw response.
// Failures are DnsError.
func (d *DNSInterceptor) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, core.NewError(core.KindDNS, "resolve", err)
	}
	defer d.sem.Release(1)
	return d.exchange(ctx, query)
}

// Submit resolves query on a new goroutine and passes the result to done.
// It returns false without calling done when MaxInflight queries are
// already outstanding.
func (d *DNSInterceptor) Submit(ctx context.Context, query []byte, done func([]byte, error)) bool {
	if !d.sem.TryAcquire(1) {
		return false
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.sem.Release(1)
		done(d.exchange(ctx, query))
	}()
	return true
}

// Wait blocks until all submitted queries have completed.
func (d *DNSInterceptor) Wait() { d.wg.Wait() }

func (d *DNSInterceptor) exchange(ctx context.Context, query []byte) ([]byte, error) {
	if len(query) < minDNSMessage {
		return nil, core.NewError(core.KindDNS, "resolve", fmt.Errorf("query too short (%d bytes)", len(query)))
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	conn, err := d.dial(ctx)
	if err != nil {
		return nil, core.NewError(core.KindDNS, "dial "+d.cfg.Resolver.String(), err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	// dns.Conn frames with a length prefix on stream conns only.
	dc := &dns.Conn{Conn: conn}
	if _, err := dc.Write(query); err != nil {
		return nil, core.NewError(core.KindDNS, "write", err)
	}
	buf := make([]byte, dns.MaxMsgSize)
	n, err := dc.Read(buf)
	if err != nil {
		return nil, core.NewError(core.KindDNS, "read", err)
	}
	if n < minDNSMessage {
		return nil, core.NewError(core.KindDNS, "read", fmt.Errorf("response too short (%d bytes)", n))
	}
	resp := make([]byte, n)
	copy(resp, buf[:n])

	core.Log.Debugf("DNS", "%s answered via %s (%d bytes)", questionName(query), d.cfg.Mode, n)
	return resp, nil
}

func (d *DNSInterceptor) dial(ctx context.Context) (net.Conn, error) {
	addr := d.cfg.Resolver.String()
	if d.cfg.Mode == core.DNSModeDirect {
		if d.direct == nil {
			return nil, fmt.Errorf("no direct dialer")
		}
		return d.direct.DialUDP(ctx, addr)
	}
	return d.tunnel.DialTCP(ctx, addr)
}

// ServFail builds a SERVFAIL response for query, or nil if query cannot be
// parsed.
func ServFail(query []byte) []byte {
	var req dns.Msg
	if err := req.Unpack(query); err != nil {
		return nil
	}
	resp := new(dns.Msg)
	resp.SetRcode(&req, dns.RcodeServerFailure)
	out, err := resp.Pack()
	if err != nil {
		return nil
	}
	return out
}

func questionName(query []byte) string {
	var m dns.Msg
	if err := m.Unpack(query); err != nil || len(m.Question) == 0 {
		return "?"
	}
	return m.Question[0].Name
}
