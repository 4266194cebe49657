package httpproxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"proxytun/internal/core"
	"proxytun/internal/provider"
)

// ValidatedProxy is a proxy endpoint that passed validation. It carries the
// resolved address and a reusable HTTP client, and dials upstream TCP
// connections via HTTP CONNECT. Safe for concurrent use.
type ValidatedProxy struct {
	endpoint  core.ProxyEndpoint
	addr      netip.AddrPort
	client    *http.Client
	transport *http.Transport
	opts      Options

	// preemptive is set after the proxy has challenged once, so later
	// CONNECTs send credentials up front.
	preemptive atomic.Bool
}

var (
	_ provider.Dialer           = (*ValidatedProxy)(nil)
	_ provider.EndpointProvider = (*ValidatedProxy)(nil)
)

func newValidatedProxy(ep core.ProxyEndpoint, addr netip.AddrPort, opts Options) *ValidatedProxy {
	client, tr := newHTTPClient(ep, addr, opts)
	return &ValidatedProxy{
		endpoint:  ep,
		addr:      addr,
		client:    client,
		transport: tr,
		opts:      opts,
	}
}

// Endpoint returns the endpoint this proxy was validated from.
func (p *ValidatedProxy) Endpoint() core.ProxyEndpoint { return p.endpoint }

// Addr returns the resolved proxy address.
func (p *ValidatedProxy) Addr() netip.AddrPort { return p.addr }

// Client returns the proxied HTTP client.
func (p *ValidatedProxy) Client() *http.Client { return p.client }

// GetServerEndpoints returns the proxy endpoint for bypass route management.
func (p *ValidatedProxy) GetServerEndpoints() []netip.AddrPort {
	return []netip.AddrPort{p.addr}
}

// Close releases idle client connections.
func (p *ValidatedProxy) Close() {
	p.transport.CloseIdleConnections()
}

// DialTCP creates a TCP connection to addr through the proxy via HTTP CONNECT.
// A single 407 challenge is answered with Basic credentials when configured.
func (p *ValidatedProxy) DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	withAuth := p.endpoint.HasCredentials() && p.preemptive.Load()

	conn, status, err := p.connect(ctx, addr, withAuth)
	if err != nil {
		return nil, err
	}
	if status == http.StatusProxyAuthRequired {
		if withAuth || !p.endpoint.HasCredentials() {
			return nil, core.NewError(core.KindAuthentication, "CONNECT "+addr, errCredentialsRejected)
		}
		core.Log.Debugf("HTTP", "CONNECT %s challenged, retrying with credentials", addr)
		p.preemptive.Store(true)
		conn, status, err = p.connect(ctx, addr, true)
		if err != nil {
			return nil, err
		}
		if status == http.StatusProxyAuthRequired {
			return nil, core.NewError(core.KindAuthentication, "CONNECT "+addr, errCredentialsRejected)
		}
	}
	return conn, nil
}

// DialUDP is not supported by HTTP CONNECT proxy.
func (p *ValidatedProxy) DialUDP(_ context.Context, _ string) (net.Conn, error) {
	return nil, provider.ErrUDPNotSupported
}

// connect performs one CONNECT exchange. It returns the tunnel conn on 200,
// or a nil conn and the status on 407.
func (p *ValidatedProxy) connect(ctx context.Context, addr string, withAuth bool) (net.Conn, int, error) {
	d := net.Dialer{Timeout: p.opts.ConnectTimeout}
	rawConn, err := d.DialContext(ctx, "tcp4", p.addr.String())
	if err != nil {
		return nil, 0, fmt.Errorf("[HTTP] connect to proxy: %w", err)
	}

	// Bound the handshake by the connect timeout and by ctx.
	_ = rawConn.SetDeadline(time.Now().Add(p.opts.ConnectTimeout))
	stop := context.AfterFunc(ctx, func() { _ = rawConn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	var conn net.Conn = rawConn
	if p.endpoint.TLS {
		tlsConn := tls.Client(rawConn, &tls.Config{
			ServerName:         p.endpoint.Host,
			InsecureSkipVerify: p.endpoint.TLSSkipVerify,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, 0, fmt.Errorf("[HTTP] TLS handshake: %w", err)
		}
		conn = tlsConn
	}

	connectReq := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", addr, addr)
	if withAuth {
		connectReq += fmt.Sprintf("%s: %s\r\n", proxyAuthHeader, basicAuth(p.endpoint.Username, p.endpoint.Password))
	}
	connectReq += "\r\n"

	if _, err := conn.Write([]byte(connectReq)); err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("[HTTP] send CONNECT: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, nil)
	if err != nil {
		conn.Close()
		return nil, 0, fmt.Errorf("[HTTP] read CONNECT response: %w", err)
	}
	resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusProxyAuthRequired:
		conn.Close()
		return nil, resp.StatusCode, nil
	default:
		conn.Close()
		return nil, resp.StatusCode, fmt.Errorf("[HTTP] CONNECT %s failed: %s", addr, resp.Status)
	}

	if !stop() {
		// ctx fired during the handshake; the deadline is already poisoned.
		conn.Close()
		return nil, 0, fmt.Errorf("[HTTP] CONNECT %s: %w", addr, ctx.Err())
	}
	_ = rawConn.SetDeadline(time.Time{})

	// If there's buffered data in the reader, wrap the connection.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, reader: br}, http.StatusOK, nil
	}
	return conn, http.StatusOK, nil
}

// bufferedConn wraps a net.Conn with a buffered reader to handle data
// that was read during the HTTP response parsing.
type bufferedConn struct {
	net.Conn
	reader *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.reader.Read(b)
}

// CloseWrite half-closes the underlying connection when supported.
func (c *bufferedConn) CloseWrite() error {
	if cw, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	return nil
}
