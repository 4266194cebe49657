package httpproxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/idna"

	"proxytun/internal/core"
)

// Resolver looks up proxy host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options tunes the validator and the dialer it produces.
type Options struct {
	ProbeURL       string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	ProbeTimeout   time.Duration
	Resolver       Resolver
}

// OptionsFromConfig builds Options from the loaded configuration.
func OptionsFromConfig(cfg core.Config) Options {
	return Options{
		ProbeURL:       cfg.Probe.URL,
		ConnectTimeout: core.DurationOr(cfg.Timeouts.Connect, core.DefaultConnectTimeout),
		ReadTimeout:    core.DurationOr(cfg.Timeouts.Read, core.DefaultReadTimeout),
		WriteTimeout:   core.DurationOr(cfg.Timeouts.Write, core.DefaultWriteTimeout),
		ProbeTimeout:   core.DurationOr(cfg.Probe.Timeout, core.DefaultProbeTimeout),
	}
}

func (o *Options) applyDefaults() {
	if o.ProbeURL == "" {
		o.ProbeURL = core.DefaultProbeURL
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = core.DefaultConnectTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = core.DefaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = core.DefaultWriteTimeout
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = core.DefaultProbeTimeout
	}
	if o.Resolver == nil {
		o.Resolver = net.DefaultResolver
	}
}

// Validator checks that a proxy endpoint resolves, accepts our credentials
// and relays traffic to the public internet.
type Validator struct {
	opts Options
}

// NewValidator creates a Validator with defaults for unset options.
func NewValidator(opts Options) *Validator {
	opts.applyDefaults()
	return &Validator{opts: opts}
}

// Validate resolves the endpoint, builds a proxied HTTP client and runs one
// connectivity probe through it. The whole operation is bounded by the
// probe timeout.
func (v *Validator) Validate(ctx context.Context, ep core.ProxyEndpoint) (*ValidatedProxy, error) {
	if err := ep.Validate(); err != nil {
		return nil, core.NewError(core.KindResolution, "validate endpoint", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.opts.ProbeTimeout)
	defer cancel()

	addr, err := v.resolve(ctx, ep.Host)
	if err != nil {
		return nil, core.NewError(core.KindResolution, "resolve "+ep.Host, err)
	}
	proxyAddr := netip.AddrPortFrom(addr, uint16(ep.Port))
	core.Log.Infof("HTTP", "Resolved proxy %s to %s", ep.Host, proxyAddr)

	p := newValidatedProxy(ep, proxyAddr, v.opts)
	if err := p.probe(ctx, v.opts.ProbeURL); err != nil {
		p.Close()
		return nil, err
	}
	core.Log.Infof("HTTP", "Proxy %s passed connectivity probe", ep)
	return p, nil
}

// resolve returns the first IPv4 address for host. IP literals are returned
// without a lookup.
func (v *Validator) resolve(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.TrimSuffix(strings.TrimSpace(host), ".")
	if ip, err := netip.ParseAddr(host); err == nil {
		ip = ip.Unmap()
		if !ip.Is4() {
			return netip.Addr{}, fmt.Errorf("proxy address %s is not IPv4", ip)
		}
		return ip, nil
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid host name %q: %w", host, err)
	}
	addrs, err := v.opts.Resolver.LookupNetIP(ctx, "ip4", ascii)
	if err != nil {
		return netip.Addr{}, err
	}
	for _, a := range addrs {
		if a = a.Unmap(); a.Is4() {
			return a, nil
		}
	}
	return netip.Addr{}, fmt.Errorf("no IPv4 address for %s", ascii)
}

// newHTTPClient builds a client whose every request goes through the proxy
// at proxyAddr. The proxy URL keeps the configured host name so TLS to an
// HTTPS proxy verifies against it.
func newHTTPClient(ep core.ProxyEndpoint, proxyAddr netip.AddrPort, opts Options) (*http.Client, *http.Transport) {
	scheme := "http"
	if ep.TLS {
		scheme = "https"
	}
	proxyURL := &url.URL{Scheme: scheme, Host: ep.Address()}

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	tr := &http.Transport{
		Proxy: http.ProxyURL(proxyURL),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			c, err := dialer.DialContext(ctx, "tcp4", proxyAddr.String())
			if err != nil {
				return nil, err
			}
			return &deadlineConn{Conn: c, readTimeout: opts.ReadTimeout, writeTimeout: opts.WriteTimeout}, nil
		},
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: ep.TLSSkipVerify},
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.ReadTimeout,
		MaxIdleConns:          4,
		IdleConnTimeout:       90 * time.Second,
	}

	var rt http.RoundTripper = tr
	if ep.HasCredentials() {
		rt = &authTransport{base: tr, username: ep.Username, password: ep.Password}
	}
	return &http.Client{Transport: rt, Timeout: opts.ProbeTimeout}, tr
}

// probe issues one HEAD request to probeURL through the proxy.
func (p *ValidatedProxy) probe(ctx context.Context, probeURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return core.NewError(core.KindConnectivity, "build probe", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, core.ErrAuthentication) {
			return core.NewError(core.KindAuthentication, "probe", err)
		}
		return core.NewError(core.KindConnectivity, "probe", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusProxyAuthRequired:
		return core.NewError(core.KindAuthentication, "probe", fmt.Errorf("proxy answered %s", resp.Status))
	default:
		return core.NewError(core.KindConnectivity, "probe", fmt.Errorf("unexpected status %s", resp.Status))
	}
}

// deadlineConn applies per-operation read and write deadlines.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if c.readTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.Conn.Write(b)
}
