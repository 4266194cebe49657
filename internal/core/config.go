package core

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to missing config values.
const (
	DefaultVirtualAddress = "10.8.0.1/24"
	DefaultInterfaceName  = "proxytun0"
	DefaultMTU            = 1500
	DefaultDNSResolver    = "1.1.1.1:53"
	DefaultProbeURL       = "http://connectivitycheck.gstatic.com/generate_204"

	DefaultConnectTimeout = 15 * time.Second
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultProbeTimeout   = 20 * time.Second
	DefaultDNSTimeout     = 5 * time.Second
	DefaultTCPIdleTimeout = 5 * time.Minute
	DefaultUDPIdleTimeout = 2 * time.Minute

	DefaultWorkers      = 4
	DefaultQueueSize    = 1024
	DefaultPendingLimit = 256 << 10
	DefaultDNSInflight  = 64
)

// DNS interception modes.
const (
	DNSModeTunnel = "tunnel"
	DNSModeDirect = "direct"
)

// ProxyEndpoint identifies the upstream HTTP(S) forward proxy.
type ProxyEndpoint struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`

	// TLS selects an HTTPS forward proxy (TLS between client and proxy).
	TLS           bool `yaml:"tls,omitempty"`
	TLSSkipVerify bool `yaml:"tls_skip_verify,omitempty"`
}

// Validate checks the endpoint shape. It does not touch the network.
func (p ProxyEndpoint) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("[Core] proxy host is empty")
	}
	if p.Port < 1 || p.Port > 65535 {
		return fmt.Errorf("[Core] proxy port %d out of range", p.Port)
	}
	return nil
}

// Address returns host:port.
func (p ProxyEndpoint) Address() string {
	return net.JoinHostPort(strings.TrimSpace(p.Host), strconv.Itoa(p.Port))
}

// HasCredentials reports whether both username and password are non-blank.
func (p ProxyEndpoint) HasCredentials() bool {
	return strings.TrimSpace(p.Username) != "" && strings.TrimSpace(p.Password) != ""
}

// String never includes the password.
func (p ProxyEndpoint) String() string {
	scheme := "http"
	if p.TLS {
		scheme = "https"
	}
	if p.Username != "" {
		return fmt.Sprintf("%s://%s@%s", scheme, p.Username, p.Address())
	}
	return fmt.Sprintf("%s://%s", scheme, p.Address())
}

// TunnelConfig describes the virtual interface and which traffic it captures.
type TunnelConfig struct {
	Name                   string   `yaml:"name,omitempty"`
	Address                string   `yaml:"address"`
	MTU                    int      `yaml:"mtu,omitempty"`
	RouteAll               bool     `yaml:"route_all"`
	SelectiveMode          bool     `yaml:"selective_mode,omitempty"`
	AllowedApplications    []string `yaml:"allowed_apps,omitempty"`
	DisallowedApplications []string `yaml:"disallowed_apps,omitempty"`
}

// VirtualAddress parses Address as an IPv4 prefix.
func (t TunnelConfig) VirtualAddress() (netip.Prefix, error) {
	pfx, err := netip.ParsePrefix(strings.TrimSpace(t.Address))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("[Core] invalid tunnel address %q: %w", t.Address, err)
	}
	if !pfx.Addr().Is4() {
		return netip.Prefix{}, fmt.Errorf("[Core] tunnel address %q is not IPv4", t.Address)
	}
	return pfx, nil
}

// Validate checks addressing and the application selection rules.
func (t TunnelConfig) Validate() error {
	if _, err := t.VirtualAddress(); err != nil {
		return err
	}
	if t.MTU != 0 && (t.MTU < 576 || t.MTU > 65535) {
		return fmt.Errorf("[Core] tunnel mtu %d out of range", t.MTU)
	}
	if len(t.AllowedApplications) > 0 && len(t.DisallowedApplications) > 0 {
		return errors.New("[Core] allowed_apps and disallowed_apps are mutually exclusive")
	}
	if t.SelectiveMode && len(t.AllowedApplications) == 0 {
		return errors.New("[Core] selective_mode requires allowed_apps")
	}
	return nil
}

// EffectiveMTU returns MTU or the default.
func (t TunnelConfig) EffectiveMTU() int {
	if t.MTU <= 0 {
		return DefaultMTU
	}
	return t.MTU
}

// DNSConfig controls the DNS interceptor.
type DNSConfig struct {
	// Mode is "tunnel" (DNS over TCP through the proxy) or "direct" (raw UDP).
	Mode        string `yaml:"mode,omitempty"`
	Resolver    string `yaml:"resolver,omitempty"`
	Timeout     string `yaml:"timeout,omitempty"`
	MaxInflight int    `yaml:"max_inflight,omitempty"`
}

// ResolverAddr parses Resolver as ip:port.
func (d DNSConfig) ResolverAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(d.Resolver)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("[Core] invalid dns resolver %q: %w", d.Resolver, err)
	}
	return ap, nil
}

// ProbeConfig controls the connectivity probe run during validation.
type ProbeConfig struct {
	URL     string `yaml:"url,omitempty"`
	Timeout string `yaml:"timeout,omitempty"`
}

// TimeoutConfig holds upstream and flow timeouts as duration strings.
type TimeoutConfig struct {
	Connect string `yaml:"connect,omitempty"`
	Read    string `yaml:"read,omitempty"`
	Write   string `yaml:"write,omitempty"`
	TCPIdle string `yaml:"tcp_idle,omitempty"`
	UDPIdle string `yaml:"udp_idle,omitempty"`
}

// RelayConfig sizes the relay loop.
type RelayConfig struct {
	Workers   int `yaml:"workers,omitempty"`
	QueueSize int `yaml:"queue_size,omitempty"`
	// PendingLimit bounds the bytes queued per flow for its upstream.
	PendingLimit int `yaml:"pending_limit,omitempty"`
}

// Config is the top-level application configuration.
type Config struct {
	Version  int           `yaml:"version"`
	Proxy    ProxyEndpoint `yaml:"proxy"`
	Tunnel   TunnelConfig  `yaml:"tunnel"`
	DNS      DNSConfig     `yaml:"dns,omitempty"`
	Probe    ProbeConfig   `yaml:"probe,omitempty"`
	Timeouts TimeoutConfig `yaml:"timeouts,omitempty"`
	Relay    RelayConfig   `yaml:"relay,omitempty"`
	// Exclude lists CIDR prefixes never relayed through the proxy.
	Exclude []string  `yaml:"exclude,omitempty"`
	Logging LogConfig `yaml:"logging,omitempty"`
}

// Validate checks every section that can be checked offline.
func (c Config) Validate() error {
	if err := c.Proxy.Validate(); err != nil {
		return err
	}
	if err := c.Tunnel.Validate(); err != nil {
		return err
	}
	switch c.DNS.Mode {
	case "", DNSModeTunnel, DNSModeDirect:
	default:
		return fmt.Errorf("[Core] unknown dns mode %q", c.DNS.Mode)
	}
	if c.DNS.Resolver != "" {
		if _, err := c.DNS.ResolverAddr(); err != nil {
			return err
		}
	}
	for _, s := range c.Exclude {
		if _, err := netip.ParsePrefix(s); err != nil {
			return fmt.Errorf("[Core] invalid exclude prefix %q: %w", s, err)
		}
	}
	for _, d := range []string{c.DNS.Timeout, c.Probe.Timeout, c.Timeouts.Connect,
		c.Timeouts.Read, c.Timeouts.Write, c.Timeouts.TCPIdle, c.Timeouts.UDPIdle} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("[Core] invalid duration %q: %w", d, err)
		}
	}
	return nil
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	if c.Tunnel.Address == "" {
		c.Tunnel.Address = DefaultVirtualAddress
	}
	if c.Tunnel.Name == "" {
		c.Tunnel.Name = DefaultInterfaceName
	}
	if c.Tunnel.MTU == 0 {
		c.Tunnel.MTU = DefaultMTU
	}
	if c.DNS.Mode == "" {
		c.DNS.Mode = DNSModeTunnel
	}
	if c.DNS.Resolver == "" {
		c.DNS.Resolver = DefaultDNSResolver
	}
	if c.DNS.MaxInflight <= 0 {
		c.DNS.MaxInflight = DefaultDNSInflight
	}
	if c.Probe.URL == "" {
		c.Probe.URL = DefaultProbeURL
	}
	if c.Relay.Workers <= 0 {
		c.Relay.Workers = DefaultWorkers
	}
	if c.Relay.QueueSize <= 0 {
		c.Relay.QueueSize = DefaultQueueSize
	}
	if c.Relay.PendingLimit <= 0 {
		c.Relay.PendingLimit = DefaultPendingLimit
	}
}

// DurationOr parses s, returning def when s is empty or invalid.
func DurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ConfigManager handles loading and saving configuration.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager that reads from the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{
		filePath: filePath,
		bus:      bus,
	}
}

// defaultConfig returns a configuration with every default filled in.
// The proxy endpoint is left empty and must be set by the user.
func defaultConfig() Config {
	cfg := Config{
		Version: CurrentConfigVersion,
		Tunnel:  TunnelConfig{RouteAll: true},
	}
	cfg.ApplyDefaults()
	return cfg
}

// Load reads and parses the configuration from disk.
// If the config file does not exist, it creates one with default values.
// Older schema versions are migrated and written back.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			Log.Infof("Core", "Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	version, migrated, err := MigrateConfig(raw)
	if err != nil {
		return fmt.Errorf("[Core] %w", err)
	}
	if migrated {
		Log.Infof("Core", "Config migrated to version %d", version)
		if data, err = yaml.Marshal(raw); err != nil {
			return fmt.Errorf("[Core] failed to re-encode migrated config: %w", err)
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if migrated {
		if err := cm.Save(); err != nil {
			Log.Warnf("Core", "Failed to persist migrated config: %v", err)
		}
	}

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}

	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	data, err := yaml.Marshal(&cm.config)
	cm.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}

	if err := os.WriteFile(cm.filePath, data, 0600); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}

	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// SetProxy replaces the proxy endpoint. Publishes EventConfigReloaded.
func (cm *ConfigManager) SetProxy(p ProxyEndpoint) {
	cm.mu.Lock()
	cm.config.Proxy = p
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
}
