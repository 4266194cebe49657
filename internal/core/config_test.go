package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	cfg := cm.Get()
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("version = %d, want %d", cfg.Version, CurrentConfigVersion)
	}
	if cfg.Tunnel.Address != DefaultVirtualAddress || cfg.Tunnel.MTU != DefaultMTU {
		t.Errorf("tunnel defaults = %+v", cfg.Tunnel)
	}
	if cfg.DNS.Mode != DNSModeTunnel || cfg.DNS.Resolver != DefaultDNSResolver {
		t.Errorf("dns defaults = %+v", cfg.DNS)
	}
	if cfg.Probe.URL != DefaultProbeURL {
		t.Errorf("probe url = %q", cfg.Probe.URL)
	}
}

// TestLoadMigratesFlatLayout verifies that the pre-versioned flat layout is
// moved into the proxy and tunnel sections and written back.
func TestLoadMigratesFlatLayout(t *testing.T) {
	flat := `host: proxy.example.com
port: 3128
username: alice
password: secret
allowed_apps:
  - com.example.browser
app_selective_mode: true
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(flat), 0600); err != nil {
		t.Fatal(err)
	}

	cm := NewConfigManager(path, nil)
	if err := cm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg := cm.Get()
	if cfg.Proxy.Host != "proxy.example.com" || cfg.Proxy.Port != 3128 {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
	if !cfg.Proxy.HasCredentials() {
		t.Error("credentials lost during migration")
	}
	if !cfg.Tunnel.SelectiveMode || len(cfg.Tunnel.AllowedApplications) != 1 {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
	if cfg.Version != CurrentConfigVersion {
		t.Errorf("version = %d", cfg.Version)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "app_selective_mode") {
		t.Errorf("migrated file still has legacy keys:\n%s", data)
	}
}

func TestMigrateConfigCurrentIsNoop(t *testing.T) {
	raw := map[string]interface{}{"version": CurrentConfigVersion}
	v, migrated, err := MigrateConfig(raw)
	if err != nil || migrated || v != CurrentConfigVersion {
		t.Fatalf("MigrateConfig = %d, %v, %v", v, migrated, err)
	}
}

func TestProxyEndpointValidate(t *testing.T) {
	cases := []struct {
		ep   ProxyEndpoint
		ok   bool
		name string
	}{
		{ProxyEndpoint{Host: "proxy", Port: 8080}, true, "valid"},
		{ProxyEndpoint{Host: " ", Port: 8080}, false, "blank host"},
		{ProxyEndpoint{Host: "proxy", Port: 0}, false, "port zero"},
		{ProxyEndpoint{Host: "proxy", Port: 65536}, false, "port too large"},
	}
	for _, c := range cases {
		err := c.ep.Validate()
		if (err == nil) != c.ok {
			t.Errorf("%s: Validate() = %v", c.name, err)
		}
	}

	ep := ProxyEndpoint{Host: "p", Port: 1, Username: "u", Password: "  "}
	if ep.HasCredentials() {
		t.Error("blank password must not count as credentials")
	}
	if strings.Contains(ProxyEndpoint{Host: "p", Port: 1, Username: "u", Password: "pw"}.String(), "pw") {
		t.Error("String leaks password")
	}
}

func TestTunnelConfigValidate(t *testing.T) {
	base := TunnelConfig{Address: "10.8.0.1/24"}
	if err := base.Validate(); err != nil {
		t.Fatalf("base: %v", err)
	}

	both := base
	both.AllowedApplications = []string{"a"}
	both.DisallowedApplications = []string{"b"}
	if both.Validate() == nil {
		t.Error("allow and deny lists together must fail")
	}

	sel := base
	sel.SelectiveMode = true
	if sel.Validate() == nil {
		t.Error("selective mode without allow list must fail")
	}

	v6 := TunnelConfig{Address: "fd00::1/64"}
	if v6.Validate() == nil {
		t.Error("IPv6 virtual address must fail")
	}
}

func TestDurationOr(t *testing.T) {
	if d := DurationOr("", time.Second); d != time.Second {
		t.Errorf("empty = %v", d)
	}
	if d := DurationOr("bogus", time.Second); d != time.Second {
		t.Errorf("invalid = %v", d)
	}
	if d := DurationOr("250ms", time.Second); d != 250*time.Millisecond {
		t.Errorf("valid = %v", d)
	}
}

func TestErrorKindMatching(t *testing.T) {
	err := fmt.Errorf("[Session] start: %w", NewError(KindAuthentication, "probe", errors.New("407")))
	if !errors.Is(err, ErrAuthentication) {
		t.Error("errors.Is should match by kind")
	}
	if errors.Is(err, ErrConnectivity) {
		t.Error("errors.Is matched the wrong kind")
	}
	if KindOf(err) != KindAuthentication {
		t.Errorf("KindOf = %v", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain error should be KindUnknown")
	}
}

func TestEventBusPublish(t *testing.T) {
	bus := NewEventBus()
	var got []SessionState
	bus.Subscribe(EventSessionStateChanged, func(e Event) {
		got = append(got, e.Payload.(StatePayload).NewState)
	})
	bus.Publish(Event{Type: EventSessionStateChanged, Payload: StatePayload{NewState: SessionRunning}})
	bus.Publish(Event{Type: EventConnecting})
	if len(got) != 1 || got[0] != SessionRunning {
		t.Fatalf("got %v", got)
	}
}

func TestSetProxyPublishesReload(t *testing.T) {
	bus := NewEventBus()
	reloads := 0
	bus.Subscribe(EventConfigReloaded, func(Event) { reloads++ })

	cm := NewConfigManager(filepath.Join(t.TempDir(), "config.yaml"), bus)
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	cm.SetProxy(ProxyEndpoint{Host: "proxy.example.com", Port: 8080})

	if got := cm.Get().Proxy; got.Host != "proxy.example.com" || got.Port != 8080 {
		t.Errorf("Proxy = %+v", got)
	}
	if reloads != 1 {
		t.Errorf("reloads = %d, want 1", reloads)
	}
}
