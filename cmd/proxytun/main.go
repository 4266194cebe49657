package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"proxytun/internal/core"
	"proxytun/internal/provider/httpproxy"
	"proxytun/internal/service"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	proxyAddr := flag.String("proxy", "", "Override the configured proxy as host:port (credentials from config)")
	tunFD := flag.Int("tun-fd", -1, "Use an already open TUN file descriptor instead of creating a device")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("proxytun %s (commit=%s, built=%s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if err := run(*configPath, *proxyAddr, *tunFD); err != nil {
		core.Log.Errorf("Core", "%v", err)
		core.Log.Sync()
		os.Exit(1)
	}
}

func run(configPath, proxyAddr string, tunFD int) error {
	// === 1. Config + logging ===
	bus := core.NewEventBus()
	cfgManager := core.NewConfigManager(resolveRelativeToExe(configPath), bus)
	if err := cfgManager.Load(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if proxyAddr != "" {
		ep, err := overrideProxy(cfgManager.Get().Proxy, proxyAddr)
		if err != nil {
			return err
		}
		cfgManager.SetProxy(ep)
	}
	cfg := cfgManager.Get()

	core.Log = core.NewLogger(cfg.Logging)
	defer core.Log.Sync()
	core.Log.Infof("Core", "proxytun %s starting", version)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", configPath, err)
	}

	// === 2. Platform ===
	adapters, err := newAdapterProvider(tunFD)
	if err != nil {
		return err
	}

	// === 3. Session ===
	validator := httpproxy.NewValidator(httpproxy.OptionsFromConfig(cfg))
	session := service.NewSession(service.SessionDeps{
		Config:   cfg,
		Validate: service.HTTPValidator(validator),
		Platform: adapters,
		Bus:      bus,
	})

	// A session that ends on its own (adapter gone) ends the process.
	ended := make(chan struct{}, 1)
	bus.Subscribe(core.EventDisconnected, func(core.Event) {
		select {
		case ended <- struct{}{}:
		default:
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := session.Start(ctx, cfg.Proxy, cfg.Tunnel); err != nil {
		if errors.Is(err, core.ErrAuthentication) {
			return fmt.Errorf("proxy rejected credentials: %w", err)
		}
		return fmt.Errorf("start session: %w", err)
	}
	core.Log.Infof("Core", "Running. Press Ctrl+C to stop.")

	select {
	case <-ctx.Done():
	case <-ended:
		return errors.New("session ended unexpectedly")
	}

	// === Graceful shutdown ===
	core.Log.Infof("Core", "Shutting down...")
	done := make(chan error, 1)
	go func() { done <- session.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		core.Log.Infof("Core", "Shutdown complete.")
		return nil
	case <-time.After(10 * time.Second):
		return errors.New("shutdown timed out")
	}
}

// overrideProxy replaces host and port of ep, keeping its credentials and
// TLS settings.
func overrideProxy(ep core.ProxyEndpoint, hostport string) (core.ProxyEndpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return ep, fmt.Errorf("invalid -proxy %q: %w", hostport, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return ep, fmt.Errorf("invalid -proxy port %q: %w", portStr, err)
	}
	ep.Host, ep.Port = host, port
	return ep, nil
}

// resolveRelativeToExe resolves a relative path against the directory containing
// the running executable when no such file exists in the working directory.
// Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		core.Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
