package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jroosing/crappydns/internal/config"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/sessionmgr"
	"github.com/jroosing/crappydns/internal/trustednet"
	"github.com/jroosing/crappydns/internal/upstream"
)

// Runner orchestrates the relay's startup, component wiring, and shutdown:
// load the trusted-network table and hosts index, build the session
// manager, start the listeners, and wait for a shutdown signal.
type Runner struct {
	logger *slog.Logger

	// RuntimeHook, if set, is invoked once every component is built, so a
	// caller (e.g. cmd/crappydns wiring the admin API) can reach the live
	// session manager, trusted-net table, hosts index, and DNS stats.
	RuntimeHook func(mgr *sessionmgr.Manager, trusted *trustednet.Table, idx *hosts.Index, stats *DNSStats)
}

// NewRunner creates a new server runner with the given logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{logger: logger}
}

// Run starts the DNS relay with the given configuration.
//
// Server lifecycle:
//  1. Parse the upstream server lists (healthy + poisoned) and load the
//     optional trusted-network table and hosts index.
//  2. Build the session manager (sender, workers, id generator) over
//     those components.
//  3. Start the UDP listener (and TCP, if enabled).
//  4. Wait for a shutdown signal (SIGINT/SIGTERM).
//  5. Gracefully stop listeners and the session manager with a timeout.
func (r *Runner) Run(cfg *config.Config) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	upstreams, err := r.buildUpstreamList(cfg)
	if err != nil {
		return fmt.Errorf("upstream servers: %w", err)
	}

	trusted, err := r.loadTrustedNet(cfg)
	if err != nil {
		return fmt.Errorf("trusted-net: %w", err)
	}

	hostsIdx, err := r.loadHosts(cfg)
	if err != nil {
		return fmt.Errorf("hosts file: %w", err)
	}

	timeout := time.Duration(cfg.Upstream.TimeoutMs) * time.Millisecond
	mgr := sessionmgr.New(upstreams, hostsIdx, trusted, timeout, r.logger)
	defer mgr.Close()

	stats := NewDNSStats()
	if r.RuntimeHook != nil {
		r.RuntimeHook(mgr, trusted, hostsIdx, stats)
	}

	h := &QueryHandler{Logger: r.logger, Manager: mgr}
	limiter := NewRateLimiterFromConfig(cfg.RateLimit)

	addr := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))
	r.logStartup(cfg, addr, upstreams)

	udp := &UDPServer{Logger: r.logger, Handler: h, Limiter: limiter, Stats: stats}
	var tcp *TCPServer
	if cfg.Server.EnableTCP {
		tcp = &TCPServer{Logger: r.logger, Handler: h, Stats: stats}
	}

	errCh := make(chan error, 2)
	go func() { errCh <- udp.Run(ctx, addr) }()
	if tcp != nil {
		go func() { errCh <- tcp.Run(ctx, addr) }()
	}

	select {
	case <-ctx.Done():
		// shutdown requested via signal
	case err := <-errCh:
		if err != nil {
			cancelRun()
			return err
		}
	}

	stopTimeout := 5 * time.Second
	_ = udp.Stop(stopTimeout)
	if tcp != nil {
		_ = tcp.Stop(stopTimeout)
	}
	return nil
}

// buildUpstreamList parses the configured healthy and poisoned upstream
// server lists into the broadcast set the session manager dispatches
// every fresh query to.
func (r *Runner) buildUpstreamList(cfg *config.Config) ([]*upstream.Server, error) {
	var out []*upstream.Server
	for _, spec := range cfg.Upstream.Healthy {
		s, err := upstream.Parse(spec, upstream.Healthy)
		if err != nil {
			return nil, fmt.Errorf("healthy server %q: %w", spec, err)
		}
		out = append(out, s)
	}
	for _, spec := range cfg.Upstream.Poisoned {
		s, err := upstream.Parse(spec, upstream.Poisoned)
		if err != nil {
			return nil, fmt.Errorf("poisoned server %q: %w", spec, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// loadTrustedNet loads the trusted-network CIDR table, or returns nil if no
// path is configured (no reply is ever treated as Trusted in that case).
func (r *Runner) loadTrustedNet(cfg *config.Config) (*trustednet.Table, error) {
	if cfg.TrustedNet.Path == "" {
		return nil, nil
	}
	t, err := trustednet.LoadFile(cfg.TrustedNet.Path, true)
	if err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.Info("trusted-net loaded", "path", cfg.TrustedNet.Path, "routes", len(t.Routes()))
	}
	return t, nil
}

// loadHosts loads the hosts-file rule index, or returns nil if no path is
// configured (every query is forwarded upstream).
func (r *Runner) loadHosts(cfg *config.Config) (*hosts.Index, error) {
	if cfg.Hosts.Path == "" {
		return nil, nil
	}
	idx, err := hosts.LoadFile(cfg.Hosts.Path, r.logger)
	if err != nil {
		return nil, err
	}
	if r.logger != nil {
		r.logger.Info("hosts file loaded", "path", cfg.Hosts.Path, "rules", idx.RuleCount(), "groups", idx.GroupCount())
	}
	return idx, nil
}

// logStartup logs the relay's effective configuration at startup.
func (r *Runner) logStartup(cfg *config.Config, addr string, upstreams []*upstream.Server) {
	if r.logger == nil {
		return
	}
	names := make([]string, 0, len(upstreams))
	for _, s := range upstreams {
		names = append(names, s.String())
	}
	r.logger.Info(
		"dns listening",
		"addr", addr,
		"udp", true,
		"tcp", cfg.Server.EnableTCP,
		"upstreams", names,
		"hosts_path", cfg.Hosts.Path,
		"trusted_net_path", cfg.TrustedNet.Path,
	)
}
