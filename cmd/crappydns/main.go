// Command crappydns runs the DNS relay: it races queries against a
// broadcast set of upstream servers, adjudicates answers by upstream
// health and trusted-network membership, and serves dedicated answers
// out of an optional hosts file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jroosing/crappydns/internal/api"
	"github.com/jroosing/crappydns/internal/config"
	"github.com/jroosing/crappydns/internal/database"
	"github.com/jroosing/crappydns/internal/hosts"
	"github.com/jroosing/crappydns/internal/logging"
	"github.com/jroosing/crappydns/internal/server"
	"github.com/jroosing/crappydns/internal/sessionmgr"
	"github.com/jroosing/crappydns/internal/trustednet"
)

// Exit codes: 0 clean exit, -1 config parse error, -2 no upstreams
// configured, -3 trusted-net load failure, -4 hosts load failure (or
// optimise-load failure).
const (
	exitOK              = 0
	exitConfigError     = -1
	exitNoUpstreams     = -2
	exitTrustedNetError = -3
	exitHostsError      = -4
)

// cliFlags holds the relay's command-line surface: -g/-b
// healthy/poisoned upstream lists, -s hosts file, -n trusted-net file,
// -o optimise-and-print, -p/-l listen port/address, -t session timeout,
// -v version, -V verbose, -h help.
type cliFlags struct {
	configPath string
	healthy    string
	poisoned   string
	hostsPath  string
	trustedNet string
	optimize   string
	port       int
	listen     string
	timeoutMs  int
	version    bool
	verbose    bool
}

func parseFlags(args []string) (cliFlags, error) {
	fs := flag.NewFlagSet("crappydns", flag.ContinueOnError)
	var f cliFlags
	fs.StringVar(&f.configPath, "c", "", "Path to YAML config file")
	fs.StringVar(&f.healthy, "g", "", "Comma-separated list of healthy upstream servers")
	fs.StringVar(&f.poisoned, "b", "", "Comma-separated list of poisoned (untrusted-transport) upstream servers")
	fs.StringVar(&f.hostsPath, "s", "", "Path to hosts rule file")
	fs.StringVar(&f.trustedNet, "n", "", "Path to trusted-network CIDR file")
	fs.StringVar(&f.optimize, "o", "", "Load trusted-network file (without reserved ranges), print the coalesced table, and exit")
	fs.IntVar(&f.port, "p", 0, "Listen port")
	fs.StringVar(&f.listen, "l", "", "Listen address")
	fs.IntVar(&f.timeoutMs, "t", 0, "Per-session timeout in milliseconds")
	fs.BoolVar(&f.version, "v", false, "Print version and exit")
	fs.BoolVar(&f.verbose, "V", false, "Verbose logging")
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	return f, nil
}

// version is the relay's reported version string.
const version = "crappydns 0.1.0"

func main() {
	os.Exit(mainExitCode())
}

func mainExitCode() int {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}
	if flags.version {
		fmt.Println(version)
		return exitOK
	}

	if flags.optimize != "" {
		return runOptimize(flags.optimize)
	}

	return run(flags)
}

// runOptimize implements -o: load a trusted-net file without reserved
// ranges, print the coalesced CIDR table to stdout, and exit.
func runOptimize(path string) int {
	t, err := trustednet.LoadFile(path, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "optimise: %v\n", err)
		return exitHostsError
	}
	for _, route := range t.Routes() {
		fmt.Println(route)
	}
	return exitOK
}

func run(flags cliFlags) int {
	cfgPath := config.ResolveConfigPath(flags.configPath)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return exitConfigError
	}

	overrides := config.CLIOverrides{
		HostsPath:  flags.hostsPath,
		TrustedNet: flags.trustedNet,
		Port:       flags.port,
		ListenAddr: flags.listen,
		TimeoutMs:  flags.timeoutMs,
		Verbose:    flags.verbose,
	}
	if flags.healthy != "" {
		overrides.Healthy = splitCSV(flags.healthy)
	}
	if flags.poisoned != "" {
		overrides.Poisoned = splitCSV(flags.poisoned)
	}
	overrides.Apply(cfg)
	if cfg.Server.Verbose {
		cfg.Logging.Level = "DEBUG"
	}

	if len(cfg.Upstream.Healthy) == 0 && len(cfg.Upstream.Poisoned) == 0 {
		fmt.Fprintln(os.Stderr, "no upstream servers configured (use -g/-b or upstream.healthy/upstream.poisoned)")
		return exitNoUpstreams
	}

	logger := logging.Configure(logging.Config{
		Level:            cfg.Logging.Level,
		Structured:       cfg.Logging.Structured,
		StructuredFormat: cfg.Logging.StructuredFormat,
		IncludePID:       cfg.Logging.IncludePID,
		ExtraFields:      cfg.Logging.ExtraFields,
	})
	logger.Info("crappydns starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"tcp", cfg.Server.EnableTCP,
		"hosts_path", cfg.Hosts.Path,
		"trusted_net_path", cfg.TrustedNet.Path,
	)

	// Validate the trusted-net and hosts files eagerly, before starting
	// any listener, so -3/-4 are reported without a partial startup.
	if cfg.TrustedNet.Path != "" {
		if _, err := trustednet.LoadFile(cfg.TrustedNet.Path, true); err != nil {
			logger.Error("trusted-net load failed", "path", cfg.TrustedNet.Path, "err", err)
			return exitTrustedNetError
		}
	}
	if cfg.Hosts.Path != "" {
		if _, err := hosts.LoadFile(cfg.Hosts.Path, logger); err != nil {
			logger.Error("hosts load failed", "path", cfg.Hosts.Path, "err", err)
			return exitHostsError
		}
	}

	var store *database.DB
	if cfg.API.StorePath != "" {
		store, err = database.Open(cfg.API.StorePath)
		if err != nil {
			logger.Error("store open failed", "path", cfg.API.StorePath, "err", err)
			return exitConfigError
		}
		if err := store.MigrateFromConfig(cfg); err != nil {
			logger.Error("store mirror failed", "path", cfg.API.StorePath, "err", err)
			store.Close()
			return exitConfigError
		}
		logger.Info("store mirroring config", "path", cfg.API.StorePath)
		defer store.Close()
	}

	runner := server.NewRunner(logger)

	var apiSrv *api.Server
	if cfg.API.Enabled {
		apiSrv = api.New(cfg, logger)
		if store != nil {
			apiSrv.Handler().SetStore(store)
		}
		runner.RuntimeHook = func(mgr *sessionmgr.Manager, trusted *trustednet.Table, idx *hosts.Index, stats *server.DNSStats) {
			apiSrv.Handler().SetRuntime(mgr, trusted, idx, stats)
		}

		logger.Info("admin api starting", "addr", apiSrv.Addr())
		go func() {
			serveErr := apiSrv.ListenAndServe()
			if serveErr == nil || errors.Is(serveErr, http.ErrServerClosed) {
				return
			}
			logger.Error("admin api error", "err", serveErr)
		}()
	}

	err = runner.Run(cfg)

	if apiSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiSrv.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	if err != nil {
		logger.Error("relay exited with error", "err", err)
		return exitConfigError
	}
	return exitOK
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
