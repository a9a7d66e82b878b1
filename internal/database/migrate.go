package database

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/jroosing/crappydns/internal/config"
	"github.com/jroosing/crappydns/internal/trustednet"
)

// MigrateFromConfig mirrors a loaded config.Config (and the trusted-net /
// hosts files it names, if any) into the database. This is how
// api.store_path stays in sync with the YAML/CLI configuration the relay
// actually runs with: the files remain the source of truth, the database
// is a queryable mirror for the admin API.
func (db *DB) MigrateFromConfig(cfg *config.Config) error {
	if err := db.migrateServerConfig(cfg); err != nil {
		return err
	}
	if err := db.migrateUpstreamConfig(cfg); err != nil {
		return err
	}
	if err := db.migrateLoggingConfig(cfg); err != nil {
		return err
	}
	if err := db.migrateRateLimitConfig(cfg); err != nil {
		return err
	}
	if err := db.migrateAPIConfig(cfg); err != nil {
		return err
	}
	if err := db.migrateTrustedNet(cfg); err != nil {
		return err
	}
	if err := db.migrateHosts(cfg); err != nil {
		return err
	}
	return nil
}

func (db *DB) migrateServerConfig(cfg *config.Config) error {
	return db.SetMultipleConfig(map[string]string{
		ConfigKeyServerHost:      cfg.Server.Host,
		ConfigKeyServerPort:      fmt.Sprintf("%d", cfg.Server.Port),
		ConfigKeyServerVerbose:   fmt.Sprintf("%t", cfg.Server.Verbose),
		ConfigKeyServerEnableTCP: fmt.Sprintf("%t", cfg.Server.EnableTCP),
	})
}

func (db *DB) migrateUpstreamConfig(cfg *config.Config) error {
	if err := db.SetConfig(ConfigKeyUpstreamTimeoutMs, fmt.Sprintf("%d", cfg.Upstream.TimeoutMs)); err != nil {
		return err
	}
	return db.ReplaceUpstreamServers(cfg.Upstream.Healthy, cfg.Upstream.Poisoned)
}

func (db *DB) migrateLoggingConfig(cfg *config.Config) error {
	return db.SetMultipleConfig(map[string]string{
		ConfigKeyLoggingLevel:            cfg.Logging.Level,
		ConfigKeyLoggingStructured:       fmt.Sprintf("%t", cfg.Logging.Structured),
		ConfigKeyLoggingStructuredFormat: cfg.Logging.StructuredFormat,
		ConfigKeyLoggingIncludePID:       fmt.Sprintf("%t", cfg.Logging.IncludePID),
	})
}

func (db *DB) migrateRateLimitConfig(cfg *config.Config) error {
	return db.SetMultipleConfig(map[string]string{
		ConfigKeyRateLimitCleanupSeconds:   fmt.Sprintf("%f", cfg.RateLimit.CleanupSeconds),
		ConfigKeyRateLimitMaxIPEntries:     fmt.Sprintf("%d", cfg.RateLimit.MaxIPEntries),
		ConfigKeyRateLimitMaxPrefixEntries: fmt.Sprintf("%d", cfg.RateLimit.MaxPrefixEntries),
		ConfigKeyRateLimitGlobalQPS:        fmt.Sprintf("%f", cfg.RateLimit.GlobalQPS),
		ConfigKeyRateLimitGlobalBurst:      fmt.Sprintf("%d", cfg.RateLimit.GlobalBurst),
		ConfigKeyRateLimitPrefixQPS:        fmt.Sprintf("%f", cfg.RateLimit.PrefixQPS),
		ConfigKeyRateLimitPrefixBurst:      fmt.Sprintf("%d", cfg.RateLimit.PrefixBurst),
		ConfigKeyRateLimitIPQPS:            fmt.Sprintf("%f", cfg.RateLimit.IPQPS),
		ConfigKeyRateLimitIPBurst:          fmt.Sprintf("%d", cfg.RateLimit.IPBurst),
	})
}

func (db *DB) migrateAPIConfig(cfg *config.Config) error {
	return db.SetMultipleConfig(map[string]string{
		ConfigKeyAPIEnabled: fmt.Sprintf("%t", cfg.API.Enabled),
		ConfigKeyAPIHost:    cfg.API.Host,
		ConfigKeyAPIPort:    fmt.Sprintf("%d", cfg.API.Port),
		ConfigKeyAPIKey:     cfg.API.APIKey,
	})
}

// migrateTrustedNet mirrors the coalesced CIDR table from cfg.TrustedNet.Path,
// if configured. A missing path is not an error: trusted-net is optional.
func (db *DB) migrateTrustedNet(cfg *config.Config) error {
	if cfg.TrustedNet.Path == "" {
		return nil
	}
	table, err := trustednet.LoadFile(cfg.TrustedNet.Path, true)
	if err != nil {
		return fmt.Errorf("failed to load trusted-net file for mirroring: %w", err)
	}
	if err := db.SetConfig(ConfigKeyTrustedNetPath, cfg.TrustedNet.Path); err != nil {
		return err
	}
	return db.ReplaceTrustedNetCIDRs(table.Routes())
}

// migrateHosts mirrors the raw, non-comment lines of cfg.Hosts.Path, if
// configured. The database stores the raw rule text rather than parsed
// rules: hosts.Parse is the single source of truth for rule semantics,
// the mirror exists only so the admin API can report file contents.
func (db *DB) migrateHosts(cfg *config.Config) error {
	if cfg.Hosts.Path == "" {
		return nil
	}
	f, err := os.Open(cfg.Hosts.Path)
	if err != nil {
		return fmt.Errorf("failed to open hosts file for mirroring: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "!") || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read hosts file for mirroring: %w", err)
	}

	if err := db.SetConfig(ConfigKeyHostsPath, cfg.Hosts.Path); err != nil {
		return err
	}
	return db.ReplaceHostsRuleLines(lines)
}
