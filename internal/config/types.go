// Package config provides configuration loading for crappydns using Viper.
// Configuration is loaded from YAML files with automatic environment variable
// binding, layered under the CLI flags defined in cmd/crappydns/main.go.
//
// Environment variables use the CRAPPYDNS_ prefix and underscore-separated
// keys:
//   - CRAPPYDNS_SERVER_HOST -> server.host
//   - CRAPPYDNS_SERVER_PORT -> server.port
//   - CRAPPYDNS_UPSTREAM_HEALTHY -> upstream.healthy (comma-separated)
package config

import (
	"os"
	"strings"
)

// ServerConfig contains the listening-socket settings from the `-l`
// and `-p` CLI flags.
type ServerConfig struct {
	Host      string `yaml:"host"       mapstructure:"host"`
	Port      int    `yaml:"port"       mapstructure:"port"`
	Verbose   bool   `yaml:"verbose"    mapstructure:"verbose"`
	EnableTCP bool   `yaml:"enable_tcp" mapstructure:"enable_tcp"`
}

// UpstreamConfig lists the `-g` (healthy) and `-b` (poisoned) upstream sets
// the relay's CLI surface accepts, plus the per-session timeout (`-t`).
type UpstreamConfig struct {
	Healthy    []string `yaml:"healthy"     mapstructure:"healthy"`
	Poisoned   []string `yaml:"poisoned"    mapstructure:"poisoned"`
	TimeoutMs  int      `yaml:"timeout_ms"  mapstructure:"timeout_ms"`
}

// HostsConfig points at the `-s` hosts file.
type HostsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// TrustedNetConfig points at the `-n` trusted-net file, or the `-o`
// optimize-and-print path (mutually exclusive at the CLI layer; both are
// carried here, and neither is checked by config.go).
type TrustedNetConfig struct {
	Path         string `yaml:"path"          mapstructure:"path"`
	OptimizePath string `yaml:"optimize_path" mapstructure:"optimize_path"`
}

// LoggingConfig contains logging settings, consumed by internal/logging.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"`
}

// RateLimitConfig controls per-IP/prefix/global rate limiting on the
// client-facing listener (ambient, not part of the relay's core resolution logic).
type RateLimitConfig struct {
	CleanupSeconds   float64 `yaml:"cleanup_seconds"    mapstructure:"cleanup_seconds"`
	MaxIPEntries     int     `yaml:"max_ip_entries"     mapstructure:"max_ip_entries"`
	MaxPrefixEntries int     `yaml:"max_prefix_entries" mapstructure:"max_prefix_entries"`
	GlobalQPS        float64 `yaml:"global_qps"         mapstructure:"global_qps"`
	GlobalBurst      int     `yaml:"global_burst"       mapstructure:"global_burst"`
	PrefixQPS        float64 `yaml:"prefix_qps"         mapstructure:"prefix_qps"`
	PrefixBurst      int     `yaml:"prefix_burst"       mapstructure:"prefix_burst"`
	IPQPS            float64 `yaml:"ip_qps"             mapstructure:"ip_qps"`
	IPBurst          int     `yaml:"ip_burst"           mapstructure:"ip_burst"`
}

// APIConfig contains the read-only admin/status API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be
// returned by API endpoints.
type APIConfig struct {
	Enabled     bool   `yaml:"enabled"      mapstructure:"enabled"`
	Host        string `yaml:"host"         mapstructure:"host"`
	Port        int    `yaml:"port"         mapstructure:"port"`
	APIKey      string `yaml:"api_key"      mapstructure:"api_key"`
	StorePath   string `yaml:"store_path"   mapstructure:"store_path"`
}

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig     `yaml:"server"      mapstructure:"server"`
	Upstream    UpstreamConfig   `yaml:"upstream"    mapstructure:"upstream"`
	Hosts       HostsConfig      `yaml:"hosts"       mapstructure:"hosts"`
	TrustedNet  TrustedNetConfig `yaml:"trusted_net" mapstructure:"trusted_net"`
	Logging     LoggingConfig    `yaml:"logging"     mapstructure:"logging"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit"  mapstructure:"rate_limit"`
	API         APIConfig        `yaml:"api"         mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv("CRAPPYDNS_CONFIG")); v != "" {
		return v
	}
	return ""
}

// Load loads configuration from a YAML file with environment variable
// overrides. This is the main entry point for loading configuration; CLI
// flags are applied on top by cmd/crappydns via CLIOverrides.Apply.
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}
