// Package config provides configuration loading and validation for
// crappydns.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (applied on top, see cmd/crappydns/main.go)
//  2. Environment variables (CRAPPYDNS_* prefix)
//  3. YAML config file (if specified with -c)
//  4. Hardcoded defaults
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CRAPPYDNS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 53)
	v.SetDefault("server.verbose", false)
	v.SetDefault("server.enable_tcp", false)

	v.SetDefault("upstream.healthy", []string{})
	v.SetDefault("upstream.poisoned", []string{})
	v.SetDefault("upstream.timeout_ms", 3000)

	v.SetDefault("hosts.path", "")
	v.SetDefault("trusted_net.path", "")
	v.SetDefault("trusted_net.optimize_path", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	v.SetDefault("rate_limit.cleanup_seconds", 60.0)
	v.SetDefault("rate_limit.max_ip_entries", 65536)
	v.SetDefault("rate_limit.max_prefix_entries", 16384)
	v.SetDefault("rate_limit.global_qps", 100000.0)
	v.SetDefault("rate_limit.global_burst", 100000)
	v.SetDefault("rate_limit.prefix_qps", 10000.0)
	v.SetDefault("rate_limit.prefix_burst", 20000)
	v.SetDefault("rate_limit.ip_qps", 5000.0)
	v.SetDefault("rate_limit.ip_burst", 10000)

	// Admin API defaults to disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
	v.SetDefault("api.store_path", "")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadServerConfig(v, cfg)
	loadUpstreamConfig(v, cfg)
	loadHostsConfig(v, cfg)
	loadTrustedNetConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadAPIConfig(v, cfg)
	loadRateLimitConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.Verbose = v.GetBool("server.verbose")
	cfg.Server.EnableTCP = v.GetBool("server.enable_tcp")
}

func loadUpstreamConfig(v *viper.Viper, cfg *Config) {
	cfg.Upstream.Healthy = getStringSliceOrSplit(v, "upstream.healthy")
	cfg.Upstream.Poisoned = getStringSliceOrSplit(v, "upstream.poisoned")
	cfg.Upstream.TimeoutMs = v.GetInt("upstream.timeout_ms")
}

func loadHostsConfig(v *viper.Viper, cfg *Config) {
	cfg.Hosts.Path = v.GetString("hosts.path")
}

func loadTrustedNetConfig(v *viper.Viper, cfg *Config) {
	cfg.TrustedNet.Path = v.GetString("trusted_net.path")
	cfg.TrustedNet.OptimizePath = v.GetString("trusted_net.optimize_path")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
	cfg.API.StorePath = v.GetString("api.store_path")
}

func loadRateLimitConfig(v *viper.Viper, cfg *Config) {
	cfg.RateLimit.CleanupSeconds = v.GetFloat64("rate_limit.cleanup_seconds")
	cfg.RateLimit.MaxIPEntries = v.GetInt("rate_limit.max_ip_entries")
	cfg.RateLimit.MaxPrefixEntries = v.GetInt("rate_limit.max_prefix_entries")
	cfg.RateLimit.GlobalQPS = v.GetFloat64("rate_limit.global_qps")
	cfg.RateLimit.GlobalBurst = v.GetInt("rate_limit.global_burst")
	cfg.RateLimit.PrefixQPS = v.GetFloat64("rate_limit.prefix_qps")
	cfg.RateLimit.PrefixBurst = v.GetInt("rate_limit.prefix_burst")
	cfg.RateLimit.IPQPS = v.GetFloat64("rate_limit.ip_qps")
	cfg.RateLimit.IPBurst = v.GetInt("rate_limit.ip_burst")
}

// getStringSliceOrSplit handles both slice and comma-separated string values.
func getStringSliceOrSplit(v *viper.Viper, key string) []string {
	if s, ok := v.Get(key).(string); ok {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	if slice := v.GetStringSlice(key); len(slice) > 0 {
		result := make([]string, 0, len(slice))
		for _, s := range slice {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		return result
	}
	if s := v.GetString(key); s != "" {
		parts := strings.Split(s, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return nil
}

// normalizeConfig validates and normalizes the configuration. It does not
// enforce "at least one upstream configured" (CLI exit code -2): that
// check runs in cmd/crappydns after CLI flags are merged in, since a
// config file alone may legitimately omit upstreams in favor of -g/-b.
func normalizeConfig(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return errors.New("server.port must be 1..65535")
	}
	if cfg.Upstream.TimeoutMs <= 0 {
		cfg.Upstream.TimeoutMs = 3000
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}

// CLIOverrides layers the relay's CLI flags on top of an already-loaded
// Config: a flag only overrides its field when the caller indicates it was
// set (empty string / zero value means "not passed").
type CLIOverrides struct {
	Healthy    []string
	Poisoned   []string
	HostsPath  string
	TrustedNet string
	Optimize   string
	Port       int
	ListenAddr string
	TimeoutMs  int
	Verbose    bool
}

// Apply merges o into cfg, CLI-flag fields taking precedence over whatever
// the config file/environment already set.
func (o CLIOverrides) Apply(cfg *Config) {
	if len(o.Healthy) > 0 {
		cfg.Upstream.Healthy = o.Healthy
	}
	if len(o.Poisoned) > 0 {
		cfg.Upstream.Poisoned = o.Poisoned
	}
	if o.HostsPath != "" {
		cfg.Hosts.Path = o.HostsPath
	}
	if o.TrustedNet != "" {
		cfg.TrustedNet.Path = o.TrustedNet
	}
	if o.Optimize != "" {
		cfg.TrustedNet.OptimizePath = o.Optimize
	}
	if o.Port != 0 {
		cfg.Server.Port = o.Port
	}
	if o.ListenAddr != "" {
		cfg.Server.Host = o.ListenAddr
	}
	if o.TimeoutMs != 0 {
		cfg.Upstream.TimeoutMs = o.TimeoutMs
	}
	if o.Verbose {
		cfg.Server.Verbose = true
	}
}
