package models

import "github.com/jroosing/crappydns/internal/config"

// APIConfigResponse is a redacted version of APIConfig (no api_key exposed).
type APIConfigResponse struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// ConfigResponse is the API response for GET /config. It mirrors
// config.Config but redacts the admin API key.
type ConfigResponse struct {
	Server     config.ServerConfig     `json:"server"`
	Upstream   config.UpstreamConfig   `json:"upstream"`
	Hosts      config.HostsConfig      `json:"hosts"`
	TrustedNet config.TrustedNetConfig `json:"trusted_net"`
	Logging    config.LoggingConfig    `json:"logging"`
	RateLimit  config.RateLimitConfig  `json:"rate_limit"`
	API        APIConfigResponse       `json:"api"`
}
