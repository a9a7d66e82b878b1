package models

// StoreStatusResponse reports the mirrored persistence state: whether
// api.store_path is enabled and, if so, the config version counter and
// row counts across the mirrored tables.
type StoreStatusResponse struct {
	Enabled         bool  `json:"enabled"`
	Version         int64 `json:"version"`
	UpstreamCount   int   `json:"upstream_count"`
	TrustedNetCIDRs int   `json:"trusted_net_cidrs"`
	HostsRuleLines  int   `json:"hosts_rule_lines"`
}
