package handlers

import (
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/crappydns/internal/api/models"
)

// GetConfig returns the current server configuration (API key redacted).
func (h *Handler) GetConfig(c *gin.Context) {
	if h.cfg == nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "config unavailable"})
		return
	}

	resp := models.ConfigResponse{
		Server:     h.cfg.Server,
		Upstream:   h.cfg.Upstream,
		Hosts:      h.cfg.Hosts,
		TrustedNet: h.cfg.TrustedNet,
		Logging:    h.cfg.Logging,
		RateLimit:  h.cfg.RateLimit,
		API: models.APIConfigResponse{
			Enabled: h.cfg.API.Enabled,
			Host:    h.cfg.API.Host,
			Port:    h.cfg.API.Port,
		},
	}

	c.JSON(http.StatusOK, resp)
}

// TrustedNetProbeResponse answers whether an address falls inside the
// loaded trusted-network table.
type TrustedNetProbeResponse struct {
	Address string `json:"address"`
	Trusted bool   `json:"trusted"`
}

// ProbeTrustedNet answers GET /trusted-net/probe?addr=<ipv4>: whether the
// address lies in the loaded trusted-network table, i.e. whether the relay
// would classify an A-record answer carrying that address as trusted.
func (h *Handler) ProbeTrustedNet(c *gin.Context) {
	addr := c.Query("addr")
	ip := net.ParseIP(addr)
	if ip == nil || ip.To4() == nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "addr must be a dotted-quad IPv4 address"})
		return
	}

	_, trusted, _ := h.runtime()
	c.JSON(http.StatusOK, TrustedNetProbeResponse{
		Address: addr,
		Trusted: trusted != nil && trusted.Contains(ip.To4()),
	})
}

// HostsRuleCountResponse reports the loaded hosts index size.
type HostsRuleCountResponse struct {
	Rules  int `json:"rules"`
	Groups int `json:"groups"`
}

// HostsStats returns the loaded hosts-file index size.
func (h *Handler) HostsStats(c *gin.Context) {
	_, _, idx := h.runtime()
	if idx == nil {
		c.JSON(http.StatusOK, HostsRuleCountResponse{})
		return
	}
	c.JSON(http.StatusOK, HostsRuleCountResponse{Rules: idx.RuleCount(), Groups: idx.GroupCount()})
}
