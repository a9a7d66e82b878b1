package api

import (
	"github.com/gin-gonic/gin"
	"github.com/jroosing/crappydns/internal/api/handlers"
	"github.com/jroosing/crappydns/internal/api/middleware"
	"github.com/jroosing/crappydns/internal/config"
)

// RegisterRoutes wires the read-only admin/status surface: liveness,
// process + relay statistics, the effective configuration, a
// trusted-network membership probe, and hosts-index size.
func RegisterRoutes(r *gin.Engine, h *handlers.Handler, cfg *config.Config) {
	api := r.Group("/api/v1")

	if cfg != nil && cfg.API.APIKey != "" {
		api.Use(middleware.RequireAPIKey(cfg.API.APIKey))
	}

	api.GET("/health", h.Health)
	api.GET("/stats", h.Stats)
	api.GET("/config", h.GetConfig)
	api.GET("/trusted-net/probe", h.ProbeTrustedNet)
	api.GET("/hosts/stats", h.HostsStats)
	api.GET("/store/status", h.StoreStatus)
}
