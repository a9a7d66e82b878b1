package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jroosing/crappydns/internal/api/models"
)

// StoreStatus reports whether the optional mirrored-state database
// (api.store_path) is enabled and, if so, its config version and row
// counts.
func (h *Handler) StoreStatus(c *gin.Context) {
	db := h.storeDB()
	if db == nil {
		c.JSON(http.StatusOK, models.StoreStatusResponse{Enabled: false})
		return
	}

	snap, err := db.Snapshot()
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, models.StoreStatusResponse{
		Enabled:         true,
		Version:         snap.Version,
		UpstreamCount:   snap.UpstreamCount,
		TrustedNetCIDRs: snap.TrustedNetCIDRs,
		HostsRuleLines:  snap.HostsRuleLines,
	})
}
