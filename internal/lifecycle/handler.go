package lifecycle

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"KINTAI-agent/internal/location"
)

// キオスクUIが visibilitychange / permissionchange を報告するエンドポイント

type Handler struct{ gate *Gate }

func RegisterRoutes(r gin.IRoutes, gate *Gate) {
	h := &Handler{gate: gate}
	r.POST("/lifecycle/visibility", h.Visibility)
	r.POST("/lifecycle/permission", h.Permission)
}

type visibilityRequest struct {
	State string `json:"state" binding:"required"` // visible | hidden
}

type permissionRequest struct {
	State string `json:"state" binding:"required"` // granted | denied | prompt
}

// POST /lifecycle/visibility
func (h *Handler) Visibility(c *gin.Context) {
	var req visibilityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	switch req.State {
	case "visible":
		h.gate.OnForeground()
	case "hidden":
		h.gate.OnBackground()
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "state must be visible or hidden"})
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /lifecycle/permission
func (h *Handler) Permission(c *gin.Context) {
	var req permissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	h.gate.OnPermissionChanged(location.PermissionState(req.State))
	c.Status(http.StatusNoContent)
}
