package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct{ svc *Service }

func RegisterRoutes(r gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}
	r.POST("/auth/session", h.Login)
}

type LoginRequest struct {
	KioskID string `json:"kiosk_id" binding:"required"`
	Secret  string `json:"secret" binding:"required"`
}

// POST /auth/session
func (h *Handler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	token, err := h.svc.Login(req.KioskID, req.Secret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "IDまたはシークレットが間違っています"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"message": "Login successful",
	})
}
