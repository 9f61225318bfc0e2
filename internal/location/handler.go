package location

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// キオスクUI(navigator.geolocation)からの測位結果をブリッジへ流し込む

type Handler struct {
	bridge *Bridge
}

func RegisterRoutes(r gin.IRoutes, bridge *Bridge) {
	h := &Handler{bridge: bridge}
	r.POST("/location/fix", h.PushFix)
	r.POST("/location/error", h.PushError)
	r.GET("/location/watch", h.WatchOptions)
}

// 緯度経度はポインタで受ける。0は正当な座標なので required で弾いてはいけない。
type pushFixRequest struct {
	Lat          *float64 `json:"lat" binding:"required"`
	Lng          *float64 `json:"lng" binding:"required"`
	AccuracyM    float64  `json:"accuracy_m"`
	CapturedAtMs int64    `json:"captured_at_ms"`
}

type pushErrorRequest struct {
	Kind    string `json:"kind" binding:"required"` // PERMISSION_DENIED | POSITION_UNAVAILABLE | TIMEOUT
	Message string `json:"message"`
}

// POST /location/fix
func (h *Handler) PushFix(c *gin.Context) {
	var req pushFixRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	at := time.Now().UTC()
	if req.CapturedAtMs > 0 {
		at = time.UnixMilli(req.CapturedAtMs).UTC()
	}
	h.bridge.Push(Fix{
		Lat:        *req.Lat,
		Lng:        *req.Lng,
		AccuracyM:  req.AccuracyM,
		CapturedAt: at,
	})
	c.Status(http.StatusNoContent)
}

// POST /location/error
func (h *Handler) PushError(c *gin.Context) {
	var req pushErrorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	switch ErrorKind(req.Kind) {
	case ErrKindPermissionDenied:
		h.bridge.PushError(ErrPermissionDenied(req.Message))
	case ErrKindTimeout:
		h.bridge.PushError(ErrTimeout(req.Message))
	default:
		h.bridge.PushError(ErrPositionUnavailable(req.Message))
	}
	c.Status(http.StatusNoContent)
}

// GET /location/watch : UIが測位オプション（高精度か）を同期するためのヒント
func (h *Handler) WatchOptions(c *gin.Context) {
	active, high := h.bridge.WatchWanted()
	c.JSON(http.StatusOK, gin.H{
		"watch_active":  active,
		"high_accuracy": high,
	})
}
